package riscv

import (
	"testing"

	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/devices/ram"
)

// testCore builds a single hart over 1 MiB of RAM at physical zero.
func testCore(t *testing.T) *Core {
	t.Helper()
	space := bus.NewAddressSpace()
	if err := space.Map(0, ram.New(1<<20)); err != nil {
		t.Fatal(err)
	}
	return NewCore(0, space)
}

// load places instruction words at an address.
func load(t *testing.T, c *Core, address uint32, words ...uint32) {
	t.Helper()
	for i, word := range words {
		if cause := c.writePhysical(address+uint32(i)*4, 4, word); cause != CauseNone {
			t.Fatalf("load word %d: %v", i, cause)
		}
	}
}

// step runs one instruction and fails the test on out-of-band errors.
func step(t *testing.T, c *Core) {
	t.Helper()
	if err := c.Step(); err != nil {
		t.Fatal(err)
	}
}

func TestResetState(t *testing.T) {
	space := bus.NewAddressSpace()
	if err := space.Map(0, ram.New(1<<20)); err != nil {
		t.Fatal(err)
	}
	c := NewCore(3, space)

	if c.PC().Get() != 0 {
		t.Fatalf("pc = %#x", c.PC().Get())
	}
	if c.A0().Get() != 3 {
		t.Fatalf("a0 = %d, want hart id", c.A0().Get())
	}
	if c.CSR(CSRMIDeleg).Get() != 0xFFFFFFFF {
		t.Fatalf("mideleg = %#x", c.CSR(CSRMIDeleg).Get())
	}
	if c.Privilege() != PrivilegeSupervisor {
		t.Fatalf("privilege = %v", c.Privilege())
	}
	if c.Reservation() != 0 {
		t.Fatalf("reservation = %#x", c.Reservation())
	}
}

func TestZeroRegisterInvariant(t *testing.T) {
	c := testCore(t)
	load(t, c, 0, 0x00500013) // addi x0, x0, 5
	step(t, c)
	if c.X(0).Get() != 0 {
		t.Fatalf("x0 = %d", c.X(0).Get())
	}

	// Direct writes vanish too.
	c.X(0).Set(0xFFFFFFFF)
	if c.X(0).Get() != 0 {
		t.Fatal("x0 accepted a direct write")
	}
}

func TestReservationHelpers(t *testing.T) {
	c := testCore(t)
	c.SetReservation(0x1234)
	if c.Reservation() != 0x1234|1 {
		t.Fatalf("reservation = %#x", c.Reservation())
	}

	// Stores to a different word leave it alone.
	c.InvalidateReservation(0x2000)
	if c.Reservation() == 0 {
		t.Fatal("unrelated store cleared the reservation")
	}

	// Any byte of the reserved word clears it.
	c.InvalidateReservation(0x1236)
	if c.Reservation() != 0 {
		t.Fatal("overlapping store kept the reservation")
	}
}

func TestSnapshot(t *testing.T) {
	c := testCore(t)
	c.X(5).Set(0xAB)
	c.SATP().Set(0x80000001)
	snap := c.Snapshot()
	if snap.X[5] != 0xAB || snap.SATP != 0x80000001 || snap.Privilege != "supervisor" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.X[0] != 0 {
		t.Fatal("snapshot x0 not zero")
	}
}
