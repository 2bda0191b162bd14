package riscv

import (
	"errors"
	"testing"

	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/devices/ram"
)

func TestTrapEntryFromSupervisor(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SStatus().SetBit(SStatusSIE, true)
	load(t, c, 0x40, 0xFFFFFFFF) // reserved encoding: illegal instruction
	c.PC().Set(0x40)
	step(t, c)

	sstatus := c.SStatus()
	if !sstatus.Bit(SStatusSPP) {
		t.Fatal("sstatus.SPP = 0, want previous privilege supervisor")
	}
	if !sstatus.Bit(SStatusSPIE) {
		t.Fatal("sstatus.SPIE did not capture SIE")
	}
	if sstatus.Bit(SStatusSIE) {
		t.Fatal("sstatus.SIE still set after trap")
	}
	if c.SEPC().Get() != 0x40 {
		t.Fatalf("sepc = %#x, want faulting pc", c.SEPC().Get())
	}
	if c.SCause().Get() != uint32(CauseIllegalInstruction) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
	if c.Privilege() != PrivilegeSupervisor {
		t.Fatalf("privilege = %v", c.Privilege())
	}
	if c.PC().Get() != 0x100 {
		t.Fatalf("pc = %#x, want vector base", c.PC().Get())
	}
	// stval falls back to the faulting pc for non-access faults.
	if c.STVal().Get() != 0x40 {
		t.Fatalf("stval = %#x", c.STVal().Get())
	}
}

func TestTrapFromUserSetsSPPClear(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SetPrivilege(PrivilegeUser)
	load(t, c, 0, 0x00000073) // ecall
	step(t, c)

	if c.SStatus().Bit(SStatusSPP) {
		t.Fatal("sstatus.SPP set for a trap from user mode")
	}
	if c.SCause().Get() != uint32(CauseECallUser) {
		t.Fatalf("scause = %d, want ecall-from-U", c.SCause().Get())
	}
	if c.Privilege() != PrivilegeSupervisor {
		t.Fatalf("privilege = %v", c.Privilege())
	}
}

func TestEBreak(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	load(t, c, 0, 0x00100073) // ebreak
	step(t, c)
	if c.SCause().Get() != uint32(CauseBreakpoint) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
}

func TestECallSupervisorEntersTrampoline(t *testing.T) {
	c := testCore(t)
	load(t, c, 0, 0x00000073) // ecall
	step(t, c)

	if c.Privilege() != PrivilegeMachine {
		t.Fatalf("privilege = %v, want machine trampoline", c.Privilege())
	}
	if c.SCause().Get() != uint32(CauseECallSupervisor) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
	if !c.SIP().Bit(uint(CauseECallSupervisor)) {
		t.Fatal("sip ecall bit not raised")
	}
	if c.PC().Get() != 4 {
		t.Fatalf("pc = %#x, want past the ecall", c.PC().Get())
	}
}

func TestInterruptDirectVector(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SStatus().SetBit(SStatusSIE, true)
	c.SIE().SetBit(SIPTimer, true)
	c.SIP().SetBit(SIPTimer, true)
	c.PC().Set(0x40)
	step(t, c)

	if c.SCause().Get() != uint32(SIPTimer)|interruptFlag {
		t.Fatalf("scause = %#x", c.SCause().Get())
	}
	if c.SEPC().Get() != 0x40 {
		t.Fatalf("sepc = %#x, want interrupted pc", c.SEPC().Get())
	}
	if c.PC().Get() != 0x100 {
		t.Fatalf("pc = %#x, want vector base in direct mode", c.PC().Get())
	}
}

func TestInterruptVectoredMode(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100 | 1)
	c.SStatus().SetBit(SStatusSIE, true)
	c.SIE().SetBit(SIPTimer, true)
	c.SIP().SetBit(SIPTimer, true)
	step(t, c)

	if c.PC().Get() != 0x100+4*SIPTimer {
		t.Fatalf("pc = %#x, want vectored entry", c.PC().Get())
	}
}

func TestInterruptMaskedBySIE(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SIE().SetBit(SIPTimer, true)
	c.SIP().SetBit(SIPTimer, true)
	load(t, c, 0, 0x00500013) // addi x0, x0, 5
	step(t, c)

	if c.PC().Get() != 4 {
		t.Fatalf("pc = %#x, interrupt taken with sstatus.SIE clear", c.PC().Get())
	}
}

func TestInterruptTakenFromUserMode(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SetPrivilege(PrivilegeUser)
	c.SIE().SetBit(SIPTimer, true)
	c.SIP().SetBit(SIPTimer, true)
	step(t, c)

	// User mode takes interrupts regardless of sstatus.SIE.
	if c.PC().Get() != 0x100 {
		t.Fatalf("pc = %#x", c.PC().Get())
	}
	if c.Privilege() != PrivilegeSupervisor {
		t.Fatalf("privilege = %v", c.Privilege())
	}
}

func TestTrapClearsReservation(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.SetReservation(0x1000)
	load(t, c, 0, 0xFFFFFFFF)
	step(t, c)
	if c.Reservation() != 0 {
		t.Fatal("reservation survived trap entry")
	}
}

func TestFetchFaultTraps(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.PC().Set(0xFF000000) // unmapped
	step(t, c)
	if c.SCause().Get() != uint32(CauseFetchFault) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
	if c.STVal().Get() != 0xFF000000 {
		t.Fatalf("stval = %#x", c.STVal().Get())
	}
}

func TestMisalignedPCTraps(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.PC().Set(0x42)
	step(t, c)
	if c.SCause().Get() != uint32(CausePCMisalign) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
}

func TestMisalignedLoadTraps(t *testing.T) {
	c := testCore(t)
	c.STVec().Set(0x100)
	c.X(2).Set(0x1002)
	load(t, c, 0, 0x00012083) // lw x1, 0(x2)
	step(t, c)
	if c.SCause().Get() != uint32(CauseLoadMisalign) {
		t.Fatalf("scause = %d", c.SCause().Get())
	}
	if c.STVal().Get() != 0x1002 {
		t.Fatalf("stval = %#x", c.STVal().Get())
	}
}

func TestUnimplementedInstructionOutOfBand(t *testing.T) {
	c := testCore(t)
	c.SCause().Set(0xAAAA)
	load(t, c, 0, 0x003100D3) // fadd.s: not modelled
	err := c.Step()

	var unimpl *UnimplementedError
	if !errors.As(err, &unimpl) {
		t.Fatalf("Step = %v, want UnimplementedError", err)
	}
	if unimpl.PC != 0 || unimpl.Instruction != 0x003100D3 {
		t.Fatalf("error = %+v", unimpl)
	}
	if c.SCause().Get() != 0xAAAA {
		t.Fatal("out-of-band cause leaked into scause")
	}
}

// countingTranslator records invalidations behind a pass-through mapping.
type countingTranslator struct {
	invalidations int
}

func (ct *countingTranslator) Translate(_ bus.Hart, address uint32, _ bus.Access) (uint32, bus.AccessResult) {
	return address, bus.Success
}

func (ct *countingTranslator) Invalidate() { ct.invalidations++ }

func TestSFENCEInvalidatesTranslators(t *testing.T) {
	space := bus.NewAddressSpace()
	if err := space.Map(0, ram.New(1<<20)); err != nil {
		t.Fatal(err)
	}
	ct := &countingTranslator{}
	space.AddTranslator(ct)
	c := NewCore(0, space)

	load(t, c, 0, 0x12000073) // sfence.vma
	step(t, c)
	if ct.invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", ct.invalidations)
	}
	if c.PC().Get() != 4 {
		t.Fatalf("pc = %#x", c.PC().Get())
	}
}

func TestTrapEntryInvalidatesTranslators(t *testing.T) {
	space := bus.NewAddressSpace()
	if err := space.Map(0, ram.New(1<<20)); err != nil {
		t.Fatal(err)
	}
	ct := &countingTranslator{}
	space.AddTranslator(ct)
	c := NewCore(0, space)
	c.STVec().Set(0x100)

	load(t, c, 0, 0xFFFFFFFF)
	step(t, c)
	if ct.invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", ct.invalidations)
	}
}
