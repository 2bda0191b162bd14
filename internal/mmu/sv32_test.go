package mmu

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/devices/ram"
	"github.com/tinyrange/rv32/internal/riscv"
)

const (
	rootTable  = 0x4000 // physical page 4
	childTable = 0x5000
)

type fixture struct {
	space *bus.AddressSpace
	mmu   *Sv32
	core  *riscv.Core
}

// newFixture builds a hart with satp pointing at an empty root table. RAM
// is mapped both at zero (for page tables) and at 0x40000000 so superpage
// targets resolve.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	space := bus.NewAddressSpace()
	if err := space.Map(0, ram.New(1<<20)); err != nil {
		t.Fatal(err)
	}
	if err := space.Map(0x40000000, ram.New(1<<24)); err != nil {
		t.Fatal(err)
	}

	m := NewSv32(space)
	space.AddTranslator(m)

	core := riscv.NewCore(0, space)
	core.SATP().Set(1<<31 | rootTable/PageSize)

	return &fixture{space: space, mmu: m, core: core}
}

func (f *fixture) writePTE(t *testing.T, address, pte uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], pte)
	if f.space.WritePhysical(address, buf[:]) != bus.Success {
		t.Fatalf("write pte at %#x", address)
	}
}

func (f *fixture) readPTE(t *testing.T, address uint32) uint32 {
	t.Helper()
	var buf [4]byte
	if f.space.ReadPhysical(address, buf[:]) != bus.Success {
		t.Fatalf("read pte at %#x", address)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestBareMode(t *testing.T) {
	f := newFixture(t)
	f.core.SATP().Set(0)
	pa, result := f.mmu.Translate(f.core, 0x12345678, bus.AccessLoad)
	if result != bus.Success || pa != 0x12345678 {
		t.Fatalf("bare translate = (%#x, %v)", pa, result)
	}
}

func TestNonHartPassesThrough(t *testing.T) {
	f := newFixture(t)
	pa, result := f.mmu.Translate(nil, 0x1234, bus.AccessLoad)
	if result != bus.Success || pa != 0x1234 {
		t.Fatalf("translate without hart = (%#x, %v)", pa, result)
	}
}

// The spec's superpage walk: VPN1 of 0x12345678 selects a leaf with
// PPN1=0x100, giving PA 0x40345678, and the access sets the A bit.
func TestSuperpageWalk(t *testing.T) {
	f := newFixture(t)
	const va = 0x12345678
	vpn1 := va >> 22
	pteAddress := uint32(rootTable + vpn1*4)
	f.writePTE(t, pteAddress, 0x100<<20|pteR|pteV)

	pa, result := f.mmu.Translate(f.core, va, bus.AccessLoad)
	if result != bus.Success {
		t.Fatalf("translate = %v", result)
	}
	if pa != 0x40345678 {
		t.Fatalf("pa = %#x, want 0x40345678", pa)
	}
	if f.readPTE(t, pteAddress)&pteA == 0 {
		t.Fatal("A bit not set after access")
	}
}

func TestMisalignedSuperpageFaults(t *testing.T) {
	f := newFixture(t)
	const va = 0x12345678
	pteAddress := uint32(rootTable + (va>>22)*4)
	// PPN0 must be zero in a level-1 leaf.
	f.writePTE(t, pteAddress, 0x100<<20|1<<10|pteR|pteV)

	if _, result := f.mmu.Translate(f.core, va, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("translate = %v, want load page fault", result)
	}
}

// mapPage installs a two-level mapping of va onto pa with the given leaf
// permission bits.
func (f *fixture) mapPage(t *testing.T, va, pa, leafBits uint32) (leafAddress uint32) {
	t.Helper()
	vpn1 := va >> 22
	vpn0 := va >> 12 & 0x3FF
	f.writePTE(t, rootTable+vpn1*4, childTable/PageSize<<10|pteV)
	leafAddress = childTable + vpn0*4
	f.writePTE(t, leafAddress, pa/PageSize<<10|leafBits)
	return leafAddress
}

func TestTwoLevelWalk(t *testing.T) {
	f := newFixture(t)
	f.mapPage(t, 0x00801234, 0x40002000, pteR|pteW|pteV)

	pa, result := f.mmu.Translate(f.core, 0x00801234, bus.AccessLoad)
	if result != bus.Success {
		t.Fatalf("translate = %v", result)
	}
	if pa != 0x40002234 {
		t.Fatalf("pa = %#x, want 0x40002234", pa)
	}
}

func TestInvalidEntryFaultsPerDirection(t *testing.T) {
	f := newFixture(t)
	// Root table is all zeroes: V=0 everywhere.
	if _, result := f.mmu.Translate(f.core, 0x1000, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("load = %v", result)
	}
	if _, result := f.mmu.Translate(f.core, 0x1000, bus.AccessStore); result != bus.StorePageFault {
		t.Fatalf("store = %v", result)
	}
	if _, result := f.mmu.Translate(f.core, 0x1000, bus.AccessFetch); result != bus.LoadPageFault {
		t.Fatalf("fetch = %v, want load-kind page fault on the bus", result)
	}
}

func TestPermissionEnforcement(t *testing.T) {
	f := newFixture(t)

	// Read-only page: stores fault, loads succeed.
	f.mapPage(t, 0x00801000, 0x40002000, pteR|pteV)
	if _, result := f.mmu.Translate(f.core, 0x00801000, bus.AccessStore); result != bus.StorePageFault {
		t.Fatalf("store to read-only page = %v", result)
	}
	if _, result := f.mmu.Translate(f.core, 0x00801000, bus.AccessLoad); result != bus.Success {
		t.Fatalf("load from read-only page = %v", result)
	}

	// Execute-only page: fetch succeeds, load faults.
	f.mapPage(t, 0x00802000, 0x40003000, pteX|pteV)
	if _, result := f.mmu.Translate(f.core, 0x00802000, bus.AccessFetch); result != bus.Success {
		t.Fatalf("fetch from execute-only page = %v", result)
	}
	if _, result := f.mmu.Translate(f.core, 0x00802000, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("load from execute-only page = %v", result)
	}

	// W=1 with R=0 is an illegal leaf.
	f.mapPage(t, 0x00803000, 0x40004000, pteW|pteX|pteV)
	if _, result := f.mmu.Translate(f.core, 0x00803000, bus.AccessFetch); result != bus.LoadPageFault {
		t.Fatalf("W-without-R leaf = %v", result)
	}
}

func TestUserBitChecks(t *testing.T) {
	f := newFixture(t)
	supervisorPage := uint32(0x00801000)
	userPage := uint32(0x00802000)
	f.mapPage(t, supervisorPage, 0x40002000, pteR|pteV)
	f.mapPage(t, userPage, 0x40003000, pteR|pteU|pteV)

	// User access to a supervisor page faults.
	f.core.SetPrivilege(riscv.PrivilegeUser)
	if _, result := f.mmu.Translate(f.core, supervisorPage, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("user access to supervisor page = %v", result)
	}
	if _, result := f.mmu.Translate(f.core, userPage, bus.AccessLoad); result != bus.Success {
		t.Fatalf("user access to user page = %v", result)
	}

	// Supervisor access to a user page requires sstatus.SUM.
	f.core.SetPrivilege(riscv.PrivilegeSupervisor)
	if _, result := f.mmu.Translate(f.core, userPage, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("supervisor access to user page without SUM = %v", result)
	}
	f.core.SStatus().SetBit(riscv.SStatusSUM, true)
	if _, result := f.mmu.Translate(f.core, userPage, bus.AccessLoad); result != bus.Success {
		t.Fatalf("supervisor access to user page with SUM = %v", result)
	}
}

func TestAccessedDirtyUpdates(t *testing.T) {
	f := newFixture(t)
	leafAddress := f.mapPage(t, 0x00801000, 0x40002000, pteR|pteW|pteV)

	if _, result := f.mmu.Translate(f.core, 0x00801000, bus.AccessLoad); result != bus.Success {
		t.Fatalf("load = %v", result)
	}
	pte := f.readPTE(t, leafAddress)
	if pte&pteA == 0 {
		t.Fatal("A bit not set by load")
	}
	if pte&pteD != 0 {
		t.Fatal("D bit set by load")
	}

	if _, result := f.mmu.Translate(f.core, 0x00801000, bus.AccessStore); result != bus.Success {
		t.Fatalf("store = %v", result)
	}
	if f.readPTE(t, leafAddress)&pteD == 0 {
		t.Fatal("D bit not set by store")
	}
}

func TestPointerAtLastLevelFaults(t *testing.T) {
	f := newFixture(t)
	vpn1 := uint32(0x00801000) >> 22
	f.writePTE(t, rootTable+vpn1*4, childTable/PageSize<<10|pteV)
	// Leaf level holds another pointer: invalid.
	vpn0 := uint32(0x00801000) >> 12 & 0x3FF
	f.writePTE(t, childTable+vpn0*4, 0x6000/PageSize<<10|pteV)

	if _, result := f.mmu.Translate(f.core, 0x00801000, bus.AccessLoad); result != bus.LoadPageFault {
		t.Fatalf("pointer at level 0 = %v", result)
	}
}

func TestWalkOutsideMemoryFaults(t *testing.T) {
	f := newFixture(t)
	// satp points at an unmapped physical page.
	f.core.SATP().Set(1<<31 | 0xFFFFF)
	if _, result := f.mmu.Translate(f.core, 0x1000, bus.AccessStore); result != bus.StorePageFault {
		t.Fatalf("walk through unmapped table = %v", result)
	}
}

func TestTranslationThroughCoreAccessors(t *testing.T) {
	f := newFixture(t)
	f.mapPage(t, 0x00801000, 0x40002000, pteR|pteW|pteV)

	// Write through the virtual mapping, read back through the physical one.
	payload := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	if result := f.space.Write(f.core, 0x00801010, payload); result != bus.Success {
		t.Fatalf("virtual write = %v", result)
	}
	got := make([]byte, 4)
	if result := f.space.ReadPhysical(0x40002010, got); result != bus.Success {
		t.Fatalf("physical read = %v", result)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("read back %x, want %x", got, payload)
		}
	}
}
