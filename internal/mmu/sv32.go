// Package mmu implements the Sv32 two-level page walker as a bus address
// translator.
package mmu

import (
	"encoding/binary"

	"github.com/tinyrange/rv32/internal/bits"
	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/reg"
	"github.com/tinyrange/rv32/internal/riscv"
)

// PageSize is the Sv32 page granule.
const PageSize = 4096

// PTE bit positions.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteA = 1 << 6
	pteD = 1 << 7
)

// hart is the architectural state the walker consults. *riscv.Core
// satisfies it; other bus clients pass through untranslated.
type hart interface {
	CSR(number uint16) reg.Register
	Privilege() riscv.PrivilegeLevel
}

// Sv32 walks the guest page table rooted at satp. It reads PTEs through
// the physical side of the address space and maintains accessed and dirty
// bits as it goes.
type Sv32 struct {
	space *bus.AddressSpace
}

// NewSv32 builds a translator backed by the given address space.
func NewSv32(space *bus.AddressSpace) *Sv32 {
	return &Sv32{space: space}
}

// Translate implements bus.Translator.
func (m *Sv32) Translate(h bus.Hart, virtual uint32, access bus.Access) (uint32, bus.AccessResult) {
	state, ok := h.(hart)
	if !ok {
		return virtual, bus.Success
	}

	satp := state.CSR(riscv.CSRSATP).Get()
	if satp>>31 == 0 {
		// Bare mode.
		return virtual, bus.Success
	}

	root := (satp & bits.Mask(22)) * PageSize
	vpn := [2]uint32{
		bits.Extract(virtual, 12, 21),
		bits.Extract(virtual, 22, 31),
	}

	return m.walk(state, virtual, vpn, root, 1, access)
}

func (m *Sv32) walk(state hart, virtual uint32, vpn [2]uint32, table uint32, level int, access bus.Access) (uint32, bus.AccessResult) {
	entryAddress := table + vpn[level]*4

	var buf [4]byte
	if m.space.ReadPhysical(entryAddress, buf[:]) != bus.Success {
		return 0, access.PageFault()
	}
	entry := binary.LittleEndian.Uint32(buf[:])

	if entry&pteV == 0 {
		return 0, access.PageFault()
	}

	if entry&(pteR|pteX) == 0 {
		// Pointer to the next level. W without R is already excluded by
		// the leaf test, but a pointer entry must carry no permission at
		// all and cannot appear at the last level.
		if entry&pteW != 0 || level == 0 {
			return 0, access.PageFault()
		}
		next := bits.Extract(entry, 10, 31) * PageSize
		return m.walk(state, virtual, vpn, next, level-1, access)
	}

	if cause := checkLeaf(state, entry, access); cause != bus.Success {
		return 0, cause
	}

	ppn0 := bits.Extract(entry, 10, 19)
	ppn1 := bits.Extract(entry, 20, 31)
	offset := virtual & (PageSize - 1)

	var physical uint32
	if level == 1 {
		// Superpage: the low physical page number comes from the virtual
		// address and must be zero in the PTE.
		if ppn0 != 0 {
			return 0, access.PageFault()
		}
		physical = ppn1<<22 | vpn[0]<<12 | offset
	} else {
		physical = ppn1<<22 | ppn0<<12 | offset
	}

	if result := m.updateAccessedDirty(entryAddress, entry, access); result != bus.Success {
		return 0, result
	}

	return physical, bus.Success
}

// checkLeaf enforces the permission policy for a leaf PTE.
func checkLeaf(state hart, entry uint32, access bus.Access) bus.AccessResult {
	if entry&pteW != 0 && entry&pteR == 0 {
		return access.PageFault()
	}

	switch access {
	case bus.AccessFetch:
		if entry&pteX == 0 {
			return access.PageFault()
		}
	case bus.AccessStore:
		if entry&pteW == 0 {
			return access.PageFault()
		}
	default:
		if entry&pteR == 0 {
			return access.PageFault()
		}
	}

	switch state.Privilege() {
	case riscv.PrivilegeUser:
		if entry&pteU == 0 {
			return access.PageFault()
		}
	case riscv.PrivilegeSupervisor:
		if entry&pteU != 0 && !state.CSR(riscv.CSRSStatus).Bit(riscv.SStatusSUM) {
			return access.PageFault()
		}
	}

	return bus.Success
}

// updateAccessedDirty sets A, and D for stores, writing the PTE back when
// either changed. A failed writeback is reported as a page fault.
func (m *Sv32) updateAccessedDirty(entryAddress, entry uint32, access bus.Access) bus.AccessResult {
	updated := entry | pteA
	if access == bus.AccessStore {
		updated |= pteD
	}
	if updated == entry {
		return bus.Success
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], updated)
	if m.space.WritePhysical(entryAddress, buf[:]) != bus.Success {
		return access.PageFault()
	}
	return bus.Success
}

// Invalidate implements bus.Translator. The walker holds no cached state,
// but the hook is where a TLB would flush.
func (m *Sv32) Invalidate() {}

var _ bus.Translator = (*Sv32)(nil)
