// Package riscv implements the RV32IMA interpreter: per-hart state, the
// fetch/decode/execute loop, trap machinery and the round-robin emulator
// that drives multiple harts against one address space.
package riscv

import (
	"encoding/binary"

	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/reg"
)

// PrivilegeLevel is the current operating mode of a hart. Machine exists
// only as an internal trampoline for SBI calls; the guest never observes it.
type PrivilegeLevel int

const (
	PrivilegeUser PrivilegeLevel = iota
	PrivilegeSupervisor
	PrivilegeMachine
)

func (p PrivilegeLevel) String() string {
	switch p {
	case PrivilegeUser:
		return "user"
	case PrivilegeSupervisor:
		return "supervisor"
	case PrivilegeMachine:
		return "machine"
	default:
		return "invalid"
	}
}

// Cause is an architectural exception cause. Values below CauseUnimplemented
// are fixed by the privileged specification and may be written to scause;
// the remaining values are internal and surface only as step results.
type Cause uint32

const (
	CausePCMisalign         Cause = 0
	CauseFetchFault         Cause = 1
	CauseIllegalInstruction Cause = 2
	CauseBreakpoint         Cause = 3
	CauseLoadMisalign       Cause = 4
	CauseLoadFault          Cause = 5
	CauseStoreMisalign      Cause = 6
	CauseStoreFault         Cause = 7
	CauseECallUser          Cause = 8
	CauseECallSupervisor    Cause = 9
	CauseFetchPageFault     Cause = 12
	CauseLoadPageFault      Cause = 13
	CauseStorePageFault     Cause = 15

	// Internal causes, never written to scause.
	CauseUnimplemented Cause = 16
	CauseStopped       Cause = 17

	// CauseNone marks the absence of an exception.
	CauseNone Cause = 0xFFFFFFFF
)

// interruptFlag marks scause values that report interrupts.
const interruptFlag = 1 << 31

func (c Cause) String() string {
	switch c {
	case CausePCMisalign:
		return "instruction address misaligned"
	case CauseFetchFault:
		return "instruction access fault"
	case CauseIllegalInstruction:
		return "illegal instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseLoadMisalign:
		return "load address misaligned"
	case CauseLoadFault:
		return "load access fault"
	case CauseStoreMisalign:
		return "store/AMO address misaligned"
	case CauseStoreFault:
		return "store/AMO access fault"
	case CauseECallUser:
		return "environment call from U-mode"
	case CauseECallSupervisor:
		return "environment call from S-mode"
	case CauseFetchPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store/AMO page fault"
	case CauseUnimplemented:
		return "instruction unimplemented"
	case CauseStopped:
		return "core stopped"
	default:
		return "unknown cause"
	}
}

// Supervisor CSR numbers.
const (
	CSRSStatus    = 0x100
	CSRSIE        = 0x104
	CSRSTVec      = 0x105
	CSRSCounterEn = 0x106
	CSRSScratch   = 0x140
	CSRSEPC       = 0x141
	CSRSCause     = 0x142
	CSRSTVal      = 0x143
	CSRSIP        = 0x144
	CSRSATP       = 0x180
	CSRMIDeleg    = 0x303
	CSRMIE        = 0x304
	CSRMIP        = 0x344
	CSRCycle      = 0xC00
	CSRTime       = 0xC01
	CSRCycleH     = 0xC80
	CSRTimeH      = 0xC81
)

// sstatus field bit positions.
const (
	SStatusSIE  = 1
	SStatusSPIE = 5
	SStatusSPP  = 8
	SStatusSUM  = 18
)

// SIPTimer is the supervisor timer-pending bit in sip.
const SIPTimer = 5

// Core is one hart: program counter, integer register file, CSR file and
// the reservation used by LR/SC.
type Core struct {
	hartID uint32
	space  *bus.AddressSpace

	zero      reg.Zero
	registers [31]reg.GeneralPurpose
	pc        reg.GeneralPurpose
	csrs      [4096]reg.GeneralPurpose

	privilege   PrivilegeLevel
	reservation uint32
	stvalSet    bool

	// storeObserver, when set by the emulator, is notified of every
	// successful data store so reservations can be invalidated across
	// harts. A lone core falls back to invalidating its own.
	storeObserver func(physical uint32)
}

// NewCore constructs a hart bound to an address space and resets it.
func NewCore(hartID uint32, space *bus.AddressSpace) *Core {
	c := &Core{hartID: hartID, space: space}
	c.Reset()
	return c
}

// HartID implements bus.Hart.
func (c *Core) HartID() uint32 { return c.hartID }

// AddressSpace returns the bus this hart issues accesses through.
func (c *Core) AddressSpace() *bus.AddressSpace { return c.space }

// Privilege returns the current privilege level.
func (c *Core) Privilege() PrivilegeLevel { return c.privilege }

// SetPrivilege changes the current privilege level.
func (c *Core) SetPrivilege(level PrivilegeLevel) { c.privilege = level }

// Reset returns the hart to its power-on state: all registers and CSRs
// zero, the hart id in a0, all interrupts delegated to supervisor mode and
// no active reservation.
func (c *Core) Reset() {
	c.registers = [31]reg.GeneralPurpose{}
	c.csrs = [4096]reg.GeneralPurpose{}
	c.pc.Set(0)
	c.privilege = PrivilegeSupervisor
	c.reservation = 0
	c.stvalSet = false

	c.A0().Set(c.hartID)
	c.CSR(CSRMIDeleg).Set(0xFFFFFFFF)
}

// X returns integer register n. Index 0 structurally routes to the zero
// register, so writes through it vanish.
func (c *Core) X(n uint8) reg.Register {
	if n == 0 {
		return c.zero
	}
	return &c.registers[n-1]
}

// CSR returns control and status register n.
func (c *Core) CSR(n uint16) reg.Register {
	return &c.csrs[n&0xFFF]
}

// PC returns the program counter register.
func (c *Core) PC() reg.Register { return &c.pc }

// ABI register accessors.
func (c *Core) RA() reg.Register { return c.X(1) }
func (c *Core) SP() reg.Register { return c.X(2) }
func (c *Core) GP() reg.Register { return c.X(3) }
func (c *Core) TP() reg.Register { return c.X(4) }
func (c *Core) A0() reg.Register { return c.X(10) }
func (c *Core) A1() reg.Register { return c.X(11) }
func (c *Core) A2() reg.Register { return c.X(12) }
func (c *Core) A3() reg.Register { return c.X(13) }
func (c *Core) A4() reg.Register { return c.X(14) }
func (c *Core) A5() reg.Register { return c.X(15) }
func (c *Core) A6() reg.Register { return c.X(16) }
func (c *Core) A7() reg.Register { return c.X(17) }

// Named CSR accessors used by the trap and firmware paths.
func (c *Core) SStatus() reg.Register { return c.CSR(CSRSStatus) }
func (c *Core) SIE() reg.Register    { return c.CSR(CSRSIE) }
func (c *Core) STVec() reg.Register  { return c.CSR(CSRSTVec) }
func (c *Core) SEPC() reg.Register   { return c.CSR(CSRSEPC) }
func (c *Core) SCause() reg.Register { return c.CSR(CSRSCause) }
func (c *Core) STVal() reg.Register  { return c.CSR(CSRSTVal) }
func (c *Core) SIP() reg.Register    { return c.CSR(CSRSIP) }
func (c *Core) SATP() reg.Register   { return c.CSR(CSRSATP) }

// Reservation returns the LR/SC reservation word. The low bit marks an
// active reservation; the upper bits hold the reserved physical address.
func (c *Core) Reservation() uint32 { return c.reservation }

// SetReservation records an active reservation on the physical word
// containing address.
func (c *Core) SetReservation(physical uint32) {
	c.reservation = (physical &^ 3) | 1
}

// ClearReservation drops any active reservation.
func (c *Core) ClearReservation() { c.reservation = 0 }

// InvalidateReservation drops the reservation if it covers the physical
// word containing address.
func (c *Core) InvalidateReservation(physical uint32) {
	if c.reservation&1 != 0 && c.reservation>>2 == physical>>2 {
		c.reservation = 0
	}
}

// SetStoreObserver installs the hook invoked with the physical address of
// every successful data store.
func (c *Core) SetStoreObserver(fn func(physical uint32)) {
	c.storeObserver = fn
}

func (c *Core) notifyStore(physical uint32) {
	if c.storeObserver != nil {
		c.storeObserver(physical)
		return
	}
	c.InvalidateReservation(physical)
}

// setSTVal records the faulting address for the upcoming trap.
func (c *Core) setSTVal(address uint32) {
	c.STVal().Set(address)
	c.stvalSet = true
}

// causeFor maps a bus access result onto the architectural cause for the
// given access direction. Fetch faults arrive as load-kind bus results and
// are reclassified here.
func causeFor(result bus.AccessResult, access bus.Access) Cause {
	switch result {
	case bus.LoadMisalign:
		if access == bus.AccessFetch {
			return CausePCMisalign
		}
		return CauseLoadMisalign
	case bus.StoreMisalign:
		return CauseStoreMisalign
	case bus.LoadAccessFault:
		if access == bus.AccessFetch {
			return CauseFetchFault
		}
		return CauseLoadFault
	case bus.StoreAccessFault:
		return CauseStoreFault
	case bus.LoadPageFault:
		if access == bus.AccessFetch {
			return CauseFetchPageFault
		}
		return CauseLoadPageFault
	case bus.StorePageFault:
		return CauseStorePageFault
	default:
		return CauseNone
	}
}

// readData loads width bytes, little-endian, through address translation.
func (c *Core) readData(address, width uint32) (uint32, Cause) {
	if address%width != 0 {
		c.setSTVal(address)
		return 0, CauseLoadMisalign
	}
	var buf [4]byte
	if result := c.space.Read(c, address, buf[:width]); result != bus.Success {
		c.setSTVal(address)
		return 0, causeFor(result, bus.AccessLoad)
	}
	return binary.LittleEndian.Uint32(buf[:]), CauseNone
}

// readPhysical loads width bytes without translation.
func (c *Core) readPhysical(address, width uint32) (uint32, Cause) {
	if address%width != 0 {
		c.setSTVal(address)
		return 0, CauseLoadMisalign
	}
	var buf [4]byte
	if result := c.space.ReadPhysical(address, buf[:width]); result != bus.Success {
		c.setSTVal(address)
		return 0, causeFor(result, bus.AccessLoad)
	}
	return binary.LittleEndian.Uint32(buf[:]), CauseNone
}

// fetchWord loads an instruction. Faults classify as fetch-side causes.
func (c *Core) fetchWord(address uint32) (uint32, Cause) {
	if address%4 != 0 {
		c.setSTVal(address)
		return 0, CausePCMisalign
	}
	var buf [4]byte
	if result := c.space.Fetch(c, address, buf[:]); result != bus.Success {
		c.setSTVal(address)
		return 0, causeFor(result, bus.AccessFetch)
	}
	return binary.LittleEndian.Uint32(buf[:]), CauseNone
}

// writeData stores width bytes, little-endian, through address translation
// and reports the store to the reservation machinery.
func (c *Core) writeData(address, width, value uint32) Cause {
	if address%width != 0 {
		c.setSTVal(address)
		return CauseStoreMisalign
	}
	physical, result := c.space.Translate(c, address, bus.AccessStore)
	if result != bus.Success {
		c.setSTVal(address)
		return causeFor(result, bus.AccessStore)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if result := c.space.WritePhysical(physical, buf[:width]); result != bus.Success {
		c.setSTVal(address)
		return causeFor(result, bus.AccessStore)
	}
	c.notifyStore(physical)
	return CauseNone
}

// writePhysical stores width bytes without translation.
func (c *Core) writePhysical(address, width, value uint32) Cause {
	if address%width != 0 {
		c.setSTVal(address)
		return CauseStoreMisalign
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if result := c.space.WritePhysical(address, buf[:width]); result != bus.Success {
		c.setSTVal(address)
		return causeFor(result, bus.AccessStore)
	}
	c.notifyStore(address)
	return CauseNone
}

// Snapshot is a copy of the architectural state for diagnostics.
type Snapshot struct {
	HartID      uint32
	PC          uint32
	X           [32]uint32
	Privilege   string
	Reservation uint32
	SStatus     uint32
	SEPC        uint32
	SCause      uint32
	STVal       uint32
	SATP        uint32
}

// Snapshot captures the hart state.
func (c *Core) Snapshot() Snapshot {
	s := Snapshot{
		HartID:      c.hartID,
		PC:          c.pc.Get(),
		Privilege:   c.privilege.String(),
		Reservation: c.reservation,
		SStatus:     c.SStatus().Get(),
		SEPC:        c.SEPC().Get(),
		SCause:      c.SCause().Get(),
		STVal:       c.STVal().Get(),
		SATP:        c.SATP().Get(),
	}
	for i := 1; i < 32; i++ {
		s.X[i] = c.X(uint8(i)).Get()
	}
	return s
}

var _ bus.Hart = (*Core)(nil)
