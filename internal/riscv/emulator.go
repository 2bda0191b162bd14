package riscv

import (
	"github.com/tinyrange/rv32/internal/bus"
)

// Firmware services SBI calls on behalf of machine mode. The emulator
// invokes Call while a hart sits in the machine trampoline and Update after
// every step.
type Firmware interface {
	Call(core *Core, extension, function uint32, args [6]uint32) (errorCode int32, value uint32)
	Update(core *Core)
	Reset()
}

// Emulator owns the harts and round-robin schedules them one instruction at
// a time against a shared address space.
type Emulator struct {
	space    *bus.AddressSpace
	firmware Firmware
	cores    []*Core
	current  int
	inReset  bool
}

// NewEmulator builds an emulator with numCores harts. The firmware may be
// nil, in which case supervisor ecalls report not-supported.
func NewEmulator(numCores int, space *bus.AddressSpace, firmware Firmware) *Emulator {
	e := &Emulator{
		space:    space,
		firmware: firmware,
		inReset:  true,
	}
	for i := 0; i < numCores; i++ {
		core := NewCore(uint32(i), space)
		core.SetStoreObserver(e.observeStore)
		e.cores = append(e.cores, core)
	}
	return e
}

// Cores returns the harts in hart-id order.
func (e *Emulator) Cores() []*Core { return e.cores }

// AddressSpace returns the shared bus.
func (e *Emulator) AddressSpace() *bus.AddressSpace { return e.space }

// observeStore invalidates every hart's reservation overlapping a stored
// physical word.
func (e *Emulator) observeStore(physical uint32) {
	for _, core := range e.cores {
		core.InvalidateReservation(physical)
	}
}

// Reset returns the machine to its power-on state and holds it there until
// PowerUp.
func (e *Emulator) Reset() {
	for _, core := range e.cores {
		core.Reset()
	}
	e.space.Reset()
	if e.firmware != nil {
		e.firmware.Reset()
	}
	e.current = 0
	e.inReset = true
}

// PowerUp resets the machine and releases it from reset.
func (e *Emulator) PowerUp() {
	e.Reset()
	e.inReset = false
}

// Step runs one instruction on the next hart in round-robin order, services
// the machine-mode SBI trampoline and ticks the firmware.
func (e *Emulator) Step() error {
	if e.inReset {
		return ErrStopped
	}

	core := e.cores[e.current]
	err := core.Step()

	if core.Privilege() == PrivilegeMachine {
		e.serviceSBICall(core)
	}
	if e.firmware != nil {
		e.firmware.Update(core)
	}

	e.current = (e.current + 1) % len(e.cores)
	return err
}

func (e *Emulator) serviceSBICall(core *Core) {
	var (
		errorCode int32  = -2 // not supported
		value     uint32 = 0
	)
	if e.firmware != nil {
		args := [6]uint32{
			core.A0().Get(), core.A1().Get(), core.A2().Get(),
			core.A3().Get(), core.A4().Get(), core.A5().Get(),
		}
		errorCode, value = e.firmware.Call(core, core.A7().Get(), core.A6().Get(), args)
	}

	core.A0().Set(uint32(errorCode))
	core.A1().Set(value)

	core.SIP().SetBit(uint(CauseECallSupervisor), false)
	core.SCause().Set(0)
	core.SetPrivilege(PrivilegeSupervisor)
}
