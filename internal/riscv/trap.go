package riscv

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrStopped reports that the emulator is in reset and cannot step.
var ErrStopped = errors.New("riscv: core stopped")

// UnimplementedError reports an instruction the interpreter does not model.
// It surfaces out-of-band from Step and is never reflected in scause.
type UnimplementedError struct {
	PC          uint32
	Instruction uint32
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("riscv: unimplemented instruction %#08x at %#08x", e.Instruction, e.PC)
}

// pendingInterrupt samples sie against sip under the privilege rules: a
// supervisor hart takes interrupts only with sstatus.SIE set, a user hart
// always does, and the machine trampoline is never interrupted.
func (c *Core) pendingInterrupt() (uint32, bool) {
	pending := c.SIE().Get() & c.SIP().Get()
	if pending == 0 {
		return 0, false
	}
	switch c.privilege {
	case PrivilegeUser:
	case PrivilegeSupervisor:
		if !c.SStatus().Bit(SStatusSIE) {
			return 0, false
		}
	default:
		return 0, false
	}
	for i := uint(0); i < 32; i++ {
		if pending&(1<<i) != 0 {
			return uint32(i) | interruptFlag, true
		}
	}
	return 0, false
}

// trap performs supervisor trap entry for the given scause value. pc is the
// address of the faulting instruction; stval is expected to have been set
// by the accessor when the cause carries one.
func (c *Core) trap(pc, scause uint32) {
	sstatus := c.SStatus()
	sstatus.SetBit(SStatusSPIE, sstatus.Bit(SStatusSIE))
	sstatus.SetBit(SStatusSPP, c.privilege == PrivilegeSupervisor)
	c.SEPC().Set(pc)
	c.SCause().Set(scause)
	sstatus.SetBit(SStatusSIE, false)

	c.space.Invalidate()
	c.ClearReservation()
	c.privilege = PrivilegeSupervisor

	stvec := c.STVec().Get()
	base := stvec &^ 3
	if stvec&0b11 == 1 && scause&interruptFlag != 0 {
		c.pc.Set(base + 4*(scause&^uint32(interruptFlag)))
	} else {
		c.pc.Set(base)
	}
}

// Step executes one instruction, including interrupt sampling, trap entry
// and the supervisor-ecall trampoline hand-off. Architectural exceptions
// are folded into guest state; only out-of-band conditions return an error.
func (c *Core) Step() error {
	pc := c.pc.Get()
	c.stvalSet = false

	if cause, ok := c.pendingInterrupt(); ok {
		c.trap(pc, cause)
		return nil
	}

	word, cause := c.fetchWord(pc)
	if cause != CauseNone {
		c.trap(pc, uint32(cause))
		return nil
	}

	cause = c.execute(word)
	c.pc.Set(c.pc.Get() + 4)

	switch cause {
	case CauseNone:
		return nil
	case CauseECallSupervisor:
		// Not a trap: enter the machine trampoline for the emulator to
		// service the SBI call.
		c.SCause().Set(uint32(CauseECallSupervisor))
		c.SIP().SetBit(uint(CauseECallSupervisor), true)
		c.privilege = PrivilegeMachine
		return nil
	case CauseUnimplemented:
		slog.Warn("unimplemented instruction",
			"hart", c.hartID,
			"pc", fmt.Sprintf("%#08x", pc),
			"instruction", fmt.Sprintf("%#08x", word))
		return &UnimplementedError{PC: pc, Instruction: word}
	default:
		if !c.stvalSet {
			c.STVal().Set(pc)
		}
		c.trap(pc, uint32(cause))
		return nil
	}
}
