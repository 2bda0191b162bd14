package sbi

import "github.com/tinyrange/rv32/internal/riscv"

// cycleTime converts the step counter into nanosecond-scale "time"
// assuming a 65 MHz clock stepped on alternate cycles.
const cycleTime = (1_000_000_000 / 65_000_000) / 2

// TimerExtension implements the TIME extension: a per-hart 64-bit compare
// value and a machine-wide cycle counter that drives the time and cycle
// CSRs and the supervisor timer-pending bit.
type TimerExtension struct {
	time    uint64
	cycles  uint64
	compare []uint64
}

// NewTimerExtension builds a timer with no programmed compare values.
func NewTimerExtension() *TimerExtension {
	return &TimerExtension{}
}

// ID implements Extension.
func (t *TimerExtension) ID() uint32 { return ExtensionID("TIME") }

// Functions implements Extension.
func (t *TimerExtension) Functions() []Function {
	return []Function{
		{ID: 0, Call: t.setTimer},
	}
}

// setTimer programs the calling hart's compare value from the low and high
// halves in a0/a1 and retracts any pending timer interrupt.
func (t *TimerExtension) setTimer(core *riscv.Core, args [6]uint32) Result {
	*t.compareFor(core.HartID()) = uint64(args[1])<<32 | uint64(args[0])
	core.SIP().SetBit(riscv.SIPTimer, false)
	return Result{Error: Success}
}

// Update advances time, mirrors it into the counter CSRs of the stepped
// hart and raises the supervisor timer-pending bit once the compare value
// is reached. The cycle counter advances once per wall-step, attributed to
// hart 0.
func (t *TimerExtension) Update(core *riscv.Core) {
	t.time = t.cycles * cycleTime

	core.CSR(riscv.CSRTime).Set(uint32(t.time))
	core.CSR(riscv.CSRTimeH).Set(uint32(t.time >> 32))
	core.CSR(riscv.CSRCycle).Set(uint32(t.cycles))
	core.CSR(riscv.CSRCycleH).Set(uint32(t.cycles >> 32))

	if t.time >= *t.compareFor(core.HartID()) {
		core.SIP().SetBit(riscv.SIPTimer, true)
	}

	if core.HartID() == 0 {
		t.cycles++
	}
}

// Reset implements the optional reset hook.
func (t *TimerExtension) Reset() {
	t.time = 0
	t.cycles = 0
	t.compare = t.compare[:0]
}

func (t *TimerExtension) compareFor(hart uint32) *uint64 {
	for uint32(len(t.compare)) <= hart {
		t.compare = append(t.compare, 0)
	}
	return &t.compare[hart]
}

var _ Extension = (*TimerExtension)(nil)
