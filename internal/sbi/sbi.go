// Package sbi implements the machine-mode firmware that services
// supervisor binary interface calls. Extensions register (id, function)
// pairs against a dispatcher; the emulator forwards the guest's a0..a7
// calling convention here while a hart sits in the machine trampoline.
package sbi

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rv32/internal/riscv"
)

// Error is a signed SBI error code.
type Error int32

const (
	Success          Error = 0
	Failed           Error = -1
	NotSupported     Error = -2
	InvalidParam     Error = -3
	Denied           Error = -4
	InvalidAddress   Error = -5
	AlreadyAvailable Error = -6
	AlreadyStarted   Error = -7
	AlreadyStopped   Error = -8
	NoSharedMemory   Error = -9
)

// Result is what an SBI function returns to the guest: an error code for
// a0 and a value for a1.
type Result struct {
	Error Error
	Value uint32
}

// Function binds a function id to its implementation. The calling hart is
// always supplied; implementations that do not need it ignore it.
type Function struct {
	ID   uint32
	Call func(core *riscv.Core, args [6]uint32) Result
}

// Extension is one SBI extension: an id plus its function table. Extensions
// may additionally implement the optional hooks below.
type Extension interface {
	ID() uint32
	Functions() []Function
}

// updatable extensions are ticked after every emulator step.
type updatable interface {
	Update(core *riscv.Core)
}

// resettable extensions are reset alongside the machine.
type resettable interface {
	Reset()
}

// ExtensionID packs a 4-character ASCII name into the numeric id space,
// big-endian.
func ExtensionID(name string) uint32 {
	if len(name) != 4 {
		panic(fmt.Sprintf("sbi: extension name %q is not 4 bytes", name))
	}
	return binary.BigEndian.Uint32([]byte(name))
}

// Firmware is the extension registry and dispatcher.
type Firmware struct {
	extensions []Extension
}

// New builds a firmware with the standard extension set: Base, Timer and
// the probe-only SRST, HSM, IPI and RFNC stubs.
func New() *Firmware {
	f := &Firmware{}
	f.Register(&BaseExtension{firmware: f})
	f.Register(NewTimerExtension())
	f.Register(stubExtension{id: ExtensionID("SRST")})
	f.Register(stubExtension{id: ExtensionID("\x00HSM")})
	f.Register(stubExtension{id: ExtensionID("\x00sPI")})
	f.Register(stubExtension{id: ExtensionID("RFNC")})
	return f
}

// Register appends an extension. Dispatch scans in registration order.
func (f *Firmware) Register(ext Extension) {
	f.extensions = append(f.extensions, ext)
}

// Probe reports whether an extension id is registered.
func (f *Firmware) Probe(id uint32) bool {
	for _, ext := range f.extensions {
		if ext.ID() == id {
			return true
		}
	}
	return false
}

// Call dispatches one SBI call. Unknown extensions and functions report
// NotSupported.
func (f *Firmware) Call(core *riscv.Core, extension, function uint32, args [6]uint32) (int32, uint32) {
	result := f.dispatch(core, extension, function, args)
	if result.Error == NotSupported {
		slog.Warn("unimplemented SBI call",
			"extension", fmt.Sprintf("%#08x (%s)", extension, extensionName(extension)),
			"function", fmt.Sprintf("%#x", function))
	}
	return int32(result.Error), result.Value
}

func (f *Firmware) dispatch(core *riscv.Core, extension, function uint32, args [6]uint32) Result {
	for _, ext := range f.extensions {
		if ext.ID() != extension {
			continue
		}
		for _, fn := range ext.Functions() {
			if fn.ID == function {
				return fn.Call(core, args)
			}
		}
		return Result{Error: NotSupported}
	}
	return Result{Error: NotSupported}
}

// Update ticks every extension that declares an update hook.
func (f *Firmware) Update(core *riscv.Core) {
	for _, ext := range f.extensions {
		if u, ok := ext.(updatable); ok {
			u.Update(core)
		}
	}
}

// Reset resets every extension that declares a reset hook.
func (f *Firmware) Reset() {
	for _, ext := range f.extensions {
		if r, ok := ext.(resettable); ok {
			r.Reset()
		}
	}
}

// extensionName renders the printable ASCII form of a packed extension id.
func extensionName(id uint32) string {
	var name [4]byte
	binary.BigEndian.PutUint32(name[:], id)
	for i, c := range name {
		if c < 0x20 || c > 0x7E {
			name[i] = '.'
		}
	}
	return string(name[:])
}

// stubExtension is registered for probing but implements no functions.
type stubExtension struct {
	id uint32
}

func (s stubExtension) ID() uint32            { return s.id }
func (s stubExtension) Functions() []Function { return nil }

var _ riscv.Firmware = (*Firmware)(nil)
