package sbi

import "github.com/tinyrange/rv32/internal/riscv"

// Base extension constants reported to the guest.
const (
	baseExtensionID = 0x10

	sbiSpecVersion = 2 << 24
	sbiImplID      = 0x999
	sbiImplVersion = 1
	mvendorid      = 0x12345678
	marchid        = 1<<31 | 1
	mimpid         = 1
)

// BaseExtension implements the mandatory SBI base extension. Probing
// consults the owning firmware's registry.
type BaseExtension struct {
	firmware *Firmware
}

// ID implements Extension.
func (b *BaseExtension) ID() uint32 { return baseExtensionID }

// Functions implements Extension.
func (b *BaseExtension) Functions() []Function {
	return []Function{
		{ID: 0, Call: b.getSpecVersion},
		{ID: 1, Call: b.getImplID},
		{ID: 2, Call: b.getImplVersion},
		{ID: 3, Call: b.probeExtension},
		{ID: 4, Call: b.getMVendorID},
		{ID: 5, Call: b.getMArchID},
		{ID: 6, Call: b.getMImpID},
	}
}

func (b *BaseExtension) getSpecVersion(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: sbiSpecVersion}
}

func (b *BaseExtension) getImplID(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: sbiImplID}
}

func (b *BaseExtension) getImplVersion(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: sbiImplVersion}
}

func (b *BaseExtension) probeExtension(_ *riscv.Core, args [6]uint32) Result {
	if b.firmware.Probe(args[0]) {
		return Result{Error: Success, Value: 1}
	}
	return Result{Error: Success, Value: 0}
}

func (b *BaseExtension) getMVendorID(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: mvendorid}
}

func (b *BaseExtension) getMArchID(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: marchid}
}

func (b *BaseExtension) getMImpID(_ *riscv.Core, _ [6]uint32) Result {
	return Result{Error: Success, Value: mimpid}
}

var _ Extension = (*BaseExtension)(nil)
