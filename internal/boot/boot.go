// Package boot loads a guest kernel, device tree and initramfs into the
// machine's physical memory and seeds the boot registers of hart 0.
package boot

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/fdt"
	"github.com/tinyrange/rv32/internal/riscv"
)

const (
	// KernelBase is where the flat kernel image is loaded.
	KernelBase = 0x0000_0000
	// DTBBase places the device tree at the top megabyte of a 512 MiB RAM.
	DTBBase = 512*1024*1024 - 1024*1024
	// InitrdBase is where the initramfs is placed.
	InitrdBase = 0x1F70_0000

	// UARTBase is the guest-physical address of the console UART.
	UARTBase = 0xF400_0000
)

// Options configures a boot.
type Options struct {
	Kernel  []byte
	DTB     []byte // generated when empty
	Initrd  []byte
	Cmdline string
	// MemorySize is the RAM size advertised in a generated device tree.
	MemorySize uint32
	// NumCPUs is the hart count advertised in a generated device tree.
	NumCPUs int
}

// Plan records where each image landed.
type Plan struct {
	KernelBase uint32
	KernelSize uint32
	DTBBase    uint32
	DTBSize    uint32
	InitrdBase uint32
	InitrdSize uint32
}

// Prepare writes the images into physical memory and returns the plan. The
// machine must already be powered up so the loaded state survives.
func Prepare(space *bus.AddressSpace, opts Options) (*Plan, error) {
	kernel, err := decompress(opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("boot: decompress kernel: %w", err)
	}
	if len(kernel) == 0 {
		return nil, fmt.Errorf("boot: kernel image is empty")
	}

	dtb := opts.DTB
	if len(dtb) == 0 {
		dtb = generateDTB(opts)
	}

	if result := space.WritePhysical(KernelBase, kernel); result != bus.Success {
		return nil, fmt.Errorf("boot: load kernel: %v", result)
	}
	if result := space.WritePhysical(DTBBase, dtb); result != bus.Success {
		return nil, fmt.Errorf("boot: load device tree: %v", result)
	}
	if len(opts.Initrd) > 0 {
		if result := space.WritePhysical(InitrdBase, opts.Initrd); result != bus.Success {
			return nil, fmt.Errorf("boot: load initramfs: %v", result)
		}
	}

	return &Plan{
		KernelBase: KernelBase,
		KernelSize: uint32(len(kernel)),
		DTBBase:    DTBBase,
		DTBSize:    uint32(len(dtb)),
		InitrdBase: InitrdBase,
		InitrdSize: uint32(len(opts.Initrd)),
	}, nil
}

// ConfigureHart seeds the boot registers: a1 of hart 0 carries the device
// tree address. a0 already holds the hart id from reset.
func (p *Plan) ConfigureHart(core *riscv.Core) {
	if core.HartID() == 0 {
		core.A1().Set(p.DTBBase)
	}
}

// decompress unwraps a gzip-compressed kernel image; anything else passes
// through unchanged.
func decompress(image []byte) ([]byte, error) {
	if len(image) < 2 || image[0] != 0x1f || image[1] != 0x8b {
		return image, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// generateDTB builds a minimal device tree describing the machine: memory,
// the harts, the console UART and the chosen node with command line and
// initramfs range.
func generateDTB(opts Options) []byte {
	numCPUs := opts.NumCPUs
	if numCPUs < 1 {
		numCPUs = 1
	}
	memorySize := opts.MemorySize
	if memorySize == 0 {
		memorySize = 512 * 1024 * 1024
	}

	b := fdt.NewBuilder()
	b.BeginNode("")
	b.PropertyU32("#address-cells", 1)
	b.PropertyU32("#size-cells", 1)
	b.PropertyString("compatible", "riscv-virtio")
	b.PropertyString("model", "riscv32-emulator")

	b.BeginNode("chosen")
	if opts.Cmdline != "" {
		b.PropertyString("bootargs", opts.Cmdline)
	}
	b.PropertyString("stdout-path", fmt.Sprintf("/soc/serial@%x", uint32(UARTBase)))
	if len(opts.Initrd) > 0 {
		b.PropertyU32("linux,initrd-start", InitrdBase)
		b.PropertyU32("linux,initrd-end", InitrdBase+uint32(len(opts.Initrd)))
	}
	b.EndNode()

	b.BeginNode("memory@0")
	b.PropertyString("device_type", "memory")
	b.PropertyCells("reg", 0, memorySize)
	b.EndNode()

	b.BeginNode("cpus")
	b.PropertyU32("#address-cells", 1)
	b.PropertyU32("#size-cells", 0)
	b.PropertyU32("timebase-frequency", 32_500_000)
	for i := 0; i < numCPUs; i++ {
		b.BeginNode(fmt.Sprintf("cpu@%d", i))
		b.PropertyString("device_type", "cpu")
		b.PropertyU32("reg", uint32(i))
		b.PropertyString("compatible", "riscv")
		b.PropertyString("riscv,isa", "rv32ima")
		b.PropertyString("mmu-type", "riscv,sv32")
		b.PropertyString("status", "okay")
		b.EndNode()
	}
	b.EndNode()

	b.BeginNode("soc")
	b.PropertyU32("#address-cells", 1)
	b.PropertyU32("#size-cells", 1)
	b.PropertyEmpty("ranges")
	b.PropertyString("compatible", "simple-bus")
	b.BeginNode(fmt.Sprintf("serial@%x", uint32(UARTBase)))
	b.PropertyString("compatible", "ns8250")
	b.PropertyCells("reg", UARTBase, 0x100000)
	b.PropertyU32("clock-frequency", 1_843_200)
	b.PropertyString("status", "okay")
	b.EndNode()
	b.EndNode()

	b.EndNode()
	return b.Build()
}
