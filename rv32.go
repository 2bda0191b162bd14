// Package rv32 emulates a 32-bit RISC-V machine able to boot a
// supervisor-mode operating system image. A Machine wires RAM, a console
// UART and the Sv32 MMU onto a shared bus, loads the guest images and
// round-robin steps the harts.
package rv32

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/rv32/internal/boot"
	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/devices/ram"
	"github.com/tinyrange/rv32/internal/devices/serial"
	"github.com/tinyrange/rv32/internal/mmu"
	"github.com/tinyrange/rv32/internal/riscv"
	"github.com/tinyrange/rv32/internal/sbi"
)

// UARTBase is the guest-physical address of the console UART.
const UARTBase = boot.UARTBase

// ErrAlreadyRunning reports a Start on a machine that is running.
var ErrAlreadyRunning = errors.New("rv32: machine already running")

// Snapshot re-exports the per-hart diagnostic state.
type Snapshot = riscv.Snapshot

type options struct {
	memoryMB   uint32
	numCPUs    int
	consoleOut io.Writer
	kernel     []byte
	dtb        []byte
	initrd     []byte
	cmdline    string
}

// Option configures a Machine.
type Option func(*options)

// WithMemoryMB sets the RAM size in mebibytes. The default is 512, which
// matches the guest memory map the device tree advertises.
func WithMemoryMB(size uint32) Option {
	return func(o *options) { o.memoryMB = size }
}

// WithCPUs sets the hart count. The default is one.
func WithCPUs(n int) Option {
	return func(o *options) { o.numCPUs = n }
}

// WithConsoleOutput directs bytes the guest transmits on the UART.
func WithConsoleOutput(w io.Writer) Option {
	return func(o *options) { o.consoleOut = w }
}

// WithKernel supplies the kernel image, optionally gzip compressed.
func WithKernel(image []byte) Option {
	return func(o *options) { o.kernel = image }
}

// WithDTB supplies a prebuilt device tree blob. Without one a default tree
// describing the machine is generated.
func WithDTB(blob []byte) Option {
	return func(o *options) { o.dtb = blob }
}

// WithInitrd supplies the initial ramdisk.
func WithInitrd(image []byte) Option {
	return func(o *options) { o.initrd = image }
}

// WithCmdline sets the kernel command line in the generated device tree.
func WithCmdline(cmdline string) Option {
	return func(o *options) { o.cmdline = cmdline }
}

// Machine is an emulated RV32 system.
type Machine struct {
	opts     options
	space    *bus.AddressSpace
	uart     *serial.UART8250
	emulator *riscv.Emulator

	input chan byte

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

// New assembles a machine. Boot must be called before stepping.
func New(opts ...Option) (*Machine, error) {
	o := options{
		memoryMB: 512,
		numCPUs:  1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.numCPUs < 1 {
		return nil, fmt.Errorf("rv32: invalid cpu count %d", o.numCPUs)
	}
	if len(o.kernel) == 0 {
		return nil, fmt.Errorf("rv32: kernel image is required")
	}

	space := bus.NewAddressSpace()
	memory := ram.New(o.memoryMB * 1024 * 1024)
	if err := space.Map(0, memory); err != nil {
		return nil, fmt.Errorf("rv32: map ram: %w", err)
	}
	uart := serial.NewUART8250(o.consoleOut)
	if err := space.Map(UARTBase, uart); err != nil {
		return nil, fmt.Errorf("rv32: map uart: %w", err)
	}
	space.AddTranslator(mmu.NewSv32(space))

	return &Machine{
		opts:     o,
		space:    space,
		uart:     uart,
		emulator: riscv.NewEmulator(o.numCPUs, space, sbi.New()),
		input:    make(chan byte, 1024),
	}, nil
}

// Boot powers the machine up and loads the guest images. It can be called
// again to reboot.
func (m *Machine) Boot() error {
	m.emulator.PowerUp()

	plan, err := boot.Prepare(m.space, boot.Options{
		Kernel:     m.opts.kernel,
		DTB:        m.opts.dtb,
		Initrd:     m.opts.initrd,
		Cmdline:    m.opts.cmdline,
		MemorySize: m.opts.memoryMB * 1024 * 1024,
		NumCPUs:    m.opts.numCPUs,
	})
	if err != nil {
		return err
	}

	for _, core := range m.emulator.Cores() {
		plan.ConfigureHart(core)
	}
	return nil
}

// Step executes one instruction on the next hart. It is not safe to call
// while the machine is running on its own goroutine.
func (m *Machine) Step() error {
	m.drainInput()
	return m.emulator.Step()
}

// Start runs the step loop on a new goroutine until Stop is called or the
// interpreter reports an out-of-band error.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.err = nil
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(m.stop, m.done)
	return nil
}

func (m *Machine) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}
		m.drainInput()

		// A batch per cancellation check keeps the token out of the hot
		// loop.
		for i := 0; i < 4096; i++ {
			if err := m.emulator.Step(); err != nil {
				m.mu.Lock()
				m.err = err
				m.running = false
				m.mu.Unlock()
				return
			}
		}
	}
}

// Stop halts the step loop and waits for it to exit.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running && m.stop == nil {
		m.mu.Unlock()
		return
	}
	stop, done := m.stop, m.done
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// IsRunning reports whether the step loop is active.
func (m *Machine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Err returns the error that stopped the step loop, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// QueueInput feeds bytes to the guest UART. Bytes beyond the input buffer
// are dropped.
func (m *Machine) QueueInput(data []byte) {
	for _, b := range data {
		select {
		case m.input <- b:
		default:
			return
		}
	}
}

func (m *Machine) drainInput() {
	for {
		select {
		case b := <-m.input:
			m.uart.QueueByte(b)
		default:
			return
		}
	}
}

// Snapshots captures per-hart diagnostic state. Call only while the
// machine is stopped.
func (m *Machine) Snapshots() []Snapshot {
	var snaps []Snapshot
	for _, core := range m.emulator.Cores() {
		snaps = append(snaps, core.Snapshot())
	}
	return snaps
}
