package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	rv32 "github.com/tinyrange/rv32"
	"github.com/tinyrange/rv32/internal/config"
	"github.com/tinyrange/rv32/internal/images"
	"golang.org/x/term"
)

// exitByte detaches the console when the host terminal is in raw mode
// (Ctrl-], as in telnet).
const exitByte = 0x1D

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv32: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine config file (yaml)")
	kernel := flag.String("kernel", "", "Kernel image path or URL")
	dtb := flag.String("dtb", "", "Device tree blob path or URL (default: generated)")
	initrd := flag.String("initrd", "", "Initramfs path or URL")
	cmdline := flag.String("cmdline", "console=ttyS0", "Kernel command line")
	memoryMB := flag.Uint("memory", config.DefaultMemoryMB, "Memory in MiB")
	cpus := flag.Int("cpus", 1, "Number of harts")
	dump := flag.Bool("dump", false, "Dump hart state on exit")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a RISC-V RV32 guest with its console on this terminal.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel Image -initrd initramfs.cpio\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	machine := config.Machine{
		Kernel:   *kernel,
		DTB:      *dtb,
		Initrd:   *initrd,
		Cmdline:  *cmdline,
		MemoryMB: uint32(*memoryMB),
		CPUs:     *cpus,
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		machine = merge(loaded, machine, explicitFlags())
	}
	if machine.Kernel == "" {
		flag.Usage()
		return fmt.Errorf("kernel image required")
	}

	resolver := images.Resolver{CacheDir: cacheDir()}
	kernelImage, err := resolver.Resolve(machine.Kernel)
	if err != nil {
		return err
	}
	dtbImage, err := resolver.Resolve(machine.DTB)
	if err != nil {
		return err
	}
	initrdImage, err := resolver.Resolve(machine.Initrd)
	if err != nil {
		return err
	}

	m, err := rv32.New(
		rv32.WithKernel(kernelImage),
		rv32.WithDTB(dtbImage),
		rv32.WithInitrd(initrdImage),
		rv32.WithCmdline(machine.Cmdline),
		rv32.WithMemoryMB(machine.MemoryMB),
		rv32.WithCPUs(machine.CPUs),
		rv32.WithConsoleOutput(os.Stdout),
	)
	if err != nil {
		return err
	}
	if err := m.Boot(); err != nil {
		return err
	}

	if *dump {
		defer func() {
			for _, snap := range m.Snapshots() {
				spew.Fdump(os.Stderr, snap)
			}
		}()
	}

	return serveConsole(m)
}

// serveConsole runs the machine with the host terminal attached to the
// guest UART until the exit byte, a signal or an interpreter error.
func serveConsole(m *rv32.Machine) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)
		fmt.Fprintf(os.Stderr, "console attached, exit with Ctrl-]\r\n")
	}

	if err := m.Start(); err != nil {
		return err
	}
	defer m.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	stdin := make(chan byte, 64)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(stdin)
				return
			}
			if n > 0 {
				stdin <- buf[0]
			}
		}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.IsRunning() {
		select {
		case <-signals:
			return nil
		case <-ticker.C:
		case b, ok := <-stdin:
			if !ok {
				return nil
			}
			if interactive && b == exitByte {
				return nil
			}
			m.QueueInput([]byte{b})
		}
	}
	return m.Err()
}

// explicitFlags reports which flags were set on the command line.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// merge overlays explicitly passed CLI flag values on a loaded config.
func merge(base, overlay config.Machine, set map[string]bool) config.Machine {
	if set["kernel"] {
		base.Kernel = overlay.Kernel
	}
	if set["dtb"] {
		base.DTB = overlay.DTB
	}
	if set["initrd"] {
		base.Initrd = overlay.Initrd
	}
	if set["cmdline"] {
		base.Cmdline = overlay.Cmdline
	}
	if set["memory"] {
		base.MemoryMB = overlay.MemoryMB
	}
	if set["cpus"] {
		base.CPUs = overlay.CPUs
	}
	return base
}

func cacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "rv32")
}
