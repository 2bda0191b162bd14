// Package serial implements the 8250-compatible guest console UART.
package serial

import (
	"io"

	"github.com/tinyrange/rv32/internal/bus"
)

const (
	// Size reserves a 1 MiB window for the UART registers.
	Size = 0x100000

	registerCount = 7

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6
)

// UART8250 is a byte-sink/byte-source UART with the classic 8250 register
// set. Transmitted bytes go to the out writer; received bytes are queued by
// the host with QueueByte and drained by guest reads of the RX buffer.
type UART8250 struct {
	out io.Writer

	dll byte
	dlm byte
	ier byte
	iir byte
	lcr byte
	mcr byte
	lsr byte
	msr byte

	rx     []byte
	skipLF bool
}

// NewUART8250 builds a UART whose transmit side writes to out. A nil out
// discards transmitted bytes.
func NewUART8250(out io.Writer) *UART8250 {
	u := &UART8250{out: out}
	u.Reset()
	return u
}

// Size implements bus.Peripheral.
func (u *UART8250) Size() uint32 { return Size }

// Reset implements bus.Peripheral.
func (u *UART8250) Reset() {
	u.dll, u.dlm = 0, 0
	u.ier, u.iir = 0, 0
	u.lcr, u.mcr, u.msr = 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.rx = u.rx[:0]
	u.skipLF = false
}

// Read implements bus.Peripheral. Offsets outside the register window are
// refused with a page fault so the guest sees them as unmapped.
func (u *UART8250) Read(offset uint32, buf []byte) bus.AccessResult {
	if offset >= registerCount {
		return bus.LoadPageFault
	}
	for i := range buf {
		buf[i] = 0
	}
	if len(buf) > 0 {
		buf[0] = u.readRegister(offset)
	}
	return bus.Success
}

// Write implements bus.Peripheral.
func (u *UART8250) Write(offset uint32, buf []byte) bus.AccessResult {
	if offset >= registerCount {
		return bus.StorePageFault
	}
	if len(buf) > 0 {
		u.writeRegister(offset, buf[0])
	}
	return bus.Success
}

// QueueByte makes a byte available to the guest on the RX side.
func (u *UART8250) QueueByte(value byte) {
	u.rx = append(u.rx, value)
	u.lsr |= lsrDataReady
}

func (u *UART8250) dlab() bool { return u.lcr&lcrDLAB != 0 }

func (u *UART8250) readRegister(offset uint32) byte {
	switch offset {
	case 0:
		if u.dlab() {
			return u.dll
		}
		return u.receive()
	case 1:
		if u.dlab() {
			return u.dlm
		}
		return u.ier
	case 2:
		return u.iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		return u.lsr
	case 6:
		return u.msr
	default:
		return 0
	}
}

func (u *UART8250) writeRegister(offset uint32, value byte) {
	switch offset {
	case 0:
		if u.dlab() {
			u.dll = value
		} else {
			u.transmit(value)
		}
	case 1:
		if u.dlab() {
			u.dlm = value
		} else {
			u.ier = value & 0x0F
		}
	case 2:
		u.iir = value
	case 3:
		u.lcr = value
	case 4:
		u.mcr = value & 0x1F
	case 5, 6:
		// LSR and MSR are read-only status registers.
	}
}

func (u *UART8250) receive() byte {
	if len(u.rx) == 0 {
		return 0
	}
	value := u.rx[0]
	u.rx = u.rx[1:]
	if len(u.rx) == 0 {
		u.lsr &^= lsrDataReady
	}
	return value
}

func (u *UART8250) transmit(value byte) {
	if u.mcr&mcrLoop != 0 {
		u.QueueByte(value)
		return
	}
	if u.out == nil {
		return
	}
	switch value {
	case '\r':
		_, _ = u.out.Write([]byte{'\n'})
		u.skipLF = true
	case '\n':
		if u.skipLF {
			u.skipLF = false
			return
		}
		_, _ = u.out.Write([]byte{'\n'})
	default:
		u.skipLF = false
		_, _ = u.out.Write([]byte{value})
	}
}

var _ bus.Peripheral = (*UART8250)(nil)
