// Package ram provides the main backing store of the machine.
package ram

import "github.com/tinyrange/rv32/internal/bus"

// RAM is a flat read/write memory peripheral.
type RAM struct {
	data []byte
}

// New allocates size bytes of zeroed memory.
func New(size uint32) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Size implements bus.Peripheral.
func (r *RAM) Size() uint32 { return uint32(len(r.data)) }

// Read implements bus.Peripheral.
func (r *RAM) Read(offset uint32, buf []byte) bus.AccessResult {
	if int(offset)+len(buf) > len(r.data) {
		return bus.LoadAccessFault
	}
	copy(buf, r.data[offset:])
	return bus.Success
}

// Write implements bus.Peripheral.
func (r *RAM) Write(offset uint32, buf []byte) bus.AccessResult {
	if int(offset)+len(buf) > len(r.data) {
		return bus.StoreAccessFault
	}
	copy(r.data[offset:], buf)
	return bus.Success
}

// Reset implements bus.Peripheral. The boot loader repopulates memory after
// the machine leaves reset.
func (r *RAM) Reset() {
	clear(r.data)
}

// Load copies an image into memory at the given offset. It is used by the
// boot loader before the machine starts stepping.
func (r *RAM) Load(offset uint32, image []byte) bus.AccessResult {
	return r.Write(offset, image)
}

var _ bus.Peripheral = (*RAM)(nil)
