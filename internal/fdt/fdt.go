// Package fdt builds Flattened Device Tree blobs for the guest kernel.
package fdt

import "encoding/binary"

const (
	magic             = 0xd00dfeed
	version           = 17
	lastCompatVersion = 16

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9

	headerSize     = 40
	reservationMap = 16 // one terminating (0, 0) entry
)

// Builder assembles the structure and strings blocks of a device tree and
// serializes them with the standard header.
type Builder struct {
	structure []byte
	strings   stringTable
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{strings: stringTable{offsets: make(map[string]uint32)}}
}

// BeginNode opens a node. Nodes nest; every BeginNode needs a matching
// EndNode before Build.
func (b *Builder) BeginNode(name string) {
	b.u32(tokenBeginNode)
	b.structure = append(b.structure, name...)
	b.structure = append(b.structure, 0)
	b.pad()
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() {
	b.u32(tokenEndNode)
}

// PropertyEmpty adds a boolean (presence-only) property.
func (b *Builder) PropertyEmpty(name string) {
	b.property(name, nil)
}

// PropertyString adds a NUL-terminated string property.
func (b *Builder) PropertyString(name, value string) {
	b.property(name, append([]byte(value), 0))
}

// PropertyU32 adds a single-cell property.
func (b *Builder) PropertyU32(name string, value uint32) {
	b.PropertyCells(name, value)
}

// PropertyCells adds a property of big-endian 32-bit cells, the natural
// unit of a machine with single-cell addresses and sizes.
func (b *Builder) PropertyCells(name string, cells ...uint32) {
	data := make([]byte, 0, len(cells)*4)
	for _, cell := range cells {
		data = binary.BigEndian.AppendUint32(data, cell)
	}
	b.property(name, data)
}

// Build terminates the structure block and serializes the blob.
func (b *Builder) Build() []byte {
	structure := append(append([]byte{}, b.structure...), 0, 0, 0, tokenEnd)

	structOff := uint32(headerSize + reservationMap)
	stringsOff := structOff + uint32(len(structure))
	total := stringsOff + uint32(len(b.strings.data))

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], magic)
	be.PutUint32(blob[4:], total)
	be.PutUint32(blob[8:], structOff)
	be.PutUint32(blob[12:], stringsOff)
	be.PutUint32(blob[16:], headerSize)
	be.PutUint32(blob[20:], version)
	be.PutUint32(blob[24:], lastCompatVersion)
	be.PutUint32(blob[28:], 0) // boot cpu id
	be.PutUint32(blob[32:], uint32(len(b.strings.data)))
	be.PutUint32(blob[36:], uint32(len(structure)))
	copy(blob[structOff:], structure)
	copy(blob[stringsOff:], b.strings.data)

	return blob
}

func (b *Builder) property(name string, data []byte) {
	b.u32(tokenProp)
	b.u32(uint32(len(data)))
	b.u32(b.strings.offset(name))
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *Builder) u32(value uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, value)
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

// stringTable interns property names into the strings block.
type stringTable struct {
	data    []byte
	offsets map[string]uint32
}

func (t *stringTable) offset(name string) uint32 {
	if off, ok := t.offsets[name]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.offsets[name] = off
	t.data = append(t.data, name...)
	t.data = append(t.data, 0)
	return off
}
