// Package insn parses 32-bit RISC-V instruction words into the field views
// defined by the base ISA. Each view extracts only the fields its format
// carries; immediates come out fully assembled but not sign extended, since
// the width the handler extends to depends on the opcode.
package insn

import "github.com/tinyrange/rv32/internal/bits"

// Quadrant values for instruction bits [1:0]. Only Quadrant32 carries the
// 32-bit standard encoding; everything else belongs to the compressed
// extension which this interpreter does not implement.
const (
	Quadrant32 = 0b11
)

// Major opcodes, instruction bits [6:2].
const (
	OpcodeLoad    = 0b00_000
	OpcodeStore   = 0b01_000
	OpcodeMAdd    = 0b10_000
	OpcodeBranch  = 0b11_000
	OpcodeLoadFP  = 0b00_001
	OpcodeStoreFP = 0b01_001
	OpcodeMSub    = 0b10_001
	OpcodeJALR    = 0b11_001
	OpcodeNMSub   = 0b10_010
	OpcodeMiscMem = 0b00_011
	OpcodeAMO     = 0b01_011
	OpcodeNMAdd   = 0b10_011
	OpcodeJAL     = 0b11_011
	OpcodeOpImm   = 0b00_100
	OpcodeOp      = 0b01_100
	OpcodeOpFP    = 0b10_100
	OpcodeSystem  = 0b11_100
	OpcodeAUIPC   = 0b00_101
	OpcodeLUI     = 0b01_101
	OpcodeOpImm32 = 0b00_110
	OpcodeOp32    = 0b01_110
)

// Quadrant returns instruction bits [1:0].
func Quadrant(word uint32) uint32 {
	return bits.Extract(word, 0, 1)
}

// Opcode returns instruction bits [6:2].
func Opcode(word uint32) uint32 {
	return bits.Extract(word, 2, 6)
}

// R is the register-register format view.
type R struct {
	Rd     uint8
	Funct3 uint8
	Rs1    uint8
	Rs2    uint8
	Funct7 uint8
}

// DecodeR parses word as an R-type instruction.
func DecodeR(word uint32) R {
	return R{
		Rd:     uint8(bits.Extract(word, 7, 11)),
		Funct3: uint8(bits.Extract(word, 12, 14)),
		Rs1:    uint8(bits.Extract(word, 15, 19)),
		Rs2:    uint8(bits.Extract(word, 20, 24)),
		Funct7: uint8(bits.Extract(word, 25, 31)),
	}
}

// R4 is the four-register format view used by the fused multiply opcodes.
type R4 struct {
	Rd     uint8
	Funct3 uint8
	Rs1    uint8
	Rs2    uint8
	Funct2 uint8
	Rs3    uint8
}

// DecodeR4 parses word as an R4-type instruction.
func DecodeR4(word uint32) R4 {
	return R4{
		Rd:     uint8(bits.Extract(word, 7, 11)),
		Funct3: uint8(bits.Extract(word, 12, 14)),
		Rs1:    uint8(bits.Extract(word, 15, 19)),
		Rs2:    uint8(bits.Extract(word, 20, 24)),
		Funct2: uint8(bits.Extract(word, 25, 26)),
		Rs3:    uint8(bits.Extract(word, 27, 31)),
	}
}

// I is the register-immediate format view. Imm is the raw 12-bit field.
type I struct {
	Rd     uint8
	Funct3 uint8
	Rs1    uint8
	Imm    uint32
}

// DecodeI parses word as an I-type instruction.
func DecodeI(word uint32) I {
	return I{
		Rd:     uint8(bits.Extract(word, 7, 11)),
		Funct3: uint8(bits.Extract(word, 12, 14)),
		Rs1:    uint8(bits.Extract(word, 15, 19)),
		Imm:    bits.Extract(word, 20, 31),
	}
}

// S is the store format view. Imm is the assembled 12-bit offset.
type S struct {
	Funct3 uint8
	Rs1    uint8
	Rs2    uint8
	Imm    uint32
}

// DecodeS parses word as an S-type instruction.
func DecodeS(word uint32) S {
	return S{
		Funct3: uint8(bits.Extract(word, 12, 14)),
		Rs1:    uint8(bits.Extract(word, 15, 19)),
		Rs2:    uint8(bits.Extract(word, 20, 24)),
		Imm:    bits.Extract(word, 25, 31)<<5 | bits.Extract(word, 7, 11),
	}
}

// B is the branch format view. Imm is the assembled 13-bit offset with its
// implicit low zero in place.
type B struct {
	Funct3 uint8
	Rs1    uint8
	Rs2    uint8
	Imm    uint32
}

// DecodeB parses word as a B-type instruction.
func DecodeB(word uint32) B {
	imm := bits.Extract(word, 31, 31)<<12 |
		bits.Extract(word, 7, 7)<<11 |
		bits.Extract(word, 25, 30)<<5 |
		bits.Extract(word, 8, 11)<<1
	return B{
		Funct3: uint8(bits.Extract(word, 12, 14)),
		Rs1:    uint8(bits.Extract(word, 15, 19)),
		Rs2:    uint8(bits.Extract(word, 20, 24)),
		Imm:    imm,
	}
}

// U is the upper-immediate format view. Imm arrives already shifted left by
// twelve, so LUI can write it through unchanged.
type U struct {
	Rd  uint8
	Imm uint32
}

// DecodeU parses word as a U-type instruction.
func DecodeU(word uint32) U {
	return U{
		Rd:  uint8(bits.Extract(word, 7, 11)),
		Imm: bits.Extract(word, 12, 31) << 12,
	}
}

// J is the jump format view. Imm is the assembled 21-bit offset with its
// implicit low zero in place.
type J struct {
	Rd  uint8
	Imm uint32
}

// DecodeJ parses word as a J-type instruction.
func DecodeJ(word uint32) J {
	imm := bits.Extract(word, 31, 31)<<20 |
		bits.Extract(word, 12, 19)<<12 |
		bits.Extract(word, 20, 20)<<11 |
		bits.Extract(word, 21, 30)<<1
	return J{
		Rd:  uint8(bits.Extract(word, 7, 11)),
		Imm: imm,
	}
}
