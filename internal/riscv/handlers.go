package riscv

import (
	"github.com/tinyrange/rv32/internal/bits"
	"github.com/tinyrange/rv32/internal/bus"
	"github.com/tinyrange/rv32/internal/insn"
)

// handler executes one decoded instruction. Handlers that do not branch
// leave the PC alone; the step seam adds four afterwards. Branch and jump
// handlers therefore write their destination minus four.
type handler func(c *Core, word uint32) Cause

// opcodeTable dispatches on instruction bits [6:2]. Slots holding
// handleUnimplemented are encodings the ISA defines but this interpreter
// does not model (floating point, fused multiply); nil slots are reserved
// encodings and raise illegal-instruction.
var opcodeTable = [32]handler{
	insn.OpcodeLoad:    (*Core).handleLoad,
	insn.OpcodeStore:   (*Core).handleStore,
	insn.OpcodeMAdd:    (*Core).handleUnimplemented,
	insn.OpcodeBranch:  (*Core).handleBranch,
	insn.OpcodeLoadFP:  (*Core).handleUnimplemented,
	insn.OpcodeStoreFP: (*Core).handleUnimplemented,
	insn.OpcodeMSub:    (*Core).handleUnimplemented,
	insn.OpcodeJALR:    (*Core).handleJALR,
	insn.OpcodeNMSub:   (*Core).handleUnimplemented,
	insn.OpcodeMiscMem: (*Core).handleMiscMem,
	insn.OpcodeAMO:     (*Core).handleAMO,
	insn.OpcodeNMAdd:   (*Core).handleUnimplemented,
	insn.OpcodeJAL:     (*Core).handleJAL,
	insn.OpcodeOpImm:   (*Core).handleOpImm,
	insn.OpcodeOp:      (*Core).handleOp,
	insn.OpcodeOpFP:    (*Core).handleUnimplemented,
	insn.OpcodeSystem:  (*Core).handleSystem,
	insn.OpcodeAUIPC:   (*Core).handleAUIPC,
	insn.OpcodeLUI:     (*Core).handleLUI,
	insn.OpcodeOpImm32: (*Core).handleUnimplemented,
	insn.OpcodeOp32:    (*Core).handleUnimplemented,
}

// execute decodes and runs a single 32-bit instruction word.
func (c *Core) execute(word uint32) Cause {
	if insn.Quadrant(word) != insn.Quadrant32 {
		return CauseIllegalInstruction
	}
	h := opcodeTable[insn.Opcode(word)]
	if h == nil {
		return CauseIllegalInstruction
	}
	return h(c, word)
}

func (c *Core) handleUnimplemented(word uint32) Cause {
	return CauseUnimplemented
}

func (c *Core) handleLUI(word uint32) Cause {
	i := insn.DecodeU(word)
	c.X(i.Rd).Set(i.Imm)
	return CauseNone
}

func (c *Core) handleAUIPC(word uint32) Cause {
	i := insn.DecodeU(word)
	c.X(i.Rd).Set(i.Imm + c.pc.Get())
	return CauseNone
}

func (c *Core) handleJAL(word uint32) Cause {
	i := insn.DecodeJ(word)
	destination := c.pc.Get() + bits.SignExtend(i.Imm, 21)
	c.X(i.Rd).Set(c.pc.Get() + 4)
	c.pc.Set(destination - 4)
	return CauseNone
}

func (c *Core) handleJALR(word uint32) Cause {
	i := insn.DecodeI(word)
	if i.Funct3 != 0 {
		return CauseIllegalInstruction
	}
	destination := (c.X(i.Rs1).Get() + bits.SignExtend(i.Imm, 12)) &^ 1
	c.X(i.Rd).Set(c.pc.Get() + 4)
	c.pc.Set(destination - 4)
	return CauseNone
}

func (c *Core) handleBranch(word uint32) Cause {
	i := insn.DecodeB(word)
	destination := c.pc.Get() + bits.SignExtend(i.Imm, 13) - 4

	lhs := c.X(i.Rs1).Get()
	rhs := c.X(i.Rs2).Get()

	var taken bool
	switch i.Funct3 {
	case 0b000: // BEQ
		taken = lhs == rhs
	case 0b001: // BNE
		taken = lhs != rhs
	case 0b100: // BLT
		taken = int32(lhs) < int32(rhs)
	case 0b101: // BGE
		taken = int32(lhs) >= int32(rhs)
	case 0b110: // BLTU
		taken = lhs < rhs
	case 0b111: // BGEU
		taken = lhs >= rhs
	default:
		return CauseIllegalInstruction
	}

	if taken {
		c.pc.Set(destination)
	}
	return CauseNone
}

func (c *Core) handleLoad(word uint32) Cause {
	i := insn.DecodeI(word)
	address := c.X(i.Rs1).Get() + bits.SignExtend(i.Imm, 12)
	signed := i.Funct3>>2 == 0
	width := uint32(1) << (i.Funct3 & 0b011)

	switch i.Funct3 {
	case 0b000, 0b001, 0b010, 0b100, 0b101:
	default:
		// LWU and 64-bit widths do not exist in RV32.
		return CauseIllegalInstruction
	}

	value, cause := c.readData(address, width)
	if cause != CauseNone {
		return cause
	}
	if signed && width < 4 {
		value = bits.SignExtend(value, uint(width*8))
	}
	c.X(i.Rd).Set(value)
	return CauseNone
}

func (c *Core) handleStore(word uint32) Cause {
	i := insn.DecodeS(word)
	address := c.X(i.Rs1).Get() + bits.SignExtend(i.Imm, 12)

	switch i.Funct3 {
	case 0b000, 0b001, 0b010:
	default:
		// Width-8 stores are illegal in RV32.
		return CauseIllegalInstruction
	}
	width := uint32(1) << i.Funct3

	return c.writeData(address, width, c.X(i.Rs2).Get())
}

func (c *Core) handleOpImm(word uint32) Cause {
	i := insn.DecodeI(word)
	value := c.X(i.Rs1).Get()
	imm := bits.SignExtend(i.Imm, 12)
	shamt := i.Imm & 0b11111

	switch i.Funct3 {
	case 0b000: // ADDI
		c.X(i.Rd).Set(value + imm)
	case 0b010: // SLTI
		if int32(value) < int32(imm) {
			c.X(i.Rd).Set(1)
		} else {
			c.X(i.Rd).Set(0)
		}
	case 0b011: // SLTIU
		if value < imm {
			c.X(i.Rd).Set(1)
		} else {
			c.X(i.Rd).Set(0)
		}
	case 0b100: // XORI
		c.X(i.Rd).Set(value ^ imm)
	case 0b110: // ORI
		c.X(i.Rd).Set(value | imm)
	case 0b111: // ANDI
		c.X(i.Rd).Set(value & imm)
	case 0b001: // SLLI
		if i.Imm>>5 != 0 {
			return CauseIllegalInstruction
		}
		c.X(i.Rd).Set(value << shamt)
	case 0b101: // SRLI / SRAI
		switch i.Imm >> 5 {
		case 0b000_0000:
			c.X(i.Rd).Set(value >> shamt)
		case 0b010_0000:
			c.X(i.Rd).Set(uint32(int32(value) >> shamt))
		default:
			return CauseIllegalInstruction
		}
	}
	return CauseNone
}

func (c *Core) handleOp(word uint32) Cause {
	i := insn.DecodeR(word)
	lhs := c.X(i.Rs1).Get()
	rhs := c.X(i.Rs2).Get()

	switch i.Funct7 {
	case 0b000_0000:
		switch i.Funct3 {
		case 0b000: // ADD
			c.X(i.Rd).Set(lhs + rhs)
		case 0b001: // SLL
			c.X(i.Rd).Set(lhs << (rhs & 0b11111))
		case 0b010: // SLT
			if int32(lhs) < int32(rhs) {
				c.X(i.Rd).Set(1)
			} else {
				c.X(i.Rd).Set(0)
			}
		case 0b011: // SLTU
			if lhs < rhs {
				c.X(i.Rd).Set(1)
			} else {
				c.X(i.Rd).Set(0)
			}
		case 0b100: // XOR
			c.X(i.Rd).Set(lhs ^ rhs)
		case 0b101: // SRL
			c.X(i.Rd).Set(lhs >> (rhs & 0b11111))
		case 0b110: // OR
			c.X(i.Rd).Set(lhs | rhs)
		case 0b111: // AND
			c.X(i.Rd).Set(lhs & rhs)
		}
		return CauseNone

	case 0b000_0001:
		return c.handleMulDiv(i, lhs, rhs)

	case 0b010_0000:
		switch i.Funct3 {
		case 0b000: // SUB
			c.X(i.Rd).Set(lhs - rhs)
		case 0b101: // SRA
			c.X(i.Rd).Set(uint32(int32(lhs) >> (rhs & 0b11111)))
		default:
			return CauseIllegalInstruction
		}
		return CauseNone

	default:
		return CauseIllegalInstruction
	}
}

func (c *Core) handleMulDiv(i insn.R, lhs, rhs uint32) Cause {
	switch i.Funct3 {
	case 0b000: // MUL
		c.X(i.Rd).Set(lhs * rhs)
	case 0b001: // MULH
		product := int64(int32(lhs)) * int64(int32(rhs))
		c.X(i.Rd).Set(uint32(uint64(product) >> 32))
	case 0b010: // MULHSU
		product := int64(int32(lhs)) * int64(uint64(rhs))
		c.X(i.Rd).Set(uint32(uint64(product) >> 32))
	case 0b011: // MULHU
		product := uint64(lhs) * uint64(rhs)
		c.X(i.Rd).Set(uint32(product >> 32))
	case 0b100: // DIV
		switch {
		case rhs == 0:
			c.X(i.Rd).Set(0xFFFFFFFF)
		case lhs == 0x80000000 && rhs == 0xFFFFFFFF:
			c.X(i.Rd).Set(0x80000000)
		default:
			c.X(i.Rd).Set(uint32(int32(lhs) / int32(rhs)))
		}
	case 0b101: // DIVU
		if rhs == 0 {
			c.X(i.Rd).Set(0xFFFFFFFF)
		} else {
			c.X(i.Rd).Set(lhs / rhs)
		}
	case 0b110: // REM
		switch {
		case rhs == 0:
			c.X(i.Rd).Set(lhs)
		case lhs == 0x80000000 && rhs == 0xFFFFFFFF:
			c.X(i.Rd).Set(0)
		default:
			c.X(i.Rd).Set(uint32(int32(lhs) % int32(rhs)))
		}
	case 0b111: // REMU
		if rhs == 0 {
			c.X(i.Rd).Set(lhs)
		} else {
			c.X(i.Rd).Set(lhs % rhs)
		}
	}
	return CauseNone
}

func (c *Core) handleMiscMem(word uint32) Cause {
	i := insn.DecodeI(word)
	switch i.Funct3 {
	case 0b000, 0b001:
		// FENCE and FENCE.I order nothing in a single-issue interpreter.
		return CauseNone
	default:
		return CauseIllegalInstruction
	}
}

func (c *Core) handleSystem(word uint32) Cause {
	i := insn.DecodeI(word)

	if i.Funct3 == 0b000 {
		switch i.Imm {
		case 0: // ECALL
			switch c.privilege {
			case PrivilegeUser:
				return CauseECallUser
			case PrivilegeSupervisor:
				return CauseECallSupervisor
			default:
				return CauseIllegalInstruction
			}
		case 1: // EBREAK
			return CauseBreakpoint
		case 0x120: // SFENCE.VMA
			c.space.Invalidate()
			return CauseNone
		default:
			return CauseIllegalInstruction
		}
	}

	return c.handleZicsr(i)
}

func (c *Core) handleZicsr(i insn.I) Cause {
	number := uint16(i.Imm)
	old := c.CSR(number).Get()

	switch i.Funct3 {
	case 0b001: // CSRRW
		c.CSR(number).Set(c.X(i.Rs1).Get())
	case 0b010: // CSRRS
		if i.Rs1 != 0 {
			c.CSR(number).Set(old | c.X(i.Rs1).Get())
		}
	case 0b011: // CSRRC
		if i.Rs1 != 0 {
			c.CSR(number).Set(old &^ c.X(i.Rs1).Get())
		}
	case 0b101: // CSRRWI
		c.CSR(number).Set(uint32(i.Rs1))
	case 0b110: // CSRRSI
		if i.Rs1 != 0 {
			c.CSR(number).Set(old | uint32(i.Rs1))
		}
	case 0b111: // CSRRCI
		if i.Rs1 != 0 {
			c.CSR(number).Set(old &^ uint32(i.Rs1))
		}
	default:
		return CauseIllegalInstruction
	}

	c.X(i.Rd).Set(old)
	return CauseNone
}

// AMO funct5 values.
const (
	amoAdd  = 0b00000
	amoSwap = 0b00001
	amoLR   = 0b00010
	amoSC   = 0b00011
	amoXor  = 0b00100
	amoOr   = 0b01000
	amoAnd  = 0b01100
	amoMin  = 0b10000
	amoMax  = 0b10100
	amoMinU = 0b11000
	amoMaxU = 0b11100
)

func (c *Core) handleAMO(word uint32) Cause {
	i := insn.DecodeR(word)
	if i.Funct3 != 0b010 {
		return CauseIllegalInstruction
	}

	// funct7 = {funct5, aq, rl}; the ordering bits are accepted and ignored.
	funct5 := i.Funct7 >> 2
	address := c.X(i.Rs1).Get()

	switch funct5 {
	case amoLR:
		return c.handleLR(i, address)
	case amoSC:
		return c.handleSC(i, address)
	}

	if address%4 != 0 {
		c.setSTVal(address)
		return CauseStoreMisalign
	}

	old, cause := c.readData(address, 4)
	if cause != CauseNone {
		return cause
	}
	operand := c.X(i.Rs2).Get()

	var value uint32
	switch funct5 {
	case amoAdd:
		value = old + operand
	case amoSwap:
		value = operand
	case amoXor:
		value = old ^ operand
	case amoOr:
		value = old | operand
	case amoAnd:
		value = old & operand
	case amoMin:
		value = old
		if int32(operand) < int32(old) {
			value = operand
		}
	case amoMax:
		value = old
		if int32(operand) > int32(old) {
			value = operand
		}
	case amoMinU:
		value = min(old, operand)
	case amoMaxU:
		value = max(old, operand)
	default:
		return CauseIllegalInstruction
	}

	if cause := c.writeData(address, 4, value); cause != CauseNone {
		return cause
	}
	c.X(i.Rd).Set(old)
	return CauseNone
}

func (c *Core) handleLR(i insn.R, address uint32) Cause {
	if address%4 != 0 {
		c.setSTVal(address)
		return CauseLoadMisalign
	}
	physical, result := c.space.Translate(c, address, bus.AccessLoad)
	if result != bus.Success {
		c.setSTVal(address)
		return causeFor(result, bus.AccessLoad)
	}
	value, cause := c.readPhysical(physical, 4)
	if cause != CauseNone {
		return cause
	}
	c.SetReservation(physical)
	c.X(i.Rd).Set(value)
	return CauseNone
}

func (c *Core) handleSC(i insn.R, address uint32) Cause {
	if address%4 != 0 {
		c.setSTVal(address)
		return CauseStoreMisalign
	}
	physical, result := c.space.Translate(c, address, bus.AccessStore)
	if result != bus.Success {
		c.setSTVal(address)
		return causeFor(result, bus.AccessStore)
	}

	reservation := c.reservation
	c.ClearReservation()
	if reservation&1 == 0 || reservation>>2 != physical>>2 {
		c.X(i.Rd).Set(1)
		return CauseNone
	}

	if cause := c.writePhysical(physical, 4, c.X(i.Rs2).Get()); cause != CauseNone {
		return cause
	}
	c.X(i.Rd).Set(0)
	return CauseNone
}
