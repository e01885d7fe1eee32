package arm64

// This file contains the logic to "find and determine operands" for instructions.
// In order to finalize the form of an operand, we might end up merging
// the source instructions into one whenever possible.

import (
	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// operand represents an operand of an instruction whose type is determined by the kind.
	operand struct {
		kind operandKind
		data uint64
	}
	operandKind byte
)

// Here's the list of operand kinds. We use the abbreviation of the kind name not only for these consts,
// but also names of functions which return the operand of the kind.
const (
	// operandKindNR represents "NormalRegister" (NR). This is literally the register without any special operation.
	operandKindNR operandKind = iota
	// operandKindImm12 represents "Immediate 12" (Imm12). This is a 12-bit immediate value which can be either shifted or not.
	// See asImm12 function for detail.
	operandKindImm12
)

// operandNR encodes the given VReg as an operand of operandKindNR.
func operandNR(r regalloc.VReg) operand {
	return operand{kind: operandKindNR, data: uint64(r)}
}

// nr decodes the underlying VReg assuming the operand is of operandKindNR.
func (o operand) nr() regalloc.VReg {
	return regalloc.VReg(o.data)
}

// operandImm12 encodes the given imm12 as an operand of operandKindImm12.
func operandImm12(imm12 uint16, shiftBit byte) operand {
	return operand{kind: operandKindImm12, data: uint64(imm12) | uint64(shiftBit)<<32}
}

// imm12 decodes the underlying imm12 data assuming the operand is of operandKindImm12.
func (o operand) imm12() (v uint16, shiftBit byte) {
	return uint16(o.data), byte(o.data >> 32 & 0b1)
}

// getOperand_Imm12_NR returns an operand of either operandKindImm12 or operandKindNR from the given value.
// A constant only used by the instruction being lowered is folded into the immediate.
func (m *machine) getOperand_Imm12_NR(v ssa.Value) operand {
	def := m.ctx.ValueDefinition(v)
	if m.matchInstr(def, ssa.OpcodeIconst) {
		c := def.Instr.Imm
		if m.ctx.Function().ValueType(v).Bits() == 32 {
			c = uint64(uint32(c))
		}
		if imm12, shift, ok := asImm12(c); ok {
			m.ctx.MarkLowered(def.Instr)
			return operandImm12(imm12, shift)
		}
	}
	return m.getOperand_NR(v)
}

// getOperand_NR returns an operand of operandKindNR from the given value.
func (m *machine) getOperand_NR(v ssa.Value) operand {
	return operandNR(m.ctx.VRegOf(v))
}

// matchInstr returns true if the value is defined by an instruction of the opcode in the current block,
// and the value is used only once so that the instruction can be merged into its user.
func (m *machine) matchInstr(def *backend.SSAValueDefinition, opcode ssa.Opcode) bool {
	return def.IsFromInstr() &&
		def.Instr.Opcode == opcode &&
		def.Block == m.currentSSABlk.ID &&
		def.RefCount < 2
}

func asImm12(val uint64) (v uint16, shiftBit byte, ok bool) {
	const mask1, mask2 uint64 = 0xfff, 0xfff_000
	if val&^mask1 == 0 {
		return uint16(val), 0, true
	} else if val&^mask2 == 0 {
		return uint16(val >> 12), 1, true
	} else {
		return 0, 0, false
	}
}
