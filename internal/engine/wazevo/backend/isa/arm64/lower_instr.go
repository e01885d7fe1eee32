package arm64

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

func (m *machine) lowerInstr(instr *ssa.Instruction) error {
	switch instr.Opcode {
	case ssa.OpcodeIconst:
		m.lowerConstant(m.ctx.VRegOf(instr.Dst), instr.Imm, m.typeOf(instr.Dst).Bits())
	case ssa.OpcodeF64const:
		ld := m.allocateInstr()
		ld.asLoadFpuConst64(m.ctx.VRegOf(instr.Dst), instr.Imm)
		m.insert(ld)
	case ssa.OpcodeIadd, ssa.OpcodeIsub:
		bits := m.typeOf(instr.Dst).Bits()
		op := pickByBits(bits, add32, add64)
		if instr.Opcode == ssa.OpcodeIsub {
			op = pickByBits(bits, sub32, sub64)
		}
		rn := m.getOperand_NR(instr.Args[0])
		rm := m.getOperand_Imm12_NR(instr.Args[1])
		m.lowerAluRRROrImm12(op, m.ctx.VRegOf(instr.Dst), rn, rm)
	case ssa.OpcodeFadd:
		fadd := m.allocateInstr()
		fadd.asFpuRRR(fpuBinOpAdd, m.ctx.VRegOf(instr.Dst), m.ctx.VRegOf(instr.Args[0]), m.ctx.VRegOf(instr.Args[1]),
			m.typeOf(instr.Dst).Bits())
		m.insert(fadd)
	case ssa.OpcodeIcmp:
		m.lowerIcmpToFlag(instr)
		cset := m.allocateInstr()
		cset.asCSet(m.ctx.VRegOf(instr.Dst), condFlagFromSSAIntegerCmpCond(instr.Cond))
		m.insert(cset)
	case ssa.OpcodeCopy:
		m.insertMove(m.ctx.VRegOf(instr.Dst), m.ctx.VRegOf(instr.Args[0]), m.typeOf(instr.Dst))
	case ssa.OpcodeJump:
		b := m.allocateInstr()
		b.asBr(m.ctx.BlockLabel(instr.Targets[0]))
		m.insert(b)
	case ssa.OpcodeBrz, ssa.OpcodeBrnz:
		m.lowerConditionalBranch(instr)
	case ssa.OpcodeBrTable:
		targets := make([]backend.MachLabel, len(instr.Targets))
		for i, t := range instr.Targets {
			targets[i] = m.ctx.BlockLabel(t)
		}
		jt := m.allocateInstr()
		jt.asJTSequence(m.ctx.VRegOf(instr.Args[0]), targets)
		m.insert(jt)
	case ssa.OpcodeTrap:
		trap := m.allocateInstr()
		trap.asUDF(backend.TrapCode(instr.Imm))
		m.insert(trap)
	case ssa.OpcodeReturn:
		m.lowerReturn(instr)
	case ssa.OpcodeCall:
		return m.lowerCall(instr)
	default:
		panic(fmt.Sprintf("BUG: unsupported opcode %s", instr.Opcode))
	}
	return nil
}

func (m *machine) typeOf(v ssa.Value) ssa.Type {
	return m.ctx.Function().ValueType(v)
}

// lowerConstant materializes the constant into dst with a movz followed by a movk per non-zero 16-bit chunk.
func (m *machine) lowerConstant(dst regalloc.VReg, c uint64, bits byte) {
	if bits == 32 {
		c = uint64(uint32(c))
	}
	movz := m.allocateInstr()
	movz.asMOVZ(dst, c&0xffff, 0, bits)
	m.insert(movz)
	for shift := uint64(16); shift < uint64(bits); shift += 16 {
		if chunk := (c >> shift) & 0xffff; chunk != 0 {
			movk := m.allocateInstr()
			movk.asMOVK(dst, chunk, shift, bits)
			m.insert(movk)
		}
	}
}

func (m *machine) lowerAluRRROrImm12(op aluOp, rd regalloc.VReg, rn, rm operand) {
	alu := m.allocateInstr()
	switch rm.kind {
	case operandKindNR:
		alu.asALU(op, rd, rn.nr(), rm.nr())
	case operandKindImm12:
		imm12, shiftBit := rm.imm12()
		alu.asALUImm12(op, rd, rn.nr(), imm12, shiftBit)
	}
	m.insert(alu)
}

// lowerIcmpToFlag sets the condition flags by comparing the operands of the icmp.
func (m *machine) lowerIcmpToFlag(icmp *ssa.Instruction) {
	x, y := icmp.Args[0], icmp.Args[1]
	bits := m.typeOf(x).Bits()
	rn := m.getOperand_NR(x)
	rm := m.getOperand_Imm12_NR(y)
	// subs zr, rn, rm! We don't need the result, just need to set flags.
	m.lowerAluRRROrImm12(pickByBits(bits, subS32, subS64), xzrVReg, rn, rm)
}

func (m *machine) lowerConditionalBranch(b *ssa.Instruction) {
	cval := b.Args[0]
	taken, notTaken := m.ctx.BlockLabel(b.Targets[0]), m.ctx.BlockLabel(b.Targets[1])
	cvalDef := m.ctx.ValueDefinition(cval)

	if m.matchInstr(cvalDef, ssa.OpcodeIcmp) {
		icmp := cvalDef.Instr
		cc := condFlagFromSSAIntegerCmpCond(icmp.Cond)
		if b.Opcode == ssa.OpcodeBrz {
			cc = cc.invert()
		}
		m.ctx.MarkLowered(icmp)
		m.lowerIcmpToFlag(icmp)
		cbr := m.allocateInstr()
		cbr.asCondBr(cc.asCond(), taken, notTaken, 64)
		m.insert(cbr)
		return
	}

	rt := m.ctx.VRegOf(cval)
	c := registerAsRegNotZeroCond(rt)
	if b.Opcode == ssa.OpcodeBrz {
		c = registerAsRegZeroCond(rt)
	}
	cbr := m.allocateInstr()
	cbr.asCondBr(c, taken, notTaken, m.typeOf(cval).Bits())
	m.insert(cbr)
}

func (m *machine) lowerReturn(instr *ssa.Instruction) {
	for i, v := range instr.Args {
		r := m.abi.sig.rets[i]
		if r.kind == abiArgKindReg {
			m.insertMove(r.reg, m.ctx.VRegOf(v), r.typ)
		} else {
			m.insertStore(m.ctx.VRegOf(v), addressModeRegImm(m.sretVReg, r.offset), r.typ)
		}
	}
	retInstr := m.allocateInstr()
	retInstr.asRet(m.abi.retRegs())
	m.insert(retInstr)
}

// lowerCall lowers a call as follows:
//
//	sub sp, sp, #area           ;; outgoing stack arguments and the memory area of the results which do not fit in registers.
//	str arg, [sp, #offset]      ;; for each stack argument.
//	mov xN/vN, arg              ;; for each register argument.
//	add x8, sp, #argStackSize   ;; if the results need the memory area.
//	bl callee
//	mov result, xN/vN           ;; for each result in a register.
//	ldr result, [sp, #offset]   ;; for each result in memory.
//	add sp, sp, #area
func (m *machine) lowerCall(instr *ssa.Instruction) error {
	sig := ssa.Signature{
		Params:  make([]ssa.Type, len(instr.Args)),
		Results: make([]ssa.Type, len(instr.Results)),
	}
	for i, a := range instr.Args {
		sig.Params[i] = m.typeOf(a)
	}
	for i, r := range instr.Results {
		sig.Results[i] = m.typeOf(r)
	}
	s, err := computeSig(&sig, m.ctx.Flags())
	if err != nil {
		return errors.Wrapf(err, "call to %s", instr.Callee)
	}
	area := s.argStackSize + s.retStackSize
	if area > maxStackArgsSize {
		return errors.Wrapf(backend.ErrTooManyArguments, "call to %s needs %d bytes of stack", instr.Callee, area)
	}

	if area > 0 {
		adj := m.allocateInstr()
		adj.asAdjustSP(area)
		m.insert(adj)
	}

	var uses []regalloc.VReg
	for i, a := range instr.Args {
		arg := s.args[i]
		if arg.kind == abiArgKindReg {
			m.insertMove(arg.reg, m.ctx.VRegOf(a), arg.typ)
			uses = append(uses, arg.reg)
		} else {
			m.insertStore(m.ctx.VRegOf(a), addressModeRegImm(spVReg, arg.offset), arg.typ)
		}
	}
	if s.retStackSize > 0 {
		m.lowerAddSP(x8VReg, s.argStackSize)
		uses = append(uses, x8VReg)
	}

	bl := m.allocateInstr()
	defs := make([]regalloc.VReg, len(callerSavedRegisters))
	copy(defs, callerSavedRegisters)
	bl.asCall(instr.Callee, uses, defs)
	bl.safepoint = m.ctx.Flags().EnableSafepoints
	m.insert(bl)

	for i, r := range instr.Results {
		res := s.rets[i]
		if res.kind == abiArgKindReg {
			m.insertMove(m.ctx.VRegOf(r), res.reg, res.typ)
		} else {
			m.insertLoad(m.ctx.VRegOf(r), addressModeRegImm(spVReg, s.argStackSize+res.offset), res.typ)
		}
	}

	if area > 0 {
		adj := m.allocateInstr()
		adj.asAdjustSP(-area)
		m.insert(adj)
	}
	return nil
}

// lowerAddSP sets rd to sp + offset.
func (m *machine) lowerAddSP(rd regalloc.VReg, offset int64) {
	if offset == 0 {
		mov := m.allocateInstr()
		mov.asMove64(rd, spVReg)
		m.insert(mov)
		return
	}
	rn := spVReg
	if hi := offset >> 12; hi != 0 {
		add := m.allocateInstr()
		add.asALUImm12(add64, rd, rn, uint16(hi), 1)
		m.insert(add)
		rn = rd
	}
	if lo := offset & 0xfff; lo != 0 {
		add := m.allocateInstr()
		add.asALUImm12(add64, rd, rn, uint16(lo), 0)
		m.insert(add)
	}
}
