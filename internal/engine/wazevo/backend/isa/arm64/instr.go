package arm64

import (
	"fmt"
	"math"
	"strings"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// instruction represents either a real instruction in arm64, or the meta instructions
	// that are convenient for code generation. For example, jump tables are also treated
	// as instructions.
	//
	// Basically, each instruction knows how to get encoded in binaries. Hence, the final output of compilation
	// can be considered equivalent to the sequence of such instructions.
	//
	// Each field is interpreted depending on the kind. Instructions are values: the backend copies them
	// around and MapRegs returns a modified copy.
	instruction struct {
		kind       instructionKind
		rd, rn, rm regalloc.VReg
		u1, u2     uint64
		amode      addressMode
		targets    []backend.MachLabel
		// uses and defs are the fixed registers read and written by call and ret.
		uses, defs []regalloc.VReg
		callee     string
	}

	// instructionKind represents the kind of instruction.
	// This controls how the instruction struct is interpreted.
	instructionKind int
)

const (
	// nop0 represents a no-op of zero size.
	nop0 instructionKind = iota
	// nop4 represents a no-op that is one instruction large.
	nop4
	// aluRRR represents an ALU operation with two register sources and a register destination.
	aluRRR
	// aluRRImm12 represents an ALU operation with a register source and an immediate-12 source, with a register destination.
	aluRRImm12
	// uLoad64 represents a 64-bit load.
	uLoad64
	// store64 represents a 64-bit store.
	store64
	// storeP64 represents a store of a pair of registers.
	storeP64
	// loadP64 represents a load of a pair of registers.
	loadP64
	// mov64 represents a MOV instruction. These are encoded as ORR's but we keep them separate for better handling.
	mov64
	// movZ represents a MOVZ with a 16-bit immediate.
	movZ
	// movK represents a MOVK with a 16-bit immediate.
	movK
	// cSet represents a conditional-set operation.
	cSet
	// fpuMov64 represents a FPU move. Distinct from a vector-register move; moving just 64 bits appears to be significantly faster.
	fpuMov64
	// fpuRRR represents a 2-op FPU instruction.
	fpuRRR
	// fpuLoad64 represents a floating-point load, double-precision (64 bit).
	fpuLoad64
	// fpuStore64 represents a floating-point store, double-precision (64 bit).
	fpuStore64
	// loadFpuConst64 represents a load of a 64-bit floating-point constant placed in the next island.
	loadFpuConst64
	// call represents a machine call instruction.
	call
	// ret represents a machine return instruction.
	ret
	// br represents an unconditional branch.
	br
	// condBr represents a conditional branch followed by an unconditional branch to the not-taken target.
	condBr
	// jtSequence represents a jump-table sequence.
	jtSequence
	// udf represents a permanently undefined instruction used for traps.
	udf
	// adjustSP grows or shrinks the outgoing argument area below the frame.
	adjustSP
)

// worstCaseSize is the size of the largest instruction except jtSequence, which checks
// the need for an island by itself.
const worstCaseSize backend.CodeOffset = 8

func (i *instruction) asNop0() {
	i.kind = nop0
}

func (i *instruction) asNop4() {
	i.kind = nop4
}

func (i *instruction) asALU(op aluOp, rd, rn, rm regalloc.VReg) {
	i.kind = aluRRR
	i.u1 = uint64(op)
	i.rd, i.rn, i.rm = rd, rn, rm
}

func (i *instruction) asALUImm12(op aluOp, rd, rn regalloc.VReg, imm12 uint16, shiftBit byte) {
	i.kind = aluRRImm12
	i.u1 = uint64(op)
	i.u2 = uint64(imm12) | uint64(shiftBit)<<32
	i.rd, i.rn = rd, rn
}

func (i *instruction) asMove64(rd, rn regalloc.VReg) {
	i.kind = mov64
	i.rd, i.rn = rd, rn
}

func (i *instruction) asFpuMov64(rd, rn regalloc.VReg) {
	i.kind = fpuMov64
	i.rd, i.rn = rd, rn
}

// asMOVZ sets rd to imm << shift, where shift is a multiple of 16.
func (i *instruction) asMOVZ(rd regalloc.VReg, imm uint64, shift uint64, bits byte) {
	i.kind = movZ
	i.rd = rd
	i.u1 = imm
	i.u2 = shift | uint64(bits)<<32
}

// asMOVK inserts imm << shift into rd, where shift is a multiple of 16.
func (i *instruction) asMOVK(rd regalloc.VReg, imm uint64, shift uint64, bits byte) {
	i.kind = movK
	i.rd = rd
	i.u1 = imm
	i.u2 = shift | uint64(bits)<<32
}

func (i *instruction) asCSet(rd regalloc.VReg, c condFlag) {
	i.kind = cSet
	i.rd = rd
	i.u1 = uint64(c)
}

func (i *instruction) asFpuRRR(op fpuBinOp, rd, rn, rm regalloc.VReg, bits byte) {
	i.kind = fpuRRR
	i.u1 = uint64(op)
	i.u2 = uint64(bits)
	i.rd, i.rn, i.rm = rd, rn, rm
}

func (i *instruction) asULoad64(rd regalloc.VReg, amode addressMode) {
	i.kind = uLoad64
	i.rd = rd
	i.amode = amode
}

func (i *instruction) asStore64(src regalloc.VReg, amode addressMode) {
	i.kind = store64
	i.rn = src
	i.amode = amode
}

func (i *instruction) asFpuLoad64(rd regalloc.VReg, amode addressMode) {
	i.kind = fpuLoad64
	i.rd = rd
	i.amode = amode
}

func (i *instruction) asFpuStore64(src regalloc.VReg, amode addressMode) {
	i.kind = fpuStore64
	i.rn = src
	i.amode = amode
}

func (i *instruction) asStorePair64(src1, src2 regalloc.VReg, amode addressMode) {
	i.kind = storeP64
	i.rn, i.rm = src1, src2
	i.amode = amode
}

func (i *instruction) asLoadPair64(dst1, dst2 regalloc.VReg, amode addressMode) {
	i.kind = loadP64
	i.rd, i.rm = dst1, dst2
	i.amode = amode
}

func (i *instruction) asLoadFpuConst64(rd regalloc.VReg, raw uint64) {
	i.kind = loadFpuConst64
	i.rd = rd
	i.u1 = raw
}

func (i *instruction) asCall(callee string, uses, defs []regalloc.VReg) {
	i.kind = call
	i.callee = callee
	i.uses, i.defs = uses, defs
}

func (i *instruction) asRet(uses []regalloc.VReg) {
	i.kind = ret
	i.uses = uses
}

func (i *instruction) asBr(target backend.MachLabel) {
	i.kind = br
	i.targets = []backend.MachLabel{target}
}

// asCondBr branches to taken if c holds, and to notTaken otherwise.
// bits is the operand size of register conditions.
func (i *instruction) asCondBr(c cond, taken, notTaken backend.MachLabel, bits byte) {
	i.kind = condBr
	i.u1 = c.asUint64()
	i.u2 = uint64(bits)
	i.targets = []backend.MachLabel{taken, notTaken}
}

// asJTSequence branches to targets[1+index], or to targets[0] if index is out of range.
func (i *instruction) asJTSequence(index regalloc.VReg, targets []backend.MachLabel) {
	i.kind = jtSequence
	i.rn = index
	i.targets = targets
}

func (i *instruction) asUDF(code backend.TrapCode) {
	i.kind = udf
	i.u1 = uint64(code)
}

// asAdjustSP allocates `amount` bytes below sp, or releases them if amount is negative.
func (i *instruction) asAdjustSP(amount int64) {
	i.kind = adjustSP
	i.u1 = uint64(amount)
}

// String implements fmt.Stringer.
func (i instruction) String() (str string) {
	switch i.kind {
	case nop0:
		str = "nop0"
	case nop4:
		str = "nop"
	case aluRRR:
		op := aluOp(i.u1)
		size := op.bits()
		str = fmt.Sprintf("%s %s, %s, %s", op,
			formatVRegSized(i.rd, size), formatVRegSized(i.rn, size), formatVRegSized(i.rm, size))
	case aluRRImm12:
		op := aluOp(i.u1)
		size := op.bits()
		imm12, shiftBit := uint16(i.u2), byte(i.u2>>32)
		str = fmt.Sprintf("%s %s, %s, #%#x", op, formatVRegSized(i.rd, size), formatVRegSized(i.rn, size), imm12)
		if shiftBit == 1 {
			str += ", lsl 12"
		}
	case uLoad64:
		str = fmt.Sprintf("ldr %s, %s", formatVReg(i.rd), i.amode)
	case store64:
		str = fmt.Sprintf("str %s, %s", formatVReg(i.rn), i.amode)
	case fpuLoad64:
		str = fmt.Sprintf("ldr %s, %s", formatVRegSized(i.rd, 64), i.amode)
	case fpuStore64:
		str = fmt.Sprintf("str %s, %s", formatVRegSized(i.rn, 64), i.amode)
	case storeP64:
		str = fmt.Sprintf("stp %s, %s, %s", formatVReg(i.rn), formatVReg(i.rm), i.amode)
	case loadP64:
		str = fmt.Sprintf("ldp %s, %s, %s", formatVReg(i.rd), formatVReg(i.rm), i.amode)
	case mov64:
		str = fmt.Sprintf("mov %s, %s", formatVReg(i.rd), formatVReg(i.rn))
	case movZ, movK:
		name := "movz"
		if i.kind == movK {
			name = "movk"
		}
		size := byte(i.u2 >> 32)
		str = fmt.Sprintf("%s %s, #%#x, lsl %d", name, formatVRegSized(i.rd, size), i.u1, uint32(i.u2))
	case cSet:
		str = fmt.Sprintf("cset %s, %s", formatVReg(i.rd), condFlag(i.u1))
	case fpuMov64:
		str = fmt.Sprintf("fmov %s, %s", formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64))
	case fpuRRR:
		size := byte(i.u2)
		str = fmt.Sprintf("%s %s, %s, %s", fpuBinOp(i.u1),
			formatVRegSized(i.rd, size), formatVRegSized(i.rn, size), formatVRegSized(i.rm, size))
	case loadFpuConst64:
		str = fmt.Sprintf("ldr %s, #const(%f)", formatVRegSized(i.rd, 64), math.Float64frombits(i.u1))
	case call:
		str = fmt.Sprintf("bl %s", i.callee)
	case ret:
		str = "ret"
	case br:
		str = fmt.Sprintf("b %s", i.targets[0])
	case condBr:
		c := cond(i.u1)
		taken, notTaken := i.targets[0], i.targets[1]
		size := byte(i.u2)
		switch c.kind() {
		case condKindRegisterZero:
			str = fmt.Sprintf("cbz %s, %s", formatVRegSized(c.register(), size), taken)
		case condKindRegisterNotZero:
			str = fmt.Sprintf("cbnz %s, %s", formatVRegSized(c.register(), size), taken)
		case condKindCondFlagSet:
			str = fmt.Sprintf("b.%s %s", c.flag(), taken)
		}
		str += fmt.Sprintf("; b %s", notTaken)
	case jtSequence:
		targets := make([]string, len(i.targets)-1)
		for j, t := range i.targets[1:] {
			targets[j] = t.String()
		}
		str = fmt.Sprintf("br_table %s, [%s], default %s",
			formatVRegSized(i.rn, 32), strings.Join(targets, ", "), i.targets[0])
	case udf:
		str = fmt.Sprintf("udf #%#x", i.u1)
	case adjustSP:
		if amount := int64(i.u1); amount >= 0 {
			str = fmt.Sprintf("sub sp, sp, #%#x", amount)
		} else {
			str = fmt.Sprintf("add sp, sp, #%#x", -amount)
		}
	default:
		panic(i.kind)
	}
	return
}

// Terminator implements backend.MachInst.
func (i instruction) Terminator() backend.MachTerminator {
	switch i.kind {
	case br:
		return backend.UncondTerminator(i.targets[0])
	case condBr:
		return backend.CondTerminator(i.targets[0], i.targets[1])
	case jtSequence:
		return backend.IndirectTerminator(i.targets...)
	case ret:
		return backend.RetTerminator
	default:
		return backend.NoTerminator
	}
}

// IsMove implements backend.MachInst.
func (i instruction) IsMove() (dst, src regalloc.VReg, ok bool) {
	switch i.kind {
	case mov64:
		if i.rd == spVReg || i.rn == spVReg {
			return regalloc.VRegInvalid, regalloc.VRegInvalid, false
		}
		return i.rd, i.rn, true
	case fpuMov64:
		return i.rd, i.rn, true
	default:
		return regalloc.VRegInvalid, regalloc.VRegInvalid, false
	}
}

// RegUsage implements backend.MachInst.
func (i instruction) RegUsage(c *regalloc.RegUsageCollector) {
	switch i.kind {
	case nop0, nop4, br, udf, adjustSP:
	case aluRRR, fpuRRR:
		c.AddUse(i.rn, i.rm)
		c.AddDef(i.rd)
	case aluRRImm12, mov64, fpuMov64:
		c.AddUse(i.rn)
		c.AddDef(i.rd)
	case movZ, cSet, loadFpuConst64:
		c.AddDef(i.rd)
	case movK:
		c.AddMod(i.rd)
	case uLoad64, fpuLoad64:
		if i.amode.usesReg() {
			c.AddUse(i.amode.rn)
		}
		c.AddDef(i.rd)
	case store64, fpuStore64:
		c.AddUse(i.rn)
		if i.amode.usesReg() {
			c.AddUse(i.amode.rn)
		}
	case storeP64:
		c.AddUse(i.rn, i.rm)
	case loadP64:
		c.AddDef(i.rd, i.rm)
	case call:
		c.AddUse(i.uses...)
		c.AddDef(i.defs...)
	case ret:
		c.AddUse(i.uses...)
	case condBr:
		if cd := cond(i.u1); cd.kind() != condKindCondFlagSet {
			c.AddUse(cd.register())
		}
	case jtSequence:
		c.AddUse(i.rn)
	default:
		panic(i.kind)
	}
}

// MapRegs implements backend.MachInst.
func (i instruction) MapRegs(m regalloc.RegMapper) instruction {
	mapped := i
	switch i.kind {
	case nop0, nop4, br, udf, adjustSP:
	case aluRRR, fpuRRR:
		mapped.rn, mapped.rm = m.MapUse(i.rn), m.MapUse(i.rm)
		mapped.rd = m.MapDef(i.rd)
	case aluRRImm12, mov64, fpuMov64:
		mapped.rn = m.MapUse(i.rn)
		mapped.rd = m.MapDef(i.rd)
	case movZ, cSet, loadFpuConst64:
		mapped.rd = m.MapDef(i.rd)
	case movK:
		mapped.rd = m.MapMod(i.rd)
	case uLoad64, fpuLoad64:
		if i.amode.usesReg() {
			mapped.amode.rn = m.MapUse(i.amode.rn)
		}
		mapped.rd = m.MapDef(i.rd)
	case store64, fpuStore64:
		mapped.rn = m.MapUse(i.rn)
		if i.amode.usesReg() {
			mapped.amode.rn = m.MapUse(i.amode.rn)
		}
	case storeP64:
		mapped.rn, mapped.rm = m.MapUse(i.rn), m.MapUse(i.rm)
	case loadP64:
		mapped.rd, mapped.rm = m.MapDef(i.rd), m.MapDef(i.rm)
	case call:
		mapped.uses = mapAll(i.uses, m.MapUse)
		mapped.defs = mapAll(i.defs, m.MapDef)
	case ret:
		mapped.uses = mapAll(i.uses, m.MapUse)
	case condBr:
		if c := cond(i.u1); c.kind() != condKindCondFlagSet {
			mapped.u1 = c.withRegister(m.MapUse(c.register())).asUint64()
		}
	case jtSequence:
		mapped.rn = m.MapUse(i.rn)
	default:
		panic(i.kind)
	}
	return mapped
}

func mapAll(vs []regalloc.VReg, f func(regalloc.VReg) regalloc.VReg) []regalloc.VReg {
	if vs == nil {
		return nil
	}
	ret := make([]regalloc.VReg, len(vs))
	for i, v := range vs {
		ret[i] = f(v)
	}
	return ret
}

// WorstCaseSize implements backend.MachInst.
func (instruction) WorstCaseSize() backend.CodeOffset {
	return worstCaseSize
}

// GenNop implements backend.MachInst.
// Every arm64 instruction is 4 bytes, so this always returns a single nop.
func (instruction) GenNop(backend.CodeOffset) instruction {
	var i instruction
	i.asNop4()
	return i
}

// GenZeroLenNop implements backend.MachInst.
func (instruction) GenZeroLenNop() instruction {
	var i instruction
	i.asNop0()
	return i
}

// GenMove implements backend.MachInst.
func (instruction) GenMove(dst, src regalloc.VReg, ty ssa.Type) instruction {
	var i instruction
	if regalloc.RegTypeOf(ty) == regalloc.RegTypeFloat {
		i.asFpuMov64(dst, src)
	} else {
		i.asMove64(dst, src)
	}
	return i
}

// AlignBasicBlock implements backend.MachInst.
func (instruction) AlignBasicBlock(offset backend.CodeOffset, flags *backend.Flags) backend.CodeOffset {
	align := flags.BlockAlignment
	if align <= 4 {
		return offset
	}
	return (offset + align - 1) / align * align
}
