package arm64

import (
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
)

const encodedNop = 0b11010101000000110010000000011111

// Emit implements backend.MachInst.
func (i instruction) Emit(buf *backend.MachBuffer, _ *backend.Flags, s backend.EmitState) {
	state := s.(*emitState)
	switch kind := i.kind; kind {
	case nop0:
	case nop4:
		buf.Put4(encodedNop)
	case aluRRR:
		buf.Put4(encodeAluRRR(aluOp(i.u1), regEncoding(i.rd), regEncoding(i.rn),
			regEncoding(i.rm)))
	case aluRRImm12:
		imm12, shiftBit := uint16(i.u2), byte(i.u2>>32)
		buf.Put4(encodeAluRRImm12(aluOp(i.u1), regEncoding(i.rd), regEncoding(i.rn),
			imm12, shiftBit))
	case mov64:
		rd, rn := regEncoding(i.rd), regEncoding(i.rn)
		if i.rd == spVReg || i.rn == spVReg {
			// mov to/from sp is an alias of add #0 since register 31 means sp there.
			buf.Put4(encodeAluRRImm12(add64, rd, rn, 0, 0))
		} else {
			buf.Put4(encodeMov64(rd, rn))
		}
	case movZ, movK:
		opc := uint32(0b10)
		if kind == movK {
			opc = 0b11
		}
		buf.Put4(encodeMoveWideImmediate(opc, regEncoding(i.rd), i.u1, uint64(uint32(i.u2)), byte(i.u2>>32)))
	case cSet:
		buf.Put4(encodeCSet(regEncoding(i.rd), condFlag(i.u1)))
	case fpuMov64:
		buf.Put4(encodeFpuMov64(regEncoding(i.rd), regEncoding(i.rn)))
	case fpuRRR:
		buf.Put4(encodeFpuRRR(fpuBinOp(i.u1), regEncoding(i.rd), regEncoding(i.rn),
			regEncoding(i.rm), byte(i.u2)))
	case uLoad64, store64, fpuLoad64, fpuStore64:
		var base uint32
		rt := i.rn
		switch kind {
		case uLoad64:
			base, rt = 0b1111100101<<22, i.rd
		case store64:
			base = 0b1111100100 << 22
		case fpuLoad64:
			base, rt = 0b1111110101<<22, i.rd
		case fpuStore64:
			base = 0b1111110100 << 22
		}
		buf.Put4(encodeLoadOrStore(base, regEncoding(rt), i.amode, state.spOffset))
	case storeP64, loadP64:
		rt := i.rn
		if kind == loadP64 {
			rt = i.rd
		}
		buf.Put4(encodePreOrPostIndexLoadStorePair64(kind == loadP64, i.amode,
			regEncoding(rt), regEncoding(i.rm)))
	case loadFpuConst64:
		l := buf.GetLabel()
		data := make([]byte, 8)
		for b := 0; b < 8; b++ {
			data[b] = byte(i.u1 >> (8 * b))
		}
		buf.DeferConstant(l, 8, data)
		buf.UseLabelAtOffset(buf.CurOffset(), l, labelUseLdr19)
		// ldr dt, <literal>
		buf.Put4(0b01011100<<24 | regEncoding(i.rd))
	case call:
		if sm := state.takeStackMap(); sm != nil {
			buf.AddStackMap(4, sm)
		}
		buf.AddReloc(backend.RelocKindCall26, i.callee, 0)
		buf.Put4(encodeUnconditionalBranch(true, 0))
	case ret:
		buf.Put4(encodeRet())
	case br:
		buf.UseLabelAtOffset(buf.CurOffset(), i.targets[0], labelUseBranch26)
		buf.Put4(encodeUnconditionalBranch(false, 0))
	case condBr:
		c := cond(i.u1)
		buf.UseLabelAtOffset(buf.CurOffset(), i.targets[0], labelUseBranch19)
		switch c.kind() {
		case condKindRegisterZero, condKindRegisterNotZero:
			buf.Put4(encodeCBZCBNZ(regEncoding(c.register()), c.kind() == condKindRegisterNotZero, byte(i.u2)))
		case condKindCondFlagSet:
			buf.Put4(encodeConditionalBranch(c.flag()))
		}
		buf.UseLabelAtOffset(buf.CurOffset(), i.targets[1], labelUseBranch26)
		buf.Put4(encodeUnconditionalBranch(false, 0))
	case jtSequence:
		i.emitJTSequence(buf)
	case udf:
		buf.AddTrap(backend.TrapCode(i.u1))
		buf.Put4(uint32(i.u1) & 0xffff)
	case adjustSP:
		amount := int64(i.u1)
		op := sub64
		if amount < 0 {
			op = add64
			amount = -amount
		}
		for _, w := range encodeSPAdjustment(op, amount) {
			buf.Put4(w)
		}
		state.spOffset += int64(i.u1)
	default:
		panic(fmt.Sprintf("BUG: cannot encode %s", i))
	}
}

// emitJTSequence emits the bounds check followed by a table of branches:
//
//	movz w17, #n_lo
//	movk w17, #n_hi, lsl 16
//	subs wzr, w_index, w17
//	b.hs default
//	adr x16, #12
//	add x16, x16, w_index, uxtw #2
//	br x16
//	b L_0
//	...
//	b L_n-1
func (i instruction) emitJTSequence(buf *backend.MachBuffer) {
	n := uint64(len(i.targets) - 1)
	size := backend.CodeOffset(4 * (7 + n))
	if buf.IslandNeeded(size) {
		skip := buf.GetLabel()
		buf.UseLabelAtOffset(buf.CurOffset(), skip, labelUseBranch26)
		buf.Put4(encodeUnconditionalBranch(false, 0))
		buf.EmitIsland(size)
		buf.BindLabel(skip)
	}

	index := regEncoding(i.rn)
	t2, t := regNumberInEncoding[tmp2], regNumberInEncoding[tmp]
	buf.Put4(encodeMoveWideImmediate(0b10, t2, n&0xffff, 0, 32))
	buf.Put4(encodeMoveWideImmediate(0b11, t2, (n>>16)&0xffff, 16, 32))
	buf.Put4(encodeAluRRR(subS32, regNumberInEncoding[xzr], index, t2))
	buf.UseLabelAtOffset(buf.CurOffset(), i.targets[0], labelUseBranch19)
	buf.Put4(encodeConditionalBranch(hs))
	buf.Put4(encodeAdr(t, 12))
	buf.Put4(encodeAddExtendedUXTW(t, t, index, 2))
	buf.Put4(encodeUnconditionalBranchReg(t, false))
	for _, target := range i.targets[1:] {
		buf.UseLabelAtOffset(buf.CurOffset(), target, labelUseBranch26)
		buf.Put4(encodeUnconditionalBranch(false, 0))
	}
}

// encodeAluRRR encodes as "Add/subtract (shifted register)" or "Logical (shifted register)" with no shift.
// Register 31 means the zero register.
func encodeAluRRR(op aluOp, rd, rn, rm uint32) uint32 {
	var base uint32
	switch op {
	case add32, add64:
		base = 0b00001011 << 24
	case sub32, sub64:
		base = 0b01001011 << 24
	case subS32, subS64:
		base = 0b01101011 << 24
	case orr32, orr64:
		base = 0b00101010 << 24
	default:
		panic(op)
	}
	if op.bits() == 64 {
		base |= 1 << 31
	}
	return base | rm<<16 | rn<<5 | rd
}

// encodeAluRRImm12 encodes as "Add/subtract (immediate)". Register 31 means sp, except for the
// destination of subs which is the zero register.
func encodeAluRRImm12(op aluOp, rd, rn uint32, imm12 uint16, shiftBit byte) uint32 {
	var base uint32
	switch op {
	case add32, add64:
		base = 0b00010001 << 24
	case sub32, sub64:
		base = 0b01010001 << 24
	case subS32, subS64:
		base = 0b01110001 << 24
	default:
		panic(fmt.Sprintf("BUG: %s has no imm12 form", op))
	}
	if op.bits() == 64 {
		base |= 1 << 31
	}
	return base | uint32(shiftBit)<<22 | uint32(imm12&0xfff)<<10 | rn<<5 | rd
}

// encodeSPAdjustment encodes sp = sp op amount with one or two imm12 instructions.
func encodeSPAdjustment(op aluOp, amount int64) []uint32 {
	if amount < 0 || amount >= 1<<24 {
		panic(fmt.Sprintf("BUG: sp adjustment %#x out of range", amount))
	}
	spEnc := regNumberInEncoding[sp]
	var ret []uint32
	if hi := amount >> 12; hi != 0 {
		ret = append(ret, encodeAluRRImm12(op, spEnc, spEnc, uint16(hi), 1))
	}
	if lo := amount & 0xfff; lo != 0 || len(ret) == 0 {
		ret = append(ret, encodeAluRRImm12(op, spEnc, spEnc, uint16(lo), 0))
	}
	return ret
}

// encodeMov64 encodes "mov rd, rm" as "orr rd, xzr, rm".
func encodeMov64(rd, rm uint32) uint32 {
	return encodeAluRRR(orr64, rd, regNumberInEncoding[xzr], rm)
}

// encodeMoveWideImmediate encodes MOVZ (opc=0b10) and MOVK (opc=0b11).
// https://developer.arm.com/documentation/ddi0596/2020-12/Base-Instructions/MOVZ--Move-wide-with-zero-
func encodeMoveWideImmediate(opc uint32, rd uint32, imm, shift uint64, bits byte) uint32 {
	if shift%16 != 0 || (bits == 32 && shift > 16) || shift > 48 {
		panic(fmt.Sprintf("BUG: invalid shift %d for move wide", shift))
	}
	sf := uint32(0)
	if bits == 64 {
		sf = 1
	}
	return sf<<31 | opc<<29 | 0b100101<<23 | uint32(shift/16)<<21 | uint32(imm&0xffff)<<5 | rd
}

// encodeCSet encodes "cset rd, c" as "csinc rd, xzr, xzr, !c".
func encodeCSet(rd uint32, c condFlag) uint32 {
	return 0b1001101010011111<<16 | uint32(c.invert())<<12 | 0b111111<<5 | rd
}

// encodeFpuMov64 encodes "fmov dd, dn".
func encodeFpuMov64(rd, rn uint32) uint32 {
	return 0b00011110011000000100000000000000 | rn<<5 | rd
}

// encodeFpuRRR encodes "Floating-point data-processing (2 source)".
func encodeFpuRRR(op fpuBinOp, rd, rn, rm uint32, bits byte) uint32 {
	var opcode uint32
	switch op {
	case fpuBinOpAdd:
		opcode = 0b0010
	default:
		panic(op)
	}
	ftype := uint32(0b01)
	if bits == 32 {
		ftype = 0b00
	}
	return 0b00011110<<24 | ftype<<22 | 1<<21 | rm<<16 | opcode<<12 | 0b10<<10 | rn<<5 | rd
}

// encodeLoadOrStore encodes "Load/store register (unsigned immediate)" of 64-bit values.
// https://developer.arm.com/documentation/ddi0596/2020-12/Index-by-Encoding/Loads-and-Stores?lang=en
func encodeLoadOrStore(base uint32, rt uint32, amode addressMode, spOffset int64) uint32 {
	switch amode.kind {
	case addressModeKindRegUnsignedImm12, addressModeKindSpillSlot:
	default:
		panic(fmt.Sprintf("BUG: invalid address mode %s for a single load/store", amode))
	}
	offset := amode.offset(spOffset)
	if offset < 0 || offset%8 != 0 || offset/8 > 0xfff {
		panic(fmt.Sprintf("BUG: offset %#x out of range of %s", offset, amode))
	}
	return base | uint32(offset/8)<<10 | regEncoding(amode.rn)<<5 | rt
}

// encodePreOrPostIndexLoadStorePair64 encodes "Load/store register pair (pre-indexed)" and
// "Load/store register pair (post-indexed)" of 64-bit registers.
func encodePreOrPostIndexLoadStorePair64(load bool, amode addressMode, rt, rt2 uint32) uint32 {
	if amode.imm%8 != 0 || amode.imm < -512 || amode.imm > 504 {
		panic(fmt.Sprintf("BUG: offset %#x out of range of %s", amode.imm, amode))
	}
	var base uint32
	switch amode.kind {
	case addressModeKindPreIndex:
		base = 0b1010100110 << 22
	case addressModeKindPostIndex:
		base = 0b1010100010 << 22
	default:
		panic(fmt.Sprintf("BUG: invalid address mode %s for a pair load/store", amode))
	}
	if load {
		base |= 1 << 22
	}
	imm7 := uint32(amode.imm/8) & 0x7f
	return base | imm7<<15 | rt2<<10 | regEncoding(amode.rn)<<5 | rt
}

// encodeUnconditionalBranch encodes B (or BL if link is true) with imm26 to be patched.
func encodeUnconditionalBranch(link bool, imm26 int64) uint32 {
	ret := uint32(0b000101 << 26)
	if link {
		ret |= 1 << 31
	}
	return ret | uint32(imm26>>2)&0x3ff_ffff
}

// encodeConditionalBranch encodes B.cond with imm19 to be patched.
func encodeConditionalBranch(c condFlag) uint32 {
	return 0b01010100<<24 | uint32(c)
}

// encodeCBZCBNZ encodes CBZ (or CBNZ if nz is true) with imm19 to be patched.
func encodeCBZCBNZ(rt uint32, nz bool, bits byte) uint32 {
	ret := uint32(0b0110100 << 24)
	if nz {
		ret |= 1 << 24
	}
	if bits == 64 {
		ret |= 1 << 31
	}
	return ret | rt
}

// encodeUnconditionalBranchReg encodes BR (or BLR if link is true).
func encodeUnconditionalBranchReg(rn uint32, link bool) uint32 {
	ret := uint32(0b1101011000011111<<16 | rn<<5)
	if link {
		ret |= 1 << 21
	}
	return ret
}

// encodeRet encodes "ret x30".
func encodeRet() uint32 {
	return 0b1101011001011111<<16 | regNumberInEncoding[lr]<<5
}

// encodeAdr encodes "adr rd, #imm".
func encodeAdr(rd uint32, imm uint32) uint32 {
	return 0b10000<<24 | (imm&0b11)<<29 | (imm>>2&0x7ffff)<<5 | rd
}

// encodeAddExtendedUXTW encodes "add xd, xn, wm, uxtw #shift".
func encodeAddExtendedUXTW(rd, rn, rm uint32, shift uint32) uint32 {
	return 0b10001011001<<21 | rm<<16 | 0b010<<13 | shift<<10 | rn<<5 | rd
}

// regEncoding returns the register number of the allocated register.
func regEncoding(r regalloc.VReg) uint32 {
	if !r.IsRealReg() {
		panic(fmt.Sprintf("BUG: %s is not allocated", r))
	}
	return regNumberInEncoding[r.RealReg()]
}
