package backend

import (
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// Insns implements regalloc.Function.
func (v *VCode[I]) Insns() []I { return v.insts }

// NumInsns implements regalloc.Function.
func (v *VCode[I]) NumInsns() int { return len(v.insts) }

// GetInsn implements regalloc.Function.
func (v *VCode[I]) GetInsn(ix InsnIndex) I { return v.insts[ix] }

// SetInsn implements regalloc.Function.
func (v *VCode[I]) SetInsn(ix InsnIndex, insn I) { v.insts[ix] = insn }

// BlockInsns implements regalloc.Function.
func (v *VCode[I]) BlockInsns(b BlockIndex) (start, end InsnIndex) { return v.BlockRange(b) }

// BlockSuccs implements regalloc.Function.
func (v *VCode[I]) BlockSuccs(b BlockIndex) []BlockIndex { return v.Succs(b) }

// IsRet implements regalloc.Function.
func (v *VCode[I]) IsRet(ix InsnIndex) bool {
	return v.insts[ix].Terminator().Kind == TerminatorRet
}

// GetRegUsage implements regalloc.Function.
func (v *VCode[I]) GetRegUsage(insn I, collector *regalloc.RegUsageCollector) {
	insn.RegUsage(collector)
}

// MapRegs implements regalloc.Function.
func (v *VCode[I]) MapRegs(insn I, mapper regalloc.RegMapper) I {
	return insn.MapRegs(mapper)
}

// IsMove implements regalloc.Function.
func (v *VCode[I]) IsMove(insn I) (dst, src regalloc.VReg, ok bool) {
	return insn.IsMove()
}

// NumVRegs implements regalloc.Function.
func (v *VCode[I]) NumVRegs() int { return len(v.vregTypes) }

// GetSpillslotSize implements regalloc.Function.
func (v *VCode[I]) GetSpillslotSize(typ regalloc.RegType, vreg regalloc.VReg) uint32 {
	return v.abi.GetSpillslotSize(typ, v.VRegType(vreg))
}

// GenSpill implements regalloc.Function.
func (v *VCode[I]) GenSpill(slot regalloc.SpillSlot, from, forVReg regalloc.VReg) I {
	return v.abi.GenSpill(slot, from, v.typeOf(from, forVReg))
}

// GenReload implements regalloc.Function.
func (v *VCode[I]) GenReload(to regalloc.VReg, slot regalloc.SpillSlot, forVReg regalloc.VReg) I {
	return v.abi.GenReload(to, slot, v.typeOf(to, forVReg))
}

// GenMove implements regalloc.Function.
func (v *VCode[I]) GenMove(to, from, forVReg regalloc.VReg) I {
	var zero I
	return zero.GenMove(to, from, v.typeOf(to, forVReg))
}

// GenZeroLenNop implements regalloc.Function.
func (v *VCode[I]) GenZeroLenNop() I {
	var zero I
	return zero.GenZeroLenNop()
}

// LiveIns implements regalloc.Function.
func (v *VCode[I]) LiveIns() regalloc.RegSet { return v.liveins.Clone() }

// LiveOuts implements regalloc.Function.
func (v *VCode[I]) LiveOuts() regalloc.RegSet { return v.liveouts.Clone() }

// typeOf returns the type of forVReg if it is known, and otherwise the widest type of the class of reg.
func (v *VCode[I]) typeOf(reg, forVReg regalloc.VReg) ssa.Type {
	if forVReg.Valid() && int(forVReg.ID()) < len(v.vregTypes) {
		return v.vregTypes[forVReg.ID()]
	}
	switch reg.RegType() {
	case regalloc.RegTypeFloat:
		return ssa.TypeF64
	default:
		return ssa.TypeI64
	}
}
