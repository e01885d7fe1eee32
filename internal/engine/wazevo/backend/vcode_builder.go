package backend

import (
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// VCodeBuilder assembles a VCode during instruction selection.
//
// The caller pushes the instructions of each block in their final forward order and then calls EndBB.
// Lowering visits the IR instructions of a block in reverse, so the caller is expected to reverse the
// instructions produced for a single IR instruction, accumulate them per block, and reverse the whole
// block once more before pushing.
type VCodeBuilder[I MachInst[I]] struct {
	vcode        *VCode[I]
	stackmapInfo regalloc.StackmapRequestInfo

	// blockStart is the first instruction of the block being built.
	blockStart InsnIndex
	// succStart is the first successor of the block being built.
	succStart int
	curSrcLoc SourceLoc
}

// NewVCodeBuilder returns a builder of a VCode owning the given ABI.
func NewVCodeBuilder[I MachInst[I]](abi ABICallee[I], blockOrder BlockLoweringOrder) *VCodeBuilder[I] {
	return &VCodeBuilder[I]{
		vcode:        newVCode[I](abi, blockOrder),
		stackmapInfo: regalloc.StackmapRequestInfo{RefTypeRegClass: abi.RefTypeRegClass()},
	}
}

// ABI returns the calling convention of the function being built.
func (b *VCodeBuilder[I]) ABI() ABICallee[I] { return b.vcode.abi }

// BlockOrder returns the lowering order of the function being built.
func (b *VCodeBuilder[I]) BlockOrder() BlockLoweringOrder { return b.vcode.blockOrder }

// SetVRegType records the type of the value held by the virtual register. Re-setting overwrites,
// and the virtual register is listed once in the reference-typed set iff its last type is a reference.
func (b *VCodeBuilder[I]) SetVRegType(v regalloc.VReg, ty ssa.Type) {
	id := int(v.ID())
	if id >= len(b.vcode.vregTypes) {
		grow := id + 1 - len(b.vcode.vregTypes)
		for i := 0; i < grow; i++ {
			b.vcode.vregTypes = append(b.vcode.vregTypes, ssa.TypeI8)
		}
	}
	wasRef := b.vcode.vregTypes[id].IsRef()
	b.vcode.vregTypes[id] = ty
	switch {
	case ty.IsRef() && !wasRef:
		b.stackmapInfo.ReftypedVRegs = append(b.stackmapInfo.ReftypedVRegs, v)
	case !ty.IsRef() && wasRef:
		refs := b.stackmapInfo.ReftypedVRegs
		for i, r := range refs {
			if r.ID() == v.ID() {
				b.stackmapInfo.ReftypedVRegs = append(refs[:i], refs[i+1:]...)
				break
			}
		}
	}
	b.vcode.haveRefValues = len(b.stackmapInfo.ReftypedVRegs) > 0
}

// SetEntry sets the entry block.
func (b *VCodeBuilder[I]) SetEntry(block BlockIndex) {
	b.vcode.entry = block
}

// Push appends the instruction to the current block, stamped with the current source location.
func (b *VCodeBuilder[I]) Push(insn I, isSafepoint bool) {
	v := b.vcode
	switch t := insn.Terminator(); t.Kind {
	case TerminatorNone, TerminatorRet:
	case TerminatorUncond, TerminatorCond, TerminatorIndirect:
		for _, l := range t.Targets {
			v.blockSuccs = append(v.blockSuccs, BlockIndex(l))
		}
	default:
		panic(t.Kind)
	}
	v.insts = append(v.insts, insn)
	v.srclocs = append(v.srclocs, b.curSrcLoc)
	if isSafepoint {
		b.stackmapInfo.SafepointInsns = append(b.stackmapInfo.SafepointInsns, InsnIndex(len(v.insts)-1))
	}
}

// EndBB closes the current block: it spans every instruction pushed since the previous EndBB.
func (b *VCodeBuilder[I]) EndBB() {
	v := b.vcode
	end := InsnIndex(len(v.insts))
	v.blockRanges = append(v.blockRanges, insnRange{start: b.blockStart, end: end})
	b.blockStart = end

	succEnd := len(v.blockSuccs)
	v.blockSuccRanges = append(v.blockSuccRanges, succRange{start: b.succStart, end: succEnd})
	b.succStart = succEnd
}

// SrcLoc returns the current source location.
func (b *VCodeBuilder[I]) SrcLoc() SourceLoc { return b.curSrcLoc }

// SetSrcLoc sets the source location stamped on the subsequently pushed instructions.
func (b *VCodeBuilder[I]) SetSrcLoc(loc SourceLoc) { b.curSrcLoc = loc }

// Build returns the VCode together with the stack map requests for the register allocator.
// The requests are kept apart from the VCode since the allocator renumbers the safepoints.
func (b *VCodeBuilder[I]) Build() (*VCode[I], *regalloc.StackmapRequestInfo) {
	v := b.vcode
	if int(b.blockStart) != len(v.insts) {
		panic("BUG: instructions pushed after the last EndBB")
	}
	if v.Flags().EnableVerifier {
		v.verify()
	}
	info := b.stackmapInfo
	b.vcode = nil
	return v, &info
}
