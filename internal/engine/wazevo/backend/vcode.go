package backend

import (
	"fmt"
	"strings"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// VCode is a function body lowered into target instructions operating on virtual registers,
	// laid out as a control flow graph. Blocks are not objects: they are ranges into the flat
	// instruction and successor arrays.
	//
	// A VCode is built by a VCodeBuilder, handed to a register allocator through its
	// regalloc.Function implementation, finalized once by ReplaceInsnsFromRegalloc,
	// and then emitted by Emit.
	VCode[I MachInst[I]] struct {
		liveins, liveouts regalloc.RegSet

		// vregTypes maps regalloc.VRegID to the type of the value it holds.
		vregTypes     []ssa.Type
		haveRefValues bool

		insts   []I
		srclocs []SourceLoc
		entry   BlockIndex

		// blockRanges[b] is the half-open instruction range of block b.
		blockRanges []insnRange
		// blockSuccRanges[b] is the half-open range of blockSuccs holding the successors of b.
		blockSuccRanges []succRange
		blockSuccs      []BlockIndex

		blockOrder BlockLoweringOrder
		abi        ABICallee[I]

		// safepointInsns are the safepoint instructions in ascending order. Before register allocation
		// they are only tracked by the regalloc.StackmapRequestInfo returned by VCodeBuilder.Build.
		safepointInsns []InsnIndex
		// safepointSlots[i] are the spill slots holding live references at safepointInsns[i].
		safepointSlots [][]regalloc.SpillSlot

		finalized bool
	}

	insnRange struct{ start, end InsnIndex }
	succRange struct{ start, end int }
)

func newVCode[I MachInst[I]](abi ABICallee[I], blockOrder BlockLoweringOrder) *VCode[I] {
	return &VCode[I]{
		liveins:    abi.LiveIns(),
		liveouts:   abi.LiveOuts(),
		blockOrder: blockOrder,
		abi:        abi,
	}
}

// Flags returns the compilation settings.
func (v *VCode[I]) Flags() *Flags { return v.abi.Flags() }

// ABI returns the calling convention of the function.
func (v *VCode[I]) ABI() ABICallee[I] { return v.abi }

// VRegType returns the type of the value held by the virtual register.
func (v *VCode[I]) VRegType(vreg regalloc.VReg) ssa.Type {
	id := vreg.ID()
	if int(id) >= len(v.vregTypes) {
		panic(fmt.Sprintf("BUG: type of %s is never set", vreg))
	}
	return v.vregTypes[id]
}

// HaveRefValues returns true if any virtual register holds a reference.
func (v *VCode[I]) HaveRefValues() bool { return v.haveRefValues }

// Entry returns the entry block.
func (v *VCode[I]) Entry() BlockIndex { return v.entry }

// NumBlocks returns the number of blocks.
func (v *VCode[I]) NumBlocks() int { return len(v.blockRanges) }

// FrameSize returns the frame size computed by the ABI.
func (v *VCode[I]) FrameSize() uint32 { return v.abi.FrameSize() }

// StackArgsSize returns the size of the incoming stack arguments.
func (v *VCode[I]) StackArgsSize() uint32 { return v.abi.StackArgsSize() }

// Succs returns the successors of the block. The returned slice must not be modified.
func (v *VCode[I]) Succs(b BlockIndex) []BlockIndex {
	r := v.blockSuccRanges[b]
	return v.blockSuccs[r.start:r.end]
}

// BindexToBB returns the IR block the lowered block comes from, if any.
func (v *VCode[I]) BindexToBB(b BlockIndex) (ssa.BasicBlockID, bool) {
	return v.blockOrder.LoweredIndexToBlock(b)
}

// BlockRange returns the half-open instruction range of the block.
func (v *VCode[I]) BlockRange(b BlockIndex) (start, end InsnIndex) {
	r := v.blockRanges[b]
	return r.start, r.end
}

// Insn returns the instruction at the index.
func (v *VCode[I]) Insn(ix InsnIndex) I { return v.insts[ix] }

// SrcLoc returns the source location of the instruction at the index.
func (v *VCode[I]) SrcLoc(ix InsnIndex) SourceLoc { return v.srclocs[ix] }

// SafepointInsns returns the final safepoint instructions. Empty until ReplaceInsnsFromRegalloc.
func (v *VCode[I]) SafepointInsns() []InsnIndex { return v.safepointInsns }

// SafepointSlots returns the spill slots of the i-th final safepoint.
func (v *VCode[I]) SafepointSlots(i int) []regalloc.SpillSlot { return v.safepointSlots[i] }

// verify panics if the block ranges do not exactly tile the instruction array,
// or if a successor is out of range.
func (v *VCode[I]) verify() {
	if len(v.insts) != len(v.srclocs) {
		panic(fmt.Sprintf("BUG: %d instructions but %d source locations", len(v.insts), len(v.srclocs)))
	}
	if len(v.blockRanges) != len(v.blockSuccRanges) {
		panic(fmt.Sprintf("BUG: %d block ranges but %d successor ranges", len(v.blockRanges), len(v.blockSuccRanges)))
	}
	var next InsnIndex
	for b, r := range v.blockRanges {
		if r.start != next || r.end < r.start {
			panic(fmt.Sprintf("BUG: block %d has range %d..%d but must start at %d", b, r.start, r.end, next))
		}
		next = r.end
	}
	if int(next) != len(v.insts) {
		panic(fmt.Sprintf("BUG: blocks cover %d of %d instructions", next, len(v.insts)))
	}
	for _, s := range v.blockSuccs {
		if int(s) >= len(v.blockRanges) {
			panic(fmt.Sprintf("BUG: successor block %d out of range", s))
		}
	}
	if len(v.blockRanges) > 0 && int(v.entry) >= len(v.blockRanges) {
		panic(fmt.Sprintf("BUG: entry block %d out of range", v.entry))
	}
}

// String implements fmt.Stringer.
func (v *VCode[I]) String() string {
	var sb strings.Builder
	sb.WriteString("VCode {\n")
	fmt.Fprintf(&sb, "  Entry block: %d\n", v.entry)

	safepoint := 0
	for b := range v.blockRanges {
		bix := BlockIndex(b)
		fmt.Fprintf(&sb, "Block %d:\n", b)
		if bb, ok := v.BindexToBB(bix); ok {
			fmt.Fprintf(&sb, "  (original IR block: %s)\n", bb)
		}
		for _, succ := range v.Succs(bix) {
			fmt.Fprintf(&sb, "  (successor: Block %d)\n", succ)
		}
		start, end := v.BlockRange(bix)
		fmt.Fprintf(&sb, "  (instruction range: %d .. %d)\n", start, end)
		for ix := start; ix < end; ix++ {
			if safepoint < len(v.safepointInsns) && v.safepointInsns[safepoint] == ix {
				if safepoint < len(v.safepointSlots) {
					fmt.Fprintf(&sb, "      (safepoint: slots %v with EmitState)\n", v.safepointSlots[safepoint])
				} else {
					sb.WriteString("      (safepoint)\n")
				}
				safepoint++
			}
			fmt.Fprintf(&sb, "  Inst %d: %s\n", ix, v.insts[ix].String())
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
