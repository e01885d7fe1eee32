package backend

import "fmt"

// Emit encodes the finalized VCode into machine code. Each call starts from a fresh
// MachBuffer and EmitState, so emitting twice yields identical results.
// Instructions at SourceLocDefault open no source location range, so code such as the
// prologue is left out of MachBufferFinalized.SrcLocs.
func (v *VCode[I]) Emit() *MachBufferFinalized {
	if !v.finalized {
		panic("BUG: Emit before ReplaceInsnsFromRegalloc")
	}

	var zero I
	flags := v.Flags()
	state := v.abi.NewEmitState()
	buf := NewMachBuffer()
	numBlocks := len(v.blockRanges)
	buf.ReserveLabelsForBlocks(numBlocks)

	safepoint := 0
	for b := 0; b < numBlocks; b++ {
		v.alignBlock(buf, flags, state)
		buf.BindLabel(MachLabelFromBlock(BlockIndex(b)))

		r := v.blockRanges[b]
		opened := false
		var cur SourceLoc
		for ix := r.start; ix < r.end; ix++ {
			if loc := v.srclocs[ix]; !opened || loc != cur {
				if opened {
					buf.EndSrcLoc()
					opened = false
				}
				if !loc.IsDefault() {
					buf.StartSrcLoc(loc)
					opened = true
				}
				cur = loc
			}

			if safepoint < len(v.safepointInsns) && v.safepointInsns[safepoint] == ix {
				if slots := v.safepointSlots[safepoint]; len(slots) > 0 {
					state.PreSafepoint(v.abi.SpillslotsToStackMap(slots, state))
				}
				safepoint++
			}

			v.insts[ix].Emit(buf, flags, state)
		}
		if opened {
			buf.EndSrcLoc()
		}

		if b+1 < numBlocks {
			next := v.blockRanges[b+1]
			worstCase := CodeOffset(next.end-next.start) * zero.WorstCaseSize()
			if buf.IslandNeeded(worstCase) {
				buf.EmitIsland(worstCase)
			}
		}
	}
	return buf.Finish()
}

// alignBlock pads the buffer with no-ops up to the start offset required for the next block.
func (v *VCode[I]) alignBlock(buf *MachBuffer, flags *Flags, state EmitState) {
	var zero I
	cur := buf.CurOffset()
	aligned := zero.AlignBasicBlock(cur, flags)
	for cur < aligned {
		nop := zero.GenNop(aligned - cur)
		nop.Emit(buf, flags, state)
		next := buf.CurOffset()
		if next == cur {
			panic("BUG: no-op of zero size used for alignment")
		}
		cur = next
	}
	if cur != aligned {
		panic(fmt.Sprintf("BUG: block starts at %#x instead of %#x", cur, aligned))
	}
}
