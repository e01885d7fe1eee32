package backend

import (
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
)

// ReplaceInsnsFromRegalloc installs the result of register allocation: the allocated instructions
// replace the virtual-register ones, the prologue is placed at the entry, every return is replaced
// by the epilogue, and moves between the same physical register are dropped.
//
// This must be called exactly once, after which the VCode is ready for Emit.
func (v *VCode[I]) ReplaceInsnsFromRegalloc(result *regalloc.Result[I]) {
	if v.finalized {
		panic("BUG: ReplaceInsnsFromRegalloc is called twice")
	}
	v.checkRegallocResult(result)

	v.abi.SetNumSpillslots(result.NumSpillSlots)
	v.abi.SetClobbered(result.ClobberedRegisters)

	numBlocks := len(v.blockRanges)
	finalInsns := make([]I, 0, len(result.Insns)+numBlocks)
	finalSrcLocs := make([]SourceLoc, 0, cap(finalInsns))
	finalRanges := make([]insnRange, 0, numBlocks)
	finalSafepoints := make([]InsnIndex, 0, len(result.NewSafepointInsns))

	safepoints := result.NewSafepointInsns
	for b := 0; b < numBlocks; b++ {
		start := result.TargetMap[b]
		end := InsnIndex(len(result.Insns))
		if b+1 < numBlocks {
			end = result.TargetMap[b+1]
		}

		blockStart := InsnIndex(len(finalInsns))
		if BlockIndex(b) == v.entry {
			for _, insn := range v.abi.GenPrologue() {
				finalInsns = append(finalInsns, insn)
				finalSrcLocs = append(finalSrcLocs, SourceLocDefault)
			}
		}

		for i := start; i < end; i++ {
			insn := result.Insns[i]
			isSafepoint := len(safepoints) > 0 && safepoints[0] == i

			if dst, src, ok := insn.IsMove(); ok && isRedundantMove(dst, src) {
				if isSafepoint {
					panic(fmt.Sprintf("BUG: safepoint %d is an elided move", i))
				}
				continue
			}

			loc := SourceLocDefault
			if orig := result.OrigInsnMap[i]; orig != regalloc.InstIxInvalid {
				loc = v.srclocs[orig]
			}

			if insn.Terminator().Kind == TerminatorRet {
				for _, e := range v.abi.GenEpilogue() {
					finalInsns = append(finalInsns, e)
					finalSrcLocs = append(finalSrcLocs, loc)
				}
			} else {
				finalInsns = append(finalInsns, insn)
				finalSrcLocs = append(finalSrcLocs, loc)
			}

			if isSafepoint {
				finalSafepoints = append(finalSafepoints, InsnIndex(len(finalInsns)-1))
				safepoints = safepoints[1:]
			}
		}
		finalRanges = append(finalRanges, insnRange{start: blockStart, end: InsnIndex(len(finalInsns))})
	}

	if len(safepoints) != 0 {
		panic(fmt.Sprintf("BUG: %d safepoints are not in the allocated instructions", len(safepoints)))
	}
	if len(finalInsns) != len(finalSrcLocs) {
		panic(fmt.Sprintf("BUG: %d instructions but %d source locations", len(finalInsns), len(finalSrcLocs)))
	}

	v.insts = finalInsns
	v.srclocs = finalSrcLocs
	v.blockRanges = finalRanges
	v.safepointInsns = finalSafepoints
	v.safepointSlots = result.StackMaps
	v.finalized = true

	if v.Flags().EnableVerifier {
		v.verify()
	}
}

// isRedundantMove returns true if the move is between the same physical register.
func isRedundantMove(dst, src regalloc.VReg) bool {
	return dst.IsRealReg() && src.IsRealReg() && dst.RealReg() == src.RealReg()
}

func (v *VCode[I]) checkRegallocResult(result *regalloc.Result[I]) {
	if len(result.TargetMap) != len(v.blockRanges) {
		panic(fmt.Sprintf("BUG: target map has %d entries for %d blocks", len(result.TargetMap), len(v.blockRanges)))
	}
	if len(result.OrigInsnMap) != len(result.Insns) {
		panic(fmt.Sprintf("BUG: origin map has %d entries for %d instructions", len(result.OrigInsnMap), len(result.Insns)))
	}
	if len(result.TargetMap) > 0 && result.TargetMap[0] != 0 {
		panic(fmt.Sprintf("BUG: first block starts at allocated instruction %d instead of 0", result.TargetMap[0]))
	}
	for b, start := range result.TargetMap {
		if int(start) > len(result.Insns) || (b > 0 && start < result.TargetMap[b-1]) {
			panic(fmt.Sprintf("BUG: target map entry %d of block %d is out of order", start, b))
		}
	}
	for i, orig := range result.OrigInsnMap {
		if orig != regalloc.InstIxInvalid && int(orig) >= len(v.srclocs) {
			panic(fmt.Sprintf("BUG: instruction %d comes from unknown instruction %d", i, orig))
		}
	}
	if len(result.StackMaps) != len(result.NewSafepointInsns) {
		panic(fmt.Sprintf("BUG: %d stack maps for %d safepoints", len(result.StackMaps), len(result.NewSafepointInsns)))
	}
	for i := 1; i < len(result.NewSafepointInsns); i++ {
		if result.NewSafepointInsns[i] <= result.NewSafepointInsns[i-1] {
			panic(fmt.Sprintf("BUG: safepoints are not strictly ascending: %v", result.NewSafepointInsns))
		}
	}
}
