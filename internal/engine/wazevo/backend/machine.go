package backend

import (
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// InsnIndex is the index of an instruction in a VCode.
	InsnIndex = regalloc.InstIx

	// BlockIndex is the index of a lowered basic block in a VCode.
	BlockIndex = regalloc.BlockIx

	// MachInst is the set of capabilities a target's instruction type must provide.
	// Instructions are plain values: rewriting returns a new value.
	//
	// WorstCaseSize, GenNop, GenZeroLenNop, GenMove and AlignBasicBlock describe the target as a whole,
	// so they must not depend on the receiver and are called on the zero value.
	MachInst[I any] interface {
		fmt.Stringer

		// Terminator classifies how this instruction ends a block, if at all.
		Terminator() MachTerminator

		// IsMove returns the destination and source of a register-to-register move.
		IsMove() (dst, src regalloc.VReg, ok bool)

		// RegUsage reports the registers read, written and modified by this instruction.
		RegUsage(collector *regalloc.RegUsageCollector)

		// MapRegs returns a copy of this instruction whose registers are rewritten by the mapper.
		MapRegs(mapper regalloc.RegMapper) I

		// Emit encodes this instruction into the buffer.
		Emit(buf *MachBuffer, flags *Flags, state EmitState)

		// WorstCaseSize returns the maximum size in bytes of any single instruction of the target.
		WorstCaseSize() CodeOffset

		// GenNop returns a no-op whose encoded size is at most preferredSize and non-zero.
		GenNop(preferredSize CodeOffset) I

		// GenZeroLenNop returns a no-op that encodes to nothing.
		GenZeroLenNop() I

		// GenMove returns a register-to-register move for a value of the given type.
		GenMove(dst, src regalloc.VReg, ty ssa.Type) I

		// AlignBasicBlock returns the offset at which a block starting at `offset` must be placed.
		AlignBasicBlock(offset CodeOffset, flags *Flags) CodeOffset
	}

	// EmitState is the target-specific state threaded through the emission of one function.
	EmitState interface {
		// PreSafepoint notifies the state that the next emitted instruction is a safepoint
		// whose stack map is given.
		PreSafepoint(sm *StackMap)
	}

	// MachTerminatorKind is the kind of a MachTerminator.
	MachTerminatorKind byte

	// MachTerminator describes how an instruction ends a basic block.
	MachTerminator struct {
		Kind MachTerminatorKind
		// Targets are the branch targets. For TerminatorCond the taken target comes first.
		Targets []MachLabel
	}
)

const (
	// TerminatorNone means the instruction does not end a block.
	TerminatorNone MachTerminatorKind = iota
	// TerminatorRet means the instruction returns from the function.
	TerminatorRet
	// TerminatorUncond is an unconditional branch to a single target.
	TerminatorUncond
	// TerminatorCond is a two-way conditional branch: taken first, not taken second.
	TerminatorCond
	// TerminatorIndirect is a branch to one of many targets.
	TerminatorIndirect
)

// String implements fmt.Stringer.
func (k MachTerminatorKind) String() string {
	switch k {
	case TerminatorNone:
		return "none"
	case TerminatorRet:
		return "ret"
	case TerminatorUncond:
		return "uncond"
	case TerminatorCond:
		return "cond"
	case TerminatorIndirect:
		return "indirect"
	default:
		panic(int(k))
	}
}

// NoTerminator is the MachTerminator of instructions that do not end a block.
var NoTerminator = MachTerminator{Kind: TerminatorNone}

// RetTerminator is the MachTerminator of return instructions.
var RetTerminator = MachTerminator{Kind: TerminatorRet}

// UncondTerminator returns the MachTerminator of an unconditional branch.
func UncondTerminator(target MachLabel) MachTerminator {
	return MachTerminator{Kind: TerminatorUncond, Targets: []MachLabel{target}}
}

// CondTerminator returns the MachTerminator of a conditional branch.
func CondTerminator(taken, notTaken MachLabel) MachTerminator {
	return MachTerminator{Kind: TerminatorCond, Targets: []MachLabel{taken, notTaken}}
}

// IndirectTerminator returns the MachTerminator of a branch through a table.
func IndirectTerminator(targets ...MachLabel) MachTerminator {
	return MachTerminator{Kind: TerminatorIndirect, Targets: targets}
}
