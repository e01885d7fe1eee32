package backend

import (
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// ABICallee is the calling convention of the function being compiled. It is owned by its VCode.
type ABICallee[I any] interface {
	// Flags returns the compilation settings.
	Flags() *Flags

	// LiveIns returns the registers holding the arguments on entry.
	LiveIns() regalloc.RegSet

	// LiveOuts returns the registers holding the return values on return.
	LiveOuts() regalloc.RegSet

	// FrameSize returns the size of the frame below the frame record. Valid after SetNumSpillslots and SetClobbered.
	FrameSize() uint32

	// StackArgsSize returns the size of the arguments passed on the stack by the caller.
	StackArgsSize() uint32

	// RefTypeRegClass returns the register class holding references.
	RefTypeRegClass() regalloc.RegType

	// SetNumSpillslots records the number of spill slots used by the function.
	SetNumSpillslots(n int)

	// SetClobbered records the callee-saved registers written by the function.
	SetClobbered(regs regalloc.RegSet)

	// GenPrologue returns the instructions setting up the frame.
	GenPrologue() []I

	// GenEpilogue returns the instructions tearing down the frame and returning.
	GenEpilogue() []I

	// GetSpillslotSize returns the number of spill slots needed for a value of the type.
	GetSpillslotSize(class regalloc.RegType, ty ssa.Type) uint32

	// GenSpill returns an instruction storing the real register into the slot.
	GenSpill(slot regalloc.SpillSlot, from regalloc.VReg, ty ssa.Type) I

	// GenReload returns an instruction loading the slot into the real register.
	GenReload(to regalloc.VReg, slot regalloc.SpillSlot, ty ssa.Type) I

	// SpillslotsToStackMap translates the slots holding references into a stack map.
	SpillslotsToStackMap(slots []regalloc.SpillSlot, state EmitState) *StackMap

	// NewEmitState returns a fresh emission state for this function.
	NewEmitState() EmitState
}
