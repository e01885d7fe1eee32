package regalloc

// Function is the view of a function body that an allocator works on.
// Instructions are identified by InstIx and blocks by BlockIx, both dense.
type Function[I any] interface {
	// Insns returns all the instructions in the function.
	Insns() []I
	// NumInsns returns the number of instructions.
	NumInsns() int
	// GetInsn returns the instruction at the index.
	GetInsn(ix InstIx) I
	// SetInsn replaces the instruction at the index.
	SetInsn(ix InstIx, insn I)
	// Entry returns the entry block.
	Entry() BlockIx
	// NumBlocks returns the number of blocks.
	NumBlocks() int
	// BlockInsns returns the half-open instruction range of the block.
	BlockInsns(b BlockIx) (start, end InstIx)
	// BlockSuccs returns the successors of the block.
	BlockSuccs(b BlockIx) []BlockIx
	// IsRet returns true if the instruction returns from the function.
	IsRet(ix InstIx) bool
	// GetRegUsage collects the registers read, written and modified by the instruction.
	GetRegUsage(insn I, collector *RegUsageCollector)
	// MapRegs returns the instruction with its registers rewritten by the mapper.
	MapRegs(insn I, mapper RegMapper) I
	// IsMove returns the destination and source of a register-to-register move.
	IsMove(insn I) (dst, src VReg, ok bool)
	// NumVRegs returns the upper bound of the VRegIDs used in the function.
	NumVRegs() int
	// GetSpillslotSize returns the number of spill slots required to hold the virtual register.
	GetSpillslotSize(typ RegType, v VReg) uint32
	// GenSpill generates an instruction storing the real register `from` into the slot.
	// forVReg is the virtual register whose value is spilled, or VRegInvalid if unknown.
	GenSpill(slot SpillSlot, from VReg, forVReg VReg) I
	// GenReload generates an instruction loading the slot into the real register `to`.
	// forVReg is the virtual register whose value is reloaded, or VRegInvalid if unknown.
	GenReload(to VReg, slot SpillSlot, forVReg VReg) I
	// GenMove generates a register-to-register move between real registers.
	// forVReg is the virtual register whose value is moved, or VRegInvalid if unknown.
	GenMove(to, from VReg, forVReg VReg) I
	// GenZeroLenNop generates an instruction encoding to nothing.
	GenZeroLenNop() I
	// LiveIns returns the registers live on entry to the function. The returned set is owned by the caller.
	LiveIns() RegSet
	// LiveOuts returns the registers live on return from the function. The returned set is owned by the caller.
	LiveOuts() RegSet
}

// RegUsageCollector collects the register operands of an instruction.
type RegUsageCollector struct {
	Uses, Defs, Mods []VReg
}

// AddUse records registers read by the instruction.
func (c *RegUsageCollector) AddUse(vs ...VReg) { c.Uses = append(c.Uses, vs...) }

// AddDef records registers written by the instruction.
func (c *RegUsageCollector) AddDef(vs ...VReg) { c.Defs = append(c.Defs, vs...) }

// AddMod records registers both read and written by the instruction.
func (c *RegUsageCollector) AddMod(vs ...VReg) { c.Mods = append(c.Mods, vs...) }

// Reset clears the collector so that it can be reused for the next instruction.
func (c *RegUsageCollector) Reset() {
	c.Uses = c.Uses[:0]
	c.Defs = c.Defs[:0]
	c.Mods = c.Mods[:0]
}

// RegMapper maps virtual registers to the real registers assigned to them.
// Real registers map to themselves.
type RegMapper interface {
	MapUse(VReg) VReg
	MapDef(VReg) VReg
	MapMod(VReg) VReg
}

// StackmapRequestInfo tells the allocator which instructions need stack maps and
// which virtual registers hold references.
type StackmapRequestInfo struct {
	// RefTypeRegClass is the register class that holds references.
	RefTypeRegClass RegType
	// ReftypedVRegs are the virtual registers holding reference-typed values.
	ReftypedVRegs []VReg
	// SafepointInsns are the instructions requiring a stack map, in ascending order.
	SafepointInsns []InstIx
}

// Result is the outcome of register allocation.
type Result[I any] struct {
	// Insns is the allocated instruction stream including inserted spills, reloads and moves.
	Insns []I
	// TargetMap is the start index in Insns of each original block.
	TargetMap []InstIx
	// OrigInsnMap maps each index of Insns to the original instruction, or InstIxInvalid.
	OrigInsnMap []InstIx
	// ClobberedRegisters are the callee-saved registers written by the function.
	ClobberedRegisters RegSet
	// NumSpillSlots is the number of spill slots used.
	NumSpillSlots int
	// NewSafepointInsns are the indexes in Insns of the safepoints, in ascending order.
	NewSafepointInsns []InstIx
	// StackMaps holds, for each entry of NewSafepointInsns, the spill slots holding live references.
	StackMaps [][]SpillSlot
}
