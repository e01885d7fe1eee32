package backend

import "github.com/faddat/vcode/internal/engine/wazevo/ssa"

// SSAValueDefinition represents a definition of an SSA value.
type SSAValueDefinition struct {
	// Instr is not nil if the value is defined by an instruction, and nil for function parameters.
	Instr *ssa.Instruction
	// Block is the block of Instr.
	Block ssa.BasicBlockID
	// N is the index of the value in Instr.Results, or zero for Instr.Dst.
	N int
	// RefCount is the number of uses of the value.
	RefCount int
}

// IsFromInstr returns true if the value is defined by an instruction.
func (d *SSAValueDefinition) IsFromInstr() bool {
	return d.Instr != nil
}

// IsFromParam returns true if the value is a parameter of the function.
func (d *SSAValueDefinition) IsFromParam() bool {
	return d.Instr == nil
}
