// Package backend must be free of target-specific concepts. In other words,
// this package must not import any package under isa.
//
// The backend turns an ssa.Function into machine code through VCode: a Machine lowers the
// function into a VCodeBuilder, the register allocator works on the built VCode, the allocation
// result is installed by VCode.ReplaceInsnsFromRegalloc, and VCode.Emit produces the code.
package backend

// CompiledFunction is the result of compiling one function.
type CompiledFunction struct {
	Name string
	// Lowered is the debug view of the VCode before register allocation.
	Lowered string
	// Allocated is the debug view of the VCode after register allocation.
	Allocated string
	// FrameSize is the size of the frame below the frame record.
	FrameSize uint32
	// Code is the machine code together with its metadata.
	Code *MachBufferFinalized
}
