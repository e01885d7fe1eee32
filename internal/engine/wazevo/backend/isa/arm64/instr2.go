package arm64

import "fmt"

// aluOp determines the type of ALU operation. Instructions whose kind is one of
// aluRRR and aluRRImm12 would use this type.
type aluOp int

const (
	// 32-bit Add.
	add32 aluOp = iota
	// 64-bit Add.
	add64
	// 32-bit Subtract.
	sub32
	// 64-bit Subtract.
	sub64
	// 32-bit Bitwise OR.
	orr32
	// 64-bit Bitwise OR.
	orr64
	// 32-bit Subtract setting flags.
	subS32
	// 64-bit Subtract setting flags.
	subS64
)

// String implements fmt.Stringer.
func (a aluOp) String() string {
	switch a {
	case add32, add64:
		return "add"
	case sub32, sub64:
		return "sub"
	case orr32, orr64:
		return "orr"
	case subS32, subS64:
		return "subs"
	default:
		panic(fmt.Sprintf("unknown aluOp: %d", int(a)))
	}
}

// bits returns the operand size of the operation.
func (a aluOp) bits() byte {
	switch a {
	case add32, sub32, orr32, subS32:
		return 32
	default:
		return 64
	}
}

// fpuBinOp is the operation of fpuRRR instructions.
type fpuBinOp int

const (
	fpuBinOpAdd fpuBinOp = iota
)

// String implements fmt.Stringer.
func (f fpuBinOp) String() string {
	switch f {
	case fpuBinOpAdd:
		return "fadd"
	default:
		panic(fmt.Sprintf("unknown fpuBinOp: %d", int(f)))
	}
}

// pickByBits returns v32 for 32-bit operands and v64 otherwise.
func pickByBits[T any](bits byte, v32, v64 T) T {
	if bits == 32 {
		return v32
	}
	return v64
}
