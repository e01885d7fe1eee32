// Package ssa holds the IR-level vocabulary the backend needs to know about:
// scalar value types and the identities of IR basic blocks. It is free of any
// ISA-specific concept.
package ssa

import "fmt"

type Type byte

const (
	TypeInvalid Type = iota

	// TypeI8 represents an integer type with 8 bits.
	TypeI8

	// TypeI16 represents an integer type with 16 bits.
	TypeI16

	// TypeI32 represents an integer type with 32 bits.
	TypeI32

	// TypeI64 represents an integer type with 64 bits.
	TypeI64

	// TypeF32 represents 32-bit floats in the IEEE 754.
	TypeF32

	// TypeF64 represents 64-bit floats in the IEEE 754.
	TypeF64

	// TypeR32 represents a 32-bit reference which must be visible to the garbage collector.
	TypeR32

	// TypeR64 represents a 64-bit reference which must be visible to the garbage collector.
	TypeR64
)

// String implements fmt.Stringer.
func (t Type) String() (ret string) {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeR32:
		return "r32"
	case TypeR64:
		return "r64"
	default:
		panic(int(t))
	}
}

// IsInt returns true if the type is an integer type.
func (t Type) IsInt() bool {
	return t == TypeI8 || t == TypeI16 || t == TypeI32 || t == TypeI64
}

// IsFloat returns true if the type is a floating point type.
func (t Type) IsFloat() bool {
	return t == TypeF32 || t == TypeF64
}

// IsRef returns true if the type is a reference type tracked by stack maps.
func (t Type) IsRef() bool {
	return t == TypeR32 || t == TypeR64
}

// Bits returns the number of bits required to represent the type.
func (t Type) Bits() byte {
	switch t {
	case TypeI8:
		return 8
	case TypeI16:
		return 16
	case TypeI32, TypeF32, TypeR32:
		return 32
	case TypeI64, TypeF64, TypeR64:
		return 64
	default:
		panic(int(t))
	}
}

// Size returns the number of bytes required to represent the type.
func (t Type) Size() byte {
	return t.Bits() / 8
}

// BasicBlockID is the identity of a basic block in the IR function that was lowered.
type BasicBlockID uint32

// BasicBlockIDInvalid marks a lowered block that has no IR counterpart,
// e.g. one introduced by critical edge splitting.
const BasicBlockIDInvalid BasicBlockID = 0xffffffff

// String implements fmt.Stringer.
func (bid BasicBlockID) String() string {
	if bid == BasicBlockIDInvalid {
		return "blk_invalid"
	}
	return fmt.Sprintf("blk%d", bid)
}
