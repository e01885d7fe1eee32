package arm64

import (
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
)

type (
	// addressMode represents the memory operand of load and store instructions.
	addressMode struct {
		kind addressModeKind
		rn   regalloc.VReg
		// imm is the byte offset, or the spill slot for addressModeKindSpillSlot.
		imm int64
	}

	addressModeKind byte
)

const (
	// addressModeKindRegUnsignedImm12 is [rn, #imm] where imm is a multiple of 8 below 32768.
	addressModeKindRegUnsignedImm12 addressModeKind = iota
	// addressModeKindSpillSlot is a spill slot. The offset from sp is only known at emission,
	// as it depends on the outgoing argument area allocated at that point.
	addressModeKindSpillSlot
	// addressModeKindPreIndex is [rn, #imm]! which updates rn before the access.
	addressModeKindPreIndex
	// addressModeKindPostIndex is [rn], #imm which updates rn after the access.
	addressModeKindPostIndex
)

func addressModeRegImm(rn regalloc.VReg, imm int64) addressMode {
	return addressMode{kind: addressModeKindRegUnsignedImm12, rn: rn, imm: imm}
}

func addressModeSpillSlot(slot regalloc.SpillSlot) addressMode {
	return addressMode{kind: addressModeKindSpillSlot, rn: spVReg, imm: int64(slot)}
}

// usesReg returns true if the base register is an operand subject to register allocation.
func (a addressMode) usesReg() bool {
	return a.kind == addressModeKindRegUnsignedImm12
}

// offset returns the byte offset from the base register given the current outgoing argument area.
func (a addressMode) offset(spOffset int64) int64 {
	if a.kind == addressModeKindSpillSlot {
		return a.imm*8 + spOffset
	}
	return a.imm
}

// String implements fmt.Stringer.
func (a addressMode) String() string {
	base := formatVReg(a.rn)
	switch a.kind {
	case addressModeKindRegUnsignedImm12:
		if a.imm == 0 {
			return fmt.Sprintf("[%s]", base)
		}
		return fmt.Sprintf("[%s, #%#x]", base, a.imm)
	case addressModeKindSpillSlot:
		return fmt.Sprintf("[sp, slot(%d)]", a.imm)
	case addressModeKindPreIndex:
		return fmt.Sprintf("[%s, #%s]!", base, formatSigned(a.imm))
	case addressModeKindPostIndex:
		return fmt.Sprintf("[%s], #%s", base, formatSigned(a.imm))
	default:
		panic(a.kind)
	}
}

func formatSigned(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-%#x", -v)
	}
	return fmt.Sprintf("%#x", v)
}
