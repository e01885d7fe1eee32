package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
)

// labelUse is the kind of PC-relative reference an instruction makes to a backend.MachLabel.
// Every kind patches a single 32-bit instruction word.
type labelUse byte

const (
	// labelUseBranch26 is the imm26 of B and BL: +/-128MB.
	labelUseBranch26 labelUse = iota
	// labelUseBranch19 is the imm19 of B.cond, CBZ and CBNZ: +/-1MB.
	// It can be extended by a veneer made of an unconditional branch.
	labelUseBranch19
	// labelUseLdr19 is the imm19 of LDR (literal): +/-1MB.
	labelUseLdr19
)

const (
	branch26Range = 1 << 27
	branch19Range = 1 << 20
)

// String implements fmt.Stringer.
func (u labelUse) String() string {
	switch u {
	case labelUseBranch26:
		return "branch26"
	case labelUseBranch19:
		return "branch19"
	case labelUseLdr19:
		return "ldr19"
	default:
		panic(fmt.Sprintf("unknown labelUse: %d", byte(u)))
	}
}

// MaxPosRange implements backend.LabelUse.
func (u labelUse) MaxPosRange() backend.CodeOffset {
	if u == labelUseBranch26 {
		return branch26Range - 4
	}
	return branch19Range - 4
}

// MaxNegRange implements backend.LabelUse.
func (u labelUse) MaxNegRange() backend.CodeOffset {
	if u == labelUseBranch26 {
		return branch26Range
	}
	return branch19Range
}

// PatchSize implements backend.LabelUse.
func (u labelUse) PatchSize() backend.CodeOffset { return 4 }

// Patch implements backend.LabelUse.
func (u labelUse) Patch(buf []byte, useOffset, labelOffset backend.CodeOffset) {
	rel := (int64(labelOffset) - int64(useOffset)) >> 2
	word := binary.LittleEndian.Uint32(buf)
	switch u {
	case labelUseBranch26:
		word = word&^0x3ff_ffff | uint32(rel)&0x3ff_ffff
	case labelUseBranch19, labelUseLdr19:
		word = word&^(0x7ffff<<5) | (uint32(rel)&0x7ffff)<<5
	}
	binary.LittleEndian.PutUint32(buf, word)
}

// SupportsVeneer implements backend.LabelUse.
func (u labelUse) SupportsVeneer() bool { return u == labelUseBranch19 }

// VeneerSize implements backend.LabelUse.
func (u labelUse) VeneerSize() backend.CodeOffset {
	if u == labelUseBranch19 {
		return 4
	}
	return 0
}

// GenerateVeneer implements backend.LabelUse.
func (u labelUse) GenerateVeneer(buf []byte, veneerOffset backend.CodeOffset) (backend.CodeOffset, backend.LabelUse) {
	if u != labelUseBranch19 {
		panic(fmt.Sprintf("BUG: %s has no veneer", u))
	}
	binary.LittleEndian.PutUint32(buf, encodeUnconditionalBranch(false, 0))
	return veneerOffset, labelUseBranch26
}
