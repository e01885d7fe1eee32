package backend

import (
	"encoding/binary"
	"fmt"
	"math"
)

type (
	// CodeOffset is an offset in the code buffer.
	CodeOffset = uint32

	// MachLabel is a position in the code which may not be known yet.
	// Labels 0..n-1 are reserved for the n basic blocks of the function being emitted.
	MachLabel uint32

	// LabelUse describes how an instruction refers to a label, so that the buffer can
	// check reachability, patch the reference, and route it through a veneer when needed.
	LabelUse interface {
		fmt.Stringer
		// MaxPosRange is the maximum forward distance from the use to the label.
		MaxPosRange() CodeOffset
		// MaxNegRange is the maximum backward distance from the use to the label.
		MaxNegRange() CodeOffset
		// PatchSize is the number of bytes patched at the use offset.
		PatchSize() CodeOffset
		// Patch rewrites buf, which starts at useOffset, to refer to labelOffset.
		Patch(buf []byte, useOffset, labelOffset CodeOffset)
		// SupportsVeneer returns true if the use can be extended through a veneer.
		SupportsVeneer() bool
		// VeneerSize is the size of the veneer.
		VeneerSize() CodeOffset
		// GenerateVeneer writes the veneer into buf, which starts at veneerOffset, and returns
		// the offset and kind of the new label reference held by the veneer.
		GenerateVeneer(buf []byte, veneerOffset CodeOffset) (useOffset CodeOffset, use LabelUse)
	}

	// MachBuffer accumulates the machine code of one function and its metadata.
	// Everything is appended in increasing offset order.
	MachBuffer struct {
		data         []byte
		labelOffsets []CodeOffset
		fixups       []labelFixup
		constants    []pendingConstant

		// islandDeadline is the smallest offset by which pending references must be resolved.
		islandDeadline uint64
		// islandWorstCaseSize is the maximum size of the island if emitted now.
		islandWorstCaseSize uint64
		islands             int

		srclocs      []MachSrcLoc
		curSrcLoc    SourceLoc
		curSrcStart  CodeOffset
		srclocOpened bool

		relocs    []MachReloc
		traps     []MachTrap
		stackMaps []MachStackMap
	}

	labelFixup struct {
		label  MachLabel
		offset CodeOffset
		use    LabelUse
	}

	pendingConstant struct {
		label MachLabel
		align CodeOffset
		data  []byte
	}

	// MachSrcLoc maps the code range [Start, End) to a source location.
	MachSrcLoc struct {
		Start, End CodeOffset
		Loc        SourceLoc
	}

	// RelocKind is the kind of a relocation.
	RelocKind byte

	// MachReloc is a reference to an external symbol that the linker must resolve.
	MachReloc struct {
		Offset CodeOffset
		Kind   RelocKind
		Name   string
		Addend int64
	}

	// TrapCode identifies the reason of a trap.
	TrapCode uint32

	// MachTrap records an instruction that may trap.
	MachTrap struct {
		Offset CodeOffset
		Code   TrapCode
	}

	// MachStackMap is the stack map of the safepoint instruction at [Offset, Offset+Size).
	MachStackMap struct {
		Offset, Size CodeOffset
		StackMap     *StackMap
	}

	// MachBufferFinalized is the result of emitting a function.
	MachBufferFinalized struct {
		Data      []byte
		SrcLocs   []MachSrcLoc
		Relocs    []MachReloc
		Traps     []MachTrap
		StackMaps []MachStackMap
		// Islands is the number of islands emitted in the middle of the code.
		Islands int
	}
)

const (
	// MachLabelInvalid is the absence of a label.
	MachLabelInvalid MachLabel = math.MaxUint32

	labelOffsetUnknown CodeOffset = math.MaxUint32
	noDeadline         uint64     = math.MaxUint64
)

const (
	// RelocKindCall26 is a 26-bit PC-relative call.
	RelocKindCall26 RelocKind = iota
	// RelocKindAbs8 is an absolute 64-bit address.
	RelocKindAbs8
)

// String implements fmt.Stringer.
func (k RelocKind) String() string {
	switch k {
	case RelocKindCall26:
		return "Call26"
	case RelocKindAbs8:
		return "Abs8"
	default:
		return fmt.Sprintf("RelocKind(%d)", byte(k))
	}
}

// MachLabelFromBlock returns the label reserved for the block.
func MachLabelFromBlock(b BlockIndex) MachLabel {
	return MachLabel(b)
}

// String implements fmt.Stringer.
func (l MachLabel) String() string {
	if l == MachLabelInvalid {
		return "L_invalid"
	}
	return fmt.Sprintf("L%d", l)
}

// NewMachBuffer returns an empty MachBuffer.
func NewMachBuffer() *MachBuffer {
	return &MachBuffer{islandDeadline: noDeadline}
}

// CurOffset returns the offset at which the next byte will be written.
func (b *MachBuffer) CurOffset() CodeOffset {
	return CodeOffset(len(b.data))
}

// Put1 appends a byte.
func (b *MachBuffer) Put1(v byte) {
	b.data = append(b.data, v)
}

// Put4 appends a little-endian 32-bit word.
func (b *MachBuffer) Put4(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

// Put8 appends a little-endian 64-bit word.
func (b *MachBuffer) Put8(v uint64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

// PutData appends raw bytes.
func (b *MachBuffer) PutData(data []byte) {
	b.data = append(b.data, data...)
}

// ReserveLabelsForBlocks reserves the labels 0..n-1 for the n blocks of the function.
func (b *MachBuffer) ReserveLabelsForBlocks(n int) {
	if len(b.labelOffsets) != 0 {
		panic("BUG: block labels must be reserved before any other label")
	}
	b.labelOffsets = make([]CodeOffset, n)
	for i := range b.labelOffsets {
		b.labelOffsets[i] = labelOffsetUnknown
	}
}

// GetLabel allocates a new unbound label.
func (b *MachBuffer) GetLabel() MachLabel {
	b.labelOffsets = append(b.labelOffsets, labelOffsetUnknown)
	return MachLabel(len(b.labelOffsets) - 1)
}

// BindLabel binds the label to the current offset.
func (b *MachBuffer) BindLabel(l MachLabel) {
	if b.labelOffsets[l] != labelOffsetUnknown {
		panic(fmt.Sprintf("BUG: %s is bound twice", l))
	}
	b.labelOffsets[l] = b.CurOffset()
}

// LabelOffset returns the offset the label is bound to, if any.
func (b *MachBuffer) LabelOffset(l MachLabel) (CodeOffset, bool) {
	off := b.labelOffsets[l]
	return off, off != labelOffsetUnknown
}

// UseLabelAtOffset records that the bytes at offset refer to the label in the way described by use.
// The reference is patched once the label is bound and an island or Finish resolves it.
func (b *MachBuffer) UseLabelAtOffset(offset CodeOffset, l MachLabel, use LabelUse) {
	b.fixups = append(b.fixups, labelFixup{label: l, offset: offset, use: use})
	if deadline := uint64(offset) + uint64(use.MaxPosRange()); deadline < b.islandDeadline {
		b.islandDeadline = deadline
	}
	if use.SupportsVeneer() {
		b.islandWorstCaseSize += uint64(use.VeneerSize())
	}
}

// DeferConstant schedules the data to be placed in the next island, aligned to align,
// with the label bound to its first byte.
func (b *MachBuffer) DeferConstant(l MachLabel, align CodeOffset, data []byte) {
	b.constants = append(b.constants, pendingConstant{label: l, align: align, data: data})
	b.islandWorstCaseSize += uint64(len(data)) + uint64(align)
}

// IslandNeeded returns true if emitting `distance` more bytes before the next island could
// leave a pending label reference out of range.
func (b *MachBuffer) IslandNeeded(distance CodeOffset) bool {
	if len(b.fixups) == 0 && len(b.constants) == 0 {
		return false
	}
	return uint64(b.CurOffset())+uint64(distance)+b.islandWorstCaseSize > b.islandDeadline
}

// EmitIsland places the pending constants at the current offset, resolves the references
// to already bound labels, and routes the references that could not reach their label
// within `distance` more bytes through veneers.
func (b *MachBuffer) EmitIsland(distance CodeOffset) {
	b.islands++
	b.emitConstants()

	fixups := b.fixups
	b.fixups = nil
	b.islandDeadline = noDeadline
	b.islandWorstCaseSize = 0

	for _, f := range fixups {
		if _, ok := b.LabelOffset(f.label); ok {
			b.resolve(f)
			continue
		}
		deadline := uint64(f.offset) + uint64(f.use.MaxPosRange())
		if !f.use.SupportsVeneer() || deadline > uint64(b.CurOffset())+uint64(distance)+uint64(f.use.VeneerSize())*uint64(len(fixups)) {
			b.UseLabelAtOffset(f.offset, f.label, f.use)
			continue
		}
		b.emitVeneer(f)
	}
}

func (b *MachBuffer) emitVeneer(f labelFixup) {
	veneerOffset := b.CurOffset()
	size := f.use.VeneerSize()
	b.data = append(b.data, make([]byte, size)...)
	b.patch(f, veneerOffset)
	useOffset, use := f.use.GenerateVeneer(b.data[veneerOffset:veneerOffset+size], veneerOffset)
	b.UseLabelAtOffset(useOffset, f.label, use)
}

func (b *MachBuffer) emitConstants() {
	for _, c := range b.constants {
		for c.align > 1 && b.CurOffset()%c.align != 0 {
			b.Put1(0)
		}
		b.BindLabel(c.label)
		b.PutData(c.data)
	}
	b.constants = b.constants[:0]
}

func (b *MachBuffer) resolve(f labelFixup) {
	labelOffset, ok := b.LabelOffset(f.label)
	if !ok {
		panic(fmt.Sprintf("BUG: %s is never bound", f.label))
	}
	b.patch(f, labelOffset)
}

func (b *MachBuffer) patch(f labelFixup, target CodeOffset) {
	if target >= f.offset {
		if target-f.offset > f.use.MaxPosRange() {
			panic(fmt.Sprintf("BUG: %s at %#x cannot reach %#x", f.use, f.offset, target))
		}
	} else if f.offset-target > f.use.MaxNegRange() {
		panic(fmt.Sprintf("BUG: %s at %#x cannot reach %#x", f.use, f.offset, target))
	}
	f.use.Patch(b.data[f.offset:f.offset+f.use.PatchSize()], f.offset, target)
}

// StartSrcLoc opens a source location range at the current offset.
func (b *MachBuffer) StartSrcLoc(loc SourceLoc) {
	if b.srclocOpened {
		panic("BUG: source location range is already open")
	}
	b.curSrcLoc, b.curSrcStart, b.srclocOpened = loc, b.CurOffset(), true
}

// EndSrcLoc closes the open source location range at the current offset.
func (b *MachBuffer) EndSrcLoc() {
	if !b.srclocOpened {
		panic("BUG: no source location range is open")
	}
	b.srclocOpened = false
	if end := b.CurOffset(); end > b.curSrcStart {
		b.srclocs = append(b.srclocs, MachSrcLoc{Start: b.curSrcStart, End: end, Loc: b.curSrcLoc})
	}
}

// AddReloc records a relocation at the current offset.
func (b *MachBuffer) AddReloc(kind RelocKind, name string, addend int64) {
	b.relocs = append(b.relocs, MachReloc{Offset: b.CurOffset(), Kind: kind, Name: name, Addend: addend})
}

// AddTrap records a trap at the current offset.
func (b *MachBuffer) AddTrap(code TrapCode) {
	b.traps = append(b.traps, MachTrap{Offset: b.CurOffset(), Code: code})
}

// AddStackMap records the stack map of the instruction of `size` bytes starting at the current offset.
func (b *MachBuffer) AddStackMap(size CodeOffset, sm *StackMap) {
	b.stackMaps = append(b.stackMaps, MachStackMap{Offset: b.CurOffset(), Size: size, StackMap: sm})
}

// Finish places the pending constants, resolves every label reference and returns the result.
// All the labels referred to must be bound at this point.
func (b *MachBuffer) Finish() *MachBufferFinalized {
	if b.srclocOpened {
		panic("BUG: source location range is left open")
	}
	b.emitConstants()
	for _, f := range b.fixups {
		b.resolve(f)
	}
	b.fixups = nil
	return &MachBufferFinalized{
		Data:      b.data,
		SrcLocs:   b.srclocs,
		Relocs:    b.relocs,
		Traps:     b.traps,
		StackMaps: b.stackMaps,
		Islands:   b.islands,
	}
}
