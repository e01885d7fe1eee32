package backend

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// testInst is a toy target instruction. Every instruction is a single 4-byte word except
// nop0 which encodes to nothing and cbr which is two branch words.
type testInst struct {
	op         string
	defs, uses []regalloc.VReg
	targets    []MachLabel
	slot       regalloc.SpillSlot
}

var testOpWords = map[string]uint32{
	"prologue": 0x01, "epilogue": 0x02, "ret": 0x03, "nop": 0x04,
	"def": 0x10, "use": 0x11, "mov": 0x12, "spill": 0x14, "reload": 0x15, "call": 0x16,
}

func (i testInst) String() string {
	var sb strings.Builder
	sb.WriteString(i.op)
	for _, d := range i.defs {
		fmt.Fprintf(&sb, " %s", d)
	}
	if len(i.uses) > 0 {
		sb.WriteString(" <-")
		for _, u := range i.uses {
			fmt.Fprintf(&sb, " %s", u)
		}
	}
	for _, l := range i.targets {
		fmt.Fprintf(&sb, " %s", l)
	}
	if i.op == "spill" || i.op == "reload" {
		fmt.Fprintf(&sb, " slot%d", i.slot)
	}
	return sb.String()
}

func (i testInst) Terminator() MachTerminator {
	switch i.op {
	case "ret":
		return RetTerminator
	case "br":
		return UncondTerminator(i.targets[0])
	case "cbr":
		return CondTerminator(i.targets[0], i.targets[1])
	case "jt":
		return IndirectTerminator(i.targets...)
	default:
		return NoTerminator
	}
}

func (i testInst) IsMove() (dst, src regalloc.VReg, ok bool) {
	if i.op != "mov" {
		return regalloc.VRegInvalid, regalloc.VRegInvalid, false
	}
	return i.defs[0], i.uses[0], true
}

func (i testInst) RegUsage(c *regalloc.RegUsageCollector) {
	c.AddUse(i.uses...)
	c.AddDef(i.defs...)
}

func (i testInst) MapRegs(m regalloc.RegMapper) testInst {
	mapped := i
	mapped.defs = make([]regalloc.VReg, len(i.defs))
	for j, d := range i.defs {
		mapped.defs[j] = m.MapDef(d)
	}
	mapped.uses = make([]regalloc.VReg, len(i.uses))
	for j, u := range i.uses {
		mapped.uses[j] = m.MapUse(u)
	}
	return mapped
}

func (i testInst) Emit(buf *MachBuffer, _ *Flags, s EmitState) {
	state := s.(*testEmitState)
	switch i.op {
	case "nop0":
		return
	case "br", "cbr", "jt":
		for _, l := range i.targets {
			off := buf.CurOffset()
			buf.Put4(0)
			buf.UseLabelAtOffset(off, l, testLabelUseShort)
		}
		return
	case "call":
		if state.pending != nil {
			buf.AddStackMap(4, state.pending)
			state.pending = nil
		}
	}
	word, ok := testOpWords[i.op]
	if !ok {
		panic(i.op)
	}
	word <<= 24
	var reg regalloc.VReg = regalloc.VRegInvalid
	if len(i.defs) > 0 {
		reg = i.defs[0]
	} else if len(i.uses) > 0 {
		reg = i.uses[0]
	}
	if reg != regalloc.VRegInvalid {
		if !reg.IsRealReg() {
			panic("BUG: " + reg.String() + " is not allocated")
		}
		word |= uint32(reg.RealReg()) << 8
	}
	buf.Put4(word | uint32(i.slot))
}

func (testInst) WorstCaseSize() CodeOffset { return 8 }

func (testInst) GenNop(CodeOffset) testInst { return testInst{op: "nop"} }

func (testInst) GenZeroLenNop() testInst { return testInst{op: "nop0"} }

func (testInst) GenMove(dst, src regalloc.VReg, _ ssa.Type) testInst {
	return testInst{op: "mov", defs: []regalloc.VReg{dst}, uses: []regalloc.VReg{src}}
}

func (testInst) AlignBasicBlock(offset CodeOffset, flags *Flags) CodeOffset {
	if a := flags.BlockAlignment; a > 1 {
		return (offset + a - 1) &^ (a - 1)
	}
	return offset
}

var _ MachInst[testInst] = testInst{}

// testLabelUse patches the whole word with a tag and the absolute target offset.
type testLabelUse struct {
	tag      uint32
	posRange CodeOffset
	veneer   bool
}

var (
	testLabelUseShort = testLabelUse{tag: 0xb0000000, posRange: 64, veneer: true}
	testLabelUseLong  = testLabelUse{tag: 0xc0000000, posRange: 1 << 20}
)

func (u testLabelUse) String() string {
	if u.veneer {
		return "short"
	}
	return "long"
}

func (u testLabelUse) MaxPosRange() CodeOffset { return u.posRange }
func (u testLabelUse) MaxNegRange() CodeOffset { return 1 << 20 }
func (u testLabelUse) PatchSize() CodeOffset { return 4 }
func (u testLabelUse) SupportsVeneer() bool { return u.veneer }
func (u testLabelUse) VeneerSize() CodeOffset { return 4 }

func (u testLabelUse) Patch(buf []byte, _, labelOffset CodeOffset) {
	binary.LittleEndian.PutUint32(buf, u.tag|labelOffset)
}

func (u testLabelUse) GenerateVeneer(buf []byte, veneerOffset CodeOffset) (CodeOffset, LabelUse) {
	binary.LittleEndian.PutUint32(buf, testLabelUseLong.tag)
	return veneerOffset, testLabelUseLong
}

type testEmitState struct {
	pending *StackMap
}

func (s *testEmitState) PreSafepoint(sm *StackMap) { s.pending = sm }

// testABI keeps a frame record-less frame of spill slots followed by the clobbered registers.
type testABI struct {
	flags             *Flags
	liveIns, liveOuts regalloc.RegSet
	numSpillSlots     int
	clobbered         regalloc.RegSet
}

func newTestABI(flags *Flags) *testABI {
	return &testABI{flags: flags}
}

func (a *testABI) Flags() *Flags { return a.flags }
func (a *testABI) LiveIns() regalloc.RegSet { return a.liveIns }
func (a *testABI) LiveOuts() regalloc.RegSet { return a.liveOuts }
func (a *testABI) StackArgsSize() uint32 { return 0 }
func (a *testABI) RefTypeRegClass() regalloc.RegType { return regalloc.RegTypeInt }
func (a *testABI) SetNumSpillslots(n int) { a.numSpillSlots = n }
func (a *testABI) SetClobbered(regs regalloc.RegSet) { a.clobbered = regs }
func (a *testABI) NewEmitState() EmitState { return &testEmitState{} }
func (a *testABI) GenPrologue() []testInst { return []testInst{{op: "prologue"}} }
func (a *testABI) GenEpilogue() []testInst { return []testInst{{op: "epilogue"}, {op: "ret"}} }
func (a *testABI) GetSpillslotSize(regalloc.RegType, ssa.Type) uint32 { return 1 }

func (a *testABI) FrameSize() uint32 {
	return uint32(a.numSpillSlots+a.clobbered.Len()) * 8
}

func (a *testABI) GenSpill(slot regalloc.SpillSlot, from regalloc.VReg, _ ssa.Type) testInst {
	return testInst{op: "spill", uses: []regalloc.VReg{from}, slot: slot}
}

func (a *testABI) GenReload(to regalloc.VReg, slot regalloc.SpillSlot, _ ssa.Type) testInst {
	return testInst{op: "reload", defs: []regalloc.VReg{to}, slot: slot}
}

func (a *testABI) SpillslotsToStackMap(slots []regalloc.SpillSlot, _ EmitState) *StackMap {
	words := make([]uint32, len(slots))
	for i, s := range slots {
		words[i] = uint32(s)
	}
	return NewStackMap(a.FrameSize()/8, words...)
}

var _ ABICallee[testInst] = (*testABI)(nil)

var _ regalloc.Function[testInst] = (*VCode[testInst])(nil)

func testRegInfo() *regalloc.RegInfo {
	return &regalloc.RegInfo{
		AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{regalloc.RegTypeInt: {1, 2, 3, 4}},
		ScratchRegisters:     [regalloc.NumRegType][]regalloc.RealReg{regalloc.RegTypeInt: {10, 11}},
		CalleeSavedRegisters: regalloc.NewRegSet(4),
	}
}

func vreg(id regalloc.VRegID) regalloc.VReg {
	return regalloc.VReg(id).SetRegType(regalloc.RegTypeInt)
}

func rreg(r regalloc.RealReg) regalloc.VReg {
	return regalloc.FromRealReg(r, regalloc.RegTypeInt)
}

func vregs(vs ...regalloc.VReg) []regalloc.VReg { return vs }

func labels(ls ...MachLabel) []MachLabel { return ls }

func codeWords(code []byte) []uint32 {
	ret := make([]uint32, len(code)/4)
	for i := range ret {
		ret[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return ret
}

// formatInsns returns the instructions of the VCode with their source locations.
func formatInsns(v *VCode[testInst]) string {
	var sb strings.Builder
	for b := 0; b < v.NumBlocks(); b++ {
		start, end := v.BlockRange(BlockIndex(b))
		fmt.Fprintf(&sb, "block %d:\n", b)
		for ix := start; ix < end; ix++ {
			fmt.Fprintf(&sb, "\t%s %s\n", v.Insn(ix), v.SrcLoc(ix))
		}
	}
	return sb.String()
}
