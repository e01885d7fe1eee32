package regalloc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	"pgregory.net/rapid"
)

type testInsn struct {
	name             string
	uses, defs, mods []VReg
	slot             SpillSlot
	ret              bool
}

func (i testInsn) String() string {
	switch i.name {
	case "spill":
		return fmt.Sprintf("spill %s -> slot%d", i.uses[0], i.slot)
	case "reload":
		return fmt.Sprintf("reload slot%d -> %s", i.slot, i.defs[0])
	}
	s := fmt.Sprintf("%s %v <- %v", i.name, i.defs, i.uses)
	if len(i.mods) > 0 {
		s += fmt.Sprintf(" mod %v", i.mods)
	}
	return s
}

// testFunction implements Function.
type testFunction struct {
	insns             []testInsn
	blocks            [][2]InstIx
	succs             [][]BlockIx
	liveIns, liveOuts RegSet
	numVRegs          int
}

func newStraightLineFunction(insns ...testInsn) *testFunction {
	return &testFunction{
		insns:    insns,
		blocks:   [][2]InstIx{{0, InstIx(len(insns))}},
		succs:    [][]BlockIx{nil},
		numVRegs: 256,
	}
}

func (f *testFunction) Insns() []testInsn { return f.insns }
func (f *testFunction) NumInsns() int { return len(f.insns) }
func (f *testFunction) GetInsn(ix InstIx) testInsn { return f.insns[ix] }
func (f *testFunction) SetInsn(ix InstIx, insn testInsn) { f.insns[ix] = insn }
func (f *testFunction) Entry() BlockIx { return 0 }
func (f *testFunction) NumBlocks() int { return len(f.blocks) }
func (f *testFunction) BlockInsns(b BlockIx) (InstIx, InstIx) { return f.blocks[b][0], f.blocks[b][1] }
func (f *testFunction) BlockSuccs(b BlockIx) []BlockIx { return f.succs[b] }
func (f *testFunction) IsRet(ix InstIx) bool { return f.insns[ix].ret }
func (f *testFunction) NumVRegs() int { return f.numVRegs }
func (f *testFunction) GenZeroLenNop() testInsn { return testInsn{name: "nop"} }
func (f *testFunction) LiveIns() RegSet { return f.liveIns.Clone() }
func (f *testFunction) LiveOuts() RegSet { return f.liveOuts.Clone() }

func (f *testFunction) GetRegUsage(insn testInsn, c *RegUsageCollector) {
	c.AddUse(insn.uses...)
	c.AddDef(insn.defs...)
	c.AddMod(insn.mods...)
}

func (f *testFunction) MapRegs(insn testInsn, m RegMapper) testInsn {
	mapped := insn
	mapped.uses = mapVRegs(insn.uses, m.MapUse)
	mapped.defs = mapVRegs(insn.defs, m.MapDef)
	mapped.mods = mapVRegs(insn.mods, m.MapMod)
	return mapped
}

func mapVRegs(vs []VReg, f func(VReg) VReg) []VReg {
	if vs == nil {
		return nil
	}
	ret := make([]VReg, len(vs))
	for i, v := range vs {
		ret[i] = f(v)
	}
	return ret
}

func (f *testFunction) IsMove(insn testInsn) (VReg, VReg, bool) {
	if insn.name != "move" {
		return VRegInvalid, VRegInvalid, false
	}
	return insn.defs[0], insn.uses[0], true
}

func (f *testFunction) GetSpillslotSize(RegType, VReg) uint32 { return 1 }

func (f *testFunction) GenSpill(slot SpillSlot, from, _ VReg) testInsn {
	return testInsn{name: "spill", uses: []VReg{from}, slot: slot}
}

func (f *testFunction) GenReload(to VReg, slot SpillSlot, _ VReg) testInsn {
	return testInsn{name: "reload", defs: []VReg{to}, slot: slot}
}

func (f *testFunction) GenMove(to, from, _ VReg) testInsn {
	return testInsn{name: "move", defs: []VReg{to}, uses: []VReg{from}}
}

var _ Function[testInsn] = (*testFunction)(nil)

func newTestRegInfo() *RegInfo {
	return &RegInfo{
		AllocatableRegisters: [NumRegType][]RealReg{
			RegTypeInt:   {10, 11, 12},
			RegTypeFloat: {40, 41},
		},
		ScratchRegisters: [NumRegType][]RealReg{
			RegTypeInt:   {20, 21, 22},
			RegTypeFloat: {50},
		},
		CalleeSavedRegisters: NewRegSet(11, 41),
	}
}

func iv(id VRegID) VReg { return VReg(id).SetRegType(RegTypeInt) }
func fv(id VRegID) VReg { return VReg(id).SetRegType(RegTypeFloat) }
func rr(r RealReg) VReg { return FromRealReg(r, RegTypeInt) }
func regs(vs ...VReg) []VReg { return vs }

func formatResult(res *Result[testInsn]) string {
	strs := make([]string, len(res.Insns))
	for i, insn := range res.Insns {
		strs[i] = insn.String()
	}
	return strings.Join(strs, "\n")
}

func TestAllocate(t *testing.T) {
	for _, tc := range []struct {
		name         string
		f            *testFunction
		exp          string
		origs        []InstIx
		clobbered    []RealReg
		numSpillSlot int
	}{
		{
			name: "registers in order of appearance",
			f: newStraightLineFunction(
				testInsn{name: "def", defs: regs(iv(128))},
				testInsn{name: "def", defs: regs(fv(129))},
				testInsn{name: "add", defs: regs(iv(130)), uses: regs(iv(128), rr(1))},
				testInsn{name: "ret", uses: regs(iv(130), fv(129)), ret: true},
			),
			exp: `
def [r10] <- []
def [r40] <- []
add [r11] <- [r10 r1]
ret [] <- [r11 r40]`,
			origs:     []InstIx{0, 1, 2, 3},
			clobbered: []RealReg{11},
		},
		{
			name: "mentioned registers are not allocated",
			f: func() *testFunction {
				f := newStraightLineFunction(
					testInsn{name: "def", defs: regs(iv(128))},
					testInsn{name: "add", defs: regs(rr(12)), uses: regs(iv(128))},
					testInsn{name: "ret", ret: true},
				)
				f.liveIns = NewRegSet(10)
				return f
			}(),
			exp: `
def [r11] <- []
add [r12] <- [r11]
ret [] <- []`,
			origs:     []InstIx{0, 1, 2},
			clobbered: []RealReg{11},
		},
		{
			name: "spilled",
			f: newStraightLineFunction(
				testInsn{name: "def", defs: regs(iv(128))},
				testInsn{name: "def", defs: regs(iv(129))},
				testInsn{name: "def", defs: regs(iv(130))},
				testInsn{name: "def", defs: regs(iv(131))},
				testInsn{name: "add", defs: regs(iv(128)), uses: regs(iv(131), iv(129))},
				testInsn{name: "inc", mods: regs(iv(131))},
				testInsn{name: "ret", ret: true},
			),
			exp: `
def [r10] <- []
def [r11] <- []
def [r12] <- []
def [r20] <- []
spill r20 -> slot0
reload slot0 -> r20
add [r10] <- [r20 r11]
reload slot0 -> r20
inc [] <- [] mod [r20]
spill r20 -> slot0
ret [] <- []`,
			origs: []InstIx{
				0, 1, 2, 3, InstIxInvalid, InstIxInvalid, 4,
				InstIxInvalid, 5, InstIxInvalid, 6,
			},
			clobbered:    []RealReg{11},
			numSpillSlot: 1,
		},
		{
			name: "written callee-saved register",
			f: newStraightLineFunction(
				testInsn{name: "def", defs: regs(rr(41))},
				testInsn{name: "ret", ret: true},
			),
			exp: `
def [r41] <- []
ret [] <- []`,
			origs:     []InstIx{0, 1},
			clobbered: []RealReg{41},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Allocate[testInsn](tc.f, newTestRegInfo(), nil)
			assert.NilError(t, err)
			assert.Equal(t, tc.exp[1:], formatResult(res))
			assert.DeepEqual(t, tc.origs, res.OrigInsnMap)
			assert.DeepEqual(t, []InstIx{0}, res.TargetMap)
			assert.DeepEqual(t, tc.clobbered, res.ClobberedRegisters.Regs())
			assert.Equal(t, tc.numSpillSlot, res.NumSpillSlots)
		})
	}
}

func TestAllocate_targetMap(t *testing.T) {
	f := &testFunction{
		insns: []testInsn{
			{name: "def", defs: regs(iv(128), iv(129), iv(130), iv(131))},
			{name: "br", uses: regs(iv(131))},
			{name: "use", uses: regs(iv(131))},
			{name: "ret", ret: true},
			{name: "ret", ret: true},
		},
		blocks:   [][2]InstIx{{0, 2}, {2, 4}, {4, 5}},
		succs:    [][]BlockIx{{1, 2}, nil, nil},
		numVRegs: 256,
	}
	res, err := Allocate[testInsn](f, newTestRegInfo(), nil)
	assert.NilError(t, err)
	assert.Equal(t, `def [r10 r11 r12 r20] <- []
spill r20 -> slot0
reload slot0 -> r20
br [] <- [r20]
reload slot0 -> r20
use [] <- [r20]
ret [] <- []
ret [] <- []`, formatResult(res))
	assert.DeepEqual(t, []InstIx{0, 4, 7}, res.TargetMap)
}

func TestAllocate_stackMaps(t *testing.T) {
	t.Run("single block", func(t *testing.T) {
		f := newStraightLineFunction(
			testInsn{name: "def", defs: regs(iv(128))},
			testInsn{name: "def", defs: regs(iv(129))},
			testInsn{name: "call", defs: regs(rr(1))},
			testInsn{name: "use", uses: regs(iv(128))},
			testInsn{name: "call", defs: regs(rr(1))},
			testInsn{name: "ret", ret: true},
		)
		req := &StackmapRequestInfo{
			RefTypeRegClass: RegTypeInt,
			ReftypedVRegs:   regs(iv(128), iv(129)),
			SafepointInsns:  []InstIx{2, 4},
		}
		res, err := Allocate[testInsn](f, newTestRegInfo(), req)
		assert.NilError(t, err)
		assert.Equal(t, `def [r20] <- []
spill r20 -> slot0
def [r20] <- []
spill r20 -> slot1
call [r1] <- []
reload slot0 -> r20
use [] <- [r20]
call [r1] <- []
ret [] <- []`, formatResult(res))
		// References are always spilled, and only v128 is live across the first call.
		assert.Equal(t, 2, res.NumSpillSlots)
		assert.DeepEqual(t, []InstIx{4, 7}, res.NewSafepointInsns)
		assert.DeepEqual(t, [][]SpillSlot{{0}, {}}, res.StackMaps)
	})

	t.Run("live across blocks", func(t *testing.T) {
		f := &testFunction{
			insns: []testInsn{
				{name: "def", defs: regs(iv(128))},
				{name: "br"},
				{name: "call", defs: regs(rr(1))},
				{name: "br"},
				{name: "use", uses: regs(iv(128))},
				{name: "ret", ret: true},
			},
			blocks:   [][2]InstIx{{0, 2}, {2, 4}, {4, 6}},
			succs:    [][]BlockIx{{1}, {2}, nil},
			numVRegs: 256,
		}
		req := &StackmapRequestInfo{ReftypedVRegs: regs(iv(128)), SafepointInsns: []InstIx{2}}
		res, err := Allocate[testInsn](f, newTestRegInfo(), req)
		assert.NilError(t, err)
		assert.DeepEqual(t, [][]SpillSlot{{0}}, res.StackMaps)
	})
}

func TestAllocate_errors(t *testing.T) {
	t.Run("out of scratch registers", func(t *testing.T) {
		info := newTestRegInfo()
		info.ScratchRegisters[RegTypeFloat] = []RealReg{50}
		f := newStraightLineFunction(
			testInsn{name: "def", defs: regs(fv(128), fv(129), fv(130), fv(131))},
			testInsn{name: "ret", ret: true},
		)
		_, err := Allocate[testInsn](f, info, nil)
		assert.Assert(t, errors.Is(err, ErrOutOfScratchRegisters))
		assert.ErrorContains(t, err, "class float")
	})
	t.Run("scratch register used as operand", func(t *testing.T) {
		f := newStraightLineFunction(
			testInsn{name: "def", defs: regs(iv(128), iv(129), iv(130), iv(131))},
			testInsn{name: "add", defs: regs(rr(20)), uses: regs(iv(131))},
			testInsn{name: "ret", ret: true},
		)
		_, err := Allocate[testInsn](f, newTestRegInfo(), nil)
		assert.ErrorContains(t, err, "scratch register r20 is also an operand of the instruction")
	})
}

// TestAllocate_preservesDataflow checks that every use in the allocated code reads the value
// written by the same definition as in the original code.
func TestAllocate_preservesDataflow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numVRegs := rapid.IntRange(1, 10).Draw(t, "vregs")
		numInsns := rapid.IntRange(1, 40).Draw(t, "insns")
		float := rapid.SliceOfN(rapid.Bool(), numVRegs, numVRegs).Draw(t, "float")
		vreg := func(i int) VReg {
			if float[i] {
				return fv(VRegID(128 + i))
			}
			return iv(VRegID(128 + i))
		}

		var insns []testInsn
		var defined []int
		for i := 0; i < numInsns; i++ {
			insn := testInsn{name: fmt.Sprintf("i%d", i)}
			if len(defined) > 0 {
				for _, u := range rapid.SliceOfN(rapid.SampledFrom(defined), 0, 2).Draw(t, "uses") {
					insn.uses = append(insn.uses, vreg(u))
				}
			}
			d := rapid.IntRange(0, numVRegs-1).Draw(t, "def")
			insn.defs = []VReg{vreg(d)}
			defined = append(defined, d)
			insns = append(insns, insn)
		}
		insns = append(insns, testInsn{name: "ret", ret: true})

		info := newTestRegInfo()
		info.ScratchRegisters[RegTypeFloat] = []RealReg{50, 51, 52}
		f := newStraightLineFunction(insns...)
		res, err := Allocate[testInsn](f, info, nil)
		if err != nil {
			t.Fatal(err)
		}

		// Values are identified by the index of the defining instruction.
		expected := make([][]int, len(insns))
		env := map[VRegID]int{}
		for i, insn := range insns {
			for _, u := range insn.uses {
				expected[i] = append(expected[i], env[u.ID()])
			}
			for _, d := range insn.defs {
				env[d.ID()] = i
			}
		}

		regsState := map[RealReg]int{}
		slots := map[SpillSlot]int{}
		for j, insn := range res.Insns {
			for _, group := range [][]VReg{insn.uses, insn.defs, insn.mods} {
				for _, v := range group {
					if !v.IsRealReg() {
						t.Fatalf("%s is not allocated in %s", v, insn)
					}
				}
			}
			orig := res.OrigInsnMap[j]
			if orig == InstIxInvalid {
				switch insn.name {
				case "spill":
					slots[insn.slot] = regsState[insn.uses[0].RealReg()]
				case "reload":
					regsState[insn.defs[0].RealReg()] = slots[insn.slot]
				default:
					t.Fatalf("unexpected inserted instruction %s", insn)
				}
				continue
			}
			for k, u := range insn.uses {
				if got := regsState[u.RealReg()]; got != expected[orig][k] {
					t.Fatalf("%s reads the value of i%d instead of i%d", insn, got, expected[orig][k])
				}
			}
			for _, d := range insn.defs {
				regsState[d.RealReg()] = int(orig)
			}
		}
	})
}
