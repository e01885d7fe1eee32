package backend

import (
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"
	"pgregory.net/rapid"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

func TestVCodeBuilder_Build(t *testing.T) {
	flags := DefaultFlags()
	flags.EnableVerifier = true
	b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0, ssa.BasicBlockIDInvalid, 2))
	b.SetVRegType(vreg(128), ssa.TypeI64)
	b.SetVRegType(vreg(130), ssa.TypeR64)

	b.SetSrcLoc(5)
	b.Push(testInst{op: "def", defs: vregs(vreg(128))}, false)
	b.Push(testInst{op: "call"}, true)
	b.Push(testInst{op: "cbr", uses: vregs(vreg(128)), targets: labels(2, 1)}, false)
	b.EndBB()
	b.SetSrcLoc(6)
	b.Push(testInst{op: "br", targets: labels(2)}, false)
	b.EndBB()
	b.Push(testInst{op: "call"}, true)
	b.Push(testInst{op: "ret"}, false)
	b.EndBB()

	v, info := b.Build()
	assert.Equal(t, 3, v.NumBlocks())
	assert.Equal(t, BlockIndex(0), v.Entry())
	assert.Equal(t, 6, v.NumInsns())

	for _, tc := range []struct {
		b          BlockIndex
		start, end InsnIndex
		succs      []BlockIndex
		bb         ssa.BasicBlockID
		synth      bool
	}{
		{b: 0, start: 0, end: 3, succs: []BlockIndex{2, 1}, bb: 0},
		{b: 1, start: 3, end: 4, succs: []BlockIndex{2}, synth: true},
		{b: 2, start: 4, end: 6, bb: 2},
	} {
		start, end := v.BlockRange(tc.b)
		assert.Equal(t, tc.start, start)
		assert.Equal(t, tc.end, end)
		assert.DeepEqual(t, tc.succs, v.Succs(tc.b), cmpopts.EquateEmpty())
		bb, ok := v.BindexToBB(tc.b)
		assert.Equal(t, !tc.synth, ok)
		if ok {
			assert.Equal(t, tc.bb, bb)
		}
	}

	assert.Equal(t, SourceLoc(5), v.SrcLoc(0))
	assert.Equal(t, SourceLoc(6), v.SrcLoc(3))
	assert.Equal(t, SourceLoc(6), v.SrcLoc(5))

	assert.DeepEqual(t, []InsnIndex{1, 4}, info.SafepointInsns)
	assert.DeepEqual(t, []regalloc.VReg{vreg(130)}, info.ReftypedVRegs)
	assert.Equal(t, regalloc.RegTypeInt, info.RefTypeRegClass)
	assert.Assert(t, v.HaveRefValues())
	assert.Equal(t, ssa.TypeR64, v.VRegType(vreg(130)))
	assert.Equal(t, 131, v.NumVRegs())
	assert.Assert(t, v.IsRet(5))
	assert.Assert(t, !v.IsRet(4))
	// Before register allocation, safepoints are only known by the request.
	assert.Equal(t, 0, len(v.SafepointInsns()))

	t.Run("unset vreg type", func(t *testing.T) {
		assert.Assert(t, func() (panicked bool) {
			defer func() { panicked = recover() != nil }()
			v.VRegType(vreg(200))
			return
		}())
	})
	t.Run("jump table", func(t *testing.T) {
		b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0, 1, 2, 3))
		b.Push(testInst{op: "jt", targets: labels(3, 1, 2, 1)}, false)
		b.EndBB()
		for i := 0; i < 3; i++ {
			b.Push(testInst{op: "ret"}, false)
			b.EndBB()
		}
		v, _ := b.Build()
		// Targets keep their order and repetitions.
		assert.DeepEqual(t, []BlockIndex{3, 1, 2, 1}, v.Succs(0))
		for blk := BlockIndex(1); blk < 4; blk++ {
			assert.DeepEqual(t, []BlockIndex(nil), v.Succs(blk), cmpopts.EquateEmpty())
		}
	})
}

func TestVCodeBuilder_SetVRegType(t *testing.T) {
	b := NewVCodeBuilder[testInst](newTestABI(DefaultFlags()), NewBlockOrder(0))
	b.SetVRegType(vreg(128), ssa.TypeR64)
	b.SetVRegType(vreg(129), ssa.TypeR64)
	b.SetVRegType(vreg(128), ssa.TypeR64)
	b.SetVRegType(vreg(130), ssa.TypeI64)
	b.SetVRegType(vreg(129), ssa.TypeI64)
	b.Push(testInst{op: "ret"}, false)
	b.EndBB()

	v, info := b.Build()
	assert.DeepEqual(t, []regalloc.VReg{vreg(128)}, info.ReftypedVRegs)
	assert.Equal(t, ssa.TypeI64, v.VRegType(vreg(129)))
	assert.Assert(t, v.HaveRefValues())

	t.Run("retyped away", func(t *testing.T) {
		b := NewVCodeBuilder[testInst](newTestABI(DefaultFlags()), NewBlockOrder(0))
		b.SetVRegType(vreg(128), ssa.TypeR64)
		b.SetVRegType(vreg(128), ssa.TypeI32)
		b.Push(testInst{op: "ret"}, false)
		b.EndBB()

		v, info := b.Build()
		assert.Equal(t, 0, len(info.ReftypedVRegs))
		assert.Assert(t, !v.HaveRefValues())
	})
}

func TestVCodeBuilder_Build_panics(t *testing.T) {
	flags := DefaultFlags()
	flags.EnableVerifier = true

	t.Run("open block", func(t *testing.T) {
		b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0))
		b.Push(testInst{op: "ret"}, false)
		assertPanics(t, "BUG: instructions pushed after the last EndBB", func() { b.Build() })
	})
	t.Run("successor out of range", func(t *testing.T) {
		b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0))
		b.Push(testInst{op: "br", targets: labels(5)}, false)
		b.EndBB()
		assertPanics(t, "BUG: successor block 5 out of range", func() { b.Build() })
	})
}

func assertPanics(t *testing.T, msg string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		assert.Assert(t, r != nil, "no panic")
		assert.Equal(t, msg, r)
	}()
	f()
}

// buildCallScenario returns a two-block VCode: the entry defines a value, copies it, calls and
// jumps to the second block which uses the copy and returns.
func buildCallScenario(flags *Flags) (*VCode[testInst], *regalloc.StackmapRequestInfo) {
	b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0, 1))
	b.SetVRegType(vreg(128), ssa.TypeR64)
	b.SetVRegType(vreg(129), ssa.TypeR64)
	b.SetSrcLoc(1)
	b.Push(testInst{op: "def", defs: vregs(vreg(128))}, false)
	b.SetSrcLoc(2)
	b.Push(testInst{op: "mov", defs: vregs(vreg(129)), uses: vregs(vreg(128))}, false)
	b.SetSrcLoc(3)
	b.Push(testInst{op: "call"}, true)
	b.Push(testInst{op: "br", targets: labels(1)}, false)
	b.EndBB()
	b.SetSrcLoc(4)
	b.Push(testInst{op: "use", uses: vregs(vreg(129))}, false)
	b.Push(testInst{op: "ret"}, false)
	b.EndBB()
	return b.Build()
}

// callScenarioResult is an allocation of buildCallScenario where both values share r1,
// with a spill inserted after the definition.
func callScenarioResult() *regalloc.Result[testInst] {
	return &regalloc.Result[testInst]{
		Insns: []testInst{
			{op: "def", defs: vregs(rreg(1))},
			{op: "spill", uses: vregs(rreg(1)), slot: 0},
			{op: "mov", defs: vregs(rreg(1)), uses: vregs(rreg(1))},
			{op: "call"},
			{op: "br", targets: labels(1)},
			{op: "use", uses: vregs(rreg(1))},
			{op: "ret"},
		},
		TargetMap:         []regalloc.InstIx{0, 5},
		OrigInsnMap:       []regalloc.InstIx{0, regalloc.InstIxInvalid, 1, 2, 3, 4, 5},
		NumSpillSlots:     1,
		NewSafepointInsns: []regalloc.InstIx{3},
		StackMaps:         [][]regalloc.SpillSlot{{0}},
	}
}

func TestVCode_ReplaceInsnsFromRegalloc(t *testing.T) {
	flags := DefaultFlags()
	flags.EnableVerifier = true
	v, _ := buildCallScenario(flags)
	v.ReplaceInsnsFromRegalloc(callScenarioResult())

	assert.Equal(t, `block 0:
	prologue @-
	def r1 @0x1
	spill <- r1 slot0 @-
	call @0x3
	br L1 @0x3
block 1:
	use <- r1 @0x4
	epilogue @0x4
	ret @0x4
`, formatInsns(v))
	assert.DeepEqual(t, []InsnIndex{3}, v.SafepointInsns())
	assert.DeepEqual(t, []regalloc.SpillSlot{0}, v.SafepointSlots(0))
	assert.Equal(t, uint32(8), v.FrameSize())

	assertPanics(t, "BUG: ReplaceInsnsFromRegalloc is called twice", func() {
		v.ReplaceInsnsFromRegalloc(callScenarioResult())
	})

	t.Run("elided safepoint", func(t *testing.T) {
		v, _ := buildCallScenario(flags)
		res := callScenarioResult()
		res.NewSafepointInsns = []regalloc.InstIx{2}
		assertPanics(t, "BUG: safepoint 2 is an elided move", func() { v.ReplaceInsnsFromRegalloc(res) })
	})
	t.Run("target map", func(t *testing.T) {
		v, _ := buildCallScenario(flags)
		res := callScenarioResult()
		res.TargetMap = res.TargetMap[:1]
		assertPanics(t, "BUG: target map has 1 entries for 2 blocks", func() { v.ReplaceInsnsFromRegalloc(res) })

		v, _ = buildCallScenario(flags)
		res = callScenarioResult()
		res.TargetMap = []regalloc.InstIx{1, 5}
		assertPanics(t, "BUG: first block starts at allocated instruction 1 instead of 0", func() { v.ReplaceInsnsFromRegalloc(res) })

		v, _ = buildCallScenario(flags)
		res = callScenarioResult()
		res.TargetMap = []regalloc.InstIx{0, 8}
		assertPanics(t, "BUG: target map entry 8 of block 1 is out of order", func() { v.ReplaceInsnsFromRegalloc(res) })
	})
}

func TestVCode_Emit(t *testing.T) {
	v, _ := buildCallScenario(DefaultFlags())
	assertPanics(t, "BUG: Emit before ReplaceInsnsFromRegalloc", func() { v.Emit() })

	v.ReplaceInsnsFromRegalloc(callScenarioResult())
	code := v.Emit()
	assert.DeepEqual(t, []uint32{
		0x01000000, // prologue
		0x10000100, // def r1
		0x14000100, // spill r1
		0x16000000, // call
		0xb0000014, // br L1
		0x11000100, // use r1
		0x02000000, // epilogue
		0x03000000, // ret
	}, codeWords(code.Data))
	// The prologue at 0 and the spill at 8 have the default location and no range.
	assert.DeepEqual(t, []MachSrcLoc{
		{Start: 4, End: 8, Loc: 1},
		{Start: 12, End: 20, Loc: 3},
		{Start: 20, End: 32, Loc: 4},
	}, code.SrcLocs)
	assert.Equal(t, 1, len(code.StackMaps))
	assert.Equal(t, CodeOffset(12), code.StackMaps[0].Offset)
	assert.Equal(t, CodeOffset(4), code.StackMaps[0].Size)
	assert.Equal(t, uint32(1), code.StackMaps[0].StackMap.MappedWords())
	assert.DeepEqual(t, []uint32{0}, code.StackMaps[0].StackMap.RefWords())
	assert.Equal(t, 0, code.Islands)

	// Emission does not mutate the VCode.
	again := v.Emit()
	assert.DeepEqual(t, code.Data, again.Data)
	assert.DeepEqual(t, code.SrcLocs, again.SrcLocs)
}

// allocate runs the reference allocator and installs its result.
func allocate(t *testing.T, v *VCode[testInst], info *regalloc.StackmapRequestInfo) {
	t.Helper()
	res, err := regalloc.Allocate[testInst](v, testRegInfo(), info)
	assert.NilError(t, err)
	v.ReplaceInsnsFromRegalloc(res)
}

func TestVCode_Emit_island(t *testing.T) {
	// After the entry block the buffer is at 8 and the branch at 4 must be resolved before 68.
	// The next block holds defs plus its branch, each reserving 8 bytes, and the branch
	// reserves 4 more for a veneer.
	for _, tc := range []struct {
		name    string
		defs    int
		islands int
		// head is the code emitted before the defs of the second block.
		head []uint32
		tail uint32
	}{
		// 8 + 7*8 + 4 == 68 still fits.
		{name: "at deadline", defs: 6, head: []uint32{0x01000000, 0xb0000024}, tail: 0xb0000024},
		// 8 + 8*8 + 4 == 76 goes past.
		{name: "past deadline", defs: 7, islands: 1, head: []uint32{0x01000000, 0xb0000008, 0xc000002c}, tail: 0xb000002c},
		{name: "far past deadline", defs: 10, islands: 1, head: []uint32{0x01000000, 0xb0000008, 0xc0000038}, tail: 0xb0000038},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := NewVCodeBuilder[testInst](newTestABI(DefaultFlags()), NewBlockOrder(0, 1, 2))
			b.Push(testInst{op: "br", targets: labels(2)}, false)
			b.EndBB()
			for i := 0; i < tc.defs; i++ {
				b.Push(testInst{op: "def", defs: vregs(rreg(1))}, false)
			}
			b.Push(testInst{op: "br", targets: labels(2)}, false)
			b.EndBB()
			b.Push(testInst{op: "ret"}, false)
			b.EndBB()
			v, info := b.Build()
			allocate(t, v, info)

			code := v.Emit()
			exp := append([]uint32{}, tc.head...)
			for i := 0; i < tc.defs; i++ {
				exp = append(exp, 0x10000100)
			}
			exp = append(exp, tc.tail, 0x02000000, 0x03000000)
			assert.DeepEqual(t, exp, codeWords(code.Data))
			assert.Equal(t, tc.islands, code.Islands)
		})
	}
}

// TestVCode_Emit_branchRange emits random block layouts and checks that every short
// branch lands within its range, directly or through a veneer.
func TestVCode_Emit_branchRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numBlocks := rapid.IntRange(1, 8).Draw(t, "blocks")
		order := NewBlockOrder()
		for i := 0; i < numBlocks; i++ {
			order.Append(ssa.BasicBlockID(i))
		}
		b := NewVCodeBuilder[testInst](newTestABI(DefaultFlags()), order)
		block := func() MachLabel { return MachLabel(rapid.IntRange(0, numBlocks-1).Draw(t, "target")) }
		for blk := 0; blk < numBlocks; blk++ {
			for n := rapid.IntRange(0, 24).Draw(t, "defs"); n > 0; n-- {
				b.Push(testInst{op: "def", defs: vregs(rreg(1))}, false)
			}
			var term testInst
			switch rapid.IntRange(0, 3).Draw(t, "term") {
			case 0:
				term = testInst{op: "ret"}
			case 1:
				term = testInst{op: "br", targets: labels(block())}
			case 2:
				term = testInst{op: "cbr", targets: labels(block(), block())}
			case 3:
				// Two targets keep the table within the worst case size of one instruction.
				term = testInst{op: "jt", targets: labels(block(), block())}
			}
			b.Push(term, false)
			b.EndBB()
		}
		v, info := b.Build()
		res, err := regalloc.Allocate[testInst](v, testRegInfo(), info)
		assert.NilError(t, err)
		v.ReplaceInsnsFromRegalloc(res)

		code := v.Emit()
		for i, w := range codeWords(code.Data) {
			if w>>24 != 0xb0 {
				continue
			}
			at, target := uint32(i*4), w&0x00ffffff
			assert.Assert(t, target < uint32(len(code.Data)), "branch at %#x to %#x", at, target)
			if target > at {
				assert.Assert(t, target-at <= 64, "branch at %#x to %#x", at, target)
			}
		}
	})
}

func TestVCode_Emit_blockAlignment(t *testing.T) {
	flags := DefaultFlags()
	flags.BlockAlignment = 16
	b := NewVCodeBuilder[testInst](newTestABI(flags), NewBlockOrder(0, 1))
	b.Push(testInst{op: "br", targets: labels(1)}, false)
	b.EndBB()
	b.Push(testInst{op: "ret"}, false)
	b.EndBB()
	v, info := b.Build()
	allocate(t, v, info)

	code := v.Emit()
	assert.DeepEqual(t, []uint32{0x01000000, 0xb0000010, 0x04000000, 0x04000000, 0x02000000, 0x03000000}, codeWords(code.Data))
}

func TestVCode_pipeline(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		flags := DefaultFlags()
		flags.EnableVerifier = true
		flags.EnableSafepoints = rapid.Bool().Draw(t, "safepoints")
		numBlocks := rapid.IntRange(1, 6).Draw(t, "blocks")
		order := NewBlockOrder()
		for i := 0; i < numBlocks; i++ {
			order.Append(ssa.BasicBlockID(i))
		}
		b := NewVCodeBuilder[testInst](newTestABI(flags), order)

		pool := make([]regalloc.VReg, rapid.IntRange(1, 8).Draw(t, "vregs"))
		for i := range pool {
			pool[i] = vreg(regalloc.VRegID(128 + i))
			typ := ssa.TypeI64
			if rapid.Bool().Draw(t, "ref") {
				typ = ssa.TypeR64
			}
			b.SetVRegType(pool[i], typ)
		}
		pick := func() regalloc.VReg { return rapid.SampledFrom(pool).Draw(t, "vreg") }
		block := func() MachLabel { return MachLabel(rapid.IntRange(0, numBlocks-1).Draw(t, "target")) }

		var numCalls, numRets int
		succs := make([][]BlockIndex, numBlocks)
		for blk := 0; blk < numBlocks; blk++ {
			for n := rapid.IntRange(0, 6).Draw(t, "insts"); n > 0; n-- {
				b.SetSrcLoc(SourceLoc(rapid.IntRange(0, 3).Draw(t, "loc")))
				switch rapid.IntRange(0, 3).Draw(t, "op") {
				case 0:
					b.Push(testInst{op: "def", defs: vregs(pick())}, false)
				case 1:
					b.Push(testInst{op: "use", uses: vregs(pick(), pick())}, false)
				case 2:
					b.Push(testInst{op: "mov", defs: vregs(pick()), uses: vregs(pick())}, false)
				case 3:
					b.Push(testInst{op: "call"}, flags.EnableSafepoints)
					numCalls++
				}
			}
			var term testInst
			switch rapid.IntRange(0, 2).Draw(t, "term") {
			case 0:
				term = testInst{op: "ret", uses: vregs(pick())}
				numRets++
			case 1:
				term = testInst{op: "br", targets: labels(block())}
			case 2:
				term = testInst{op: "cbr", uses: vregs(pick()), targets: labels(block(), block())}
			}
			for _, l := range term.targets {
				succs[blk] = append(succs[blk], BlockIndex(l))
			}
			b.Push(term, false)
			b.EndBB()
		}

		v, info := b.Build()
		for blk := 0; blk < numBlocks; blk++ {
			assert.DeepEqual(t, succs[blk], v.Succs(BlockIndex(blk)), cmpopts.EquateEmpty())
		}
		if flags.EnableSafepoints {
			assert.Equal(t, numCalls, len(info.SafepointInsns))
		}

		res, err := regalloc.Allocate[testInst](v, testRegInfo(), info)
		assert.NilError(t, err)
		v.ReplaceInsnsFromRegalloc(res)

		var next InsnIndex
		var rets int
		for blk := 0; blk < numBlocks; blk++ {
			start, end := v.BlockRange(BlockIndex(blk))
			assert.Equal(t, next, start)
			assert.Assert(t, end > start)
			next = end
			for ix := start; ix < end; ix++ {
				insn := v.Insn(ix)
				for _, r := range append(append([]regalloc.VReg{}, insn.defs...), insn.uses...) {
					assert.Assert(t, r.IsRealReg(), "%s at %d", insn, ix)
				}
				if dst, src, ok := insn.IsMove(); ok {
					assert.Assert(t, dst.RealReg() != src.RealReg(), "redundant move at %d", ix)
				}
				if insn.op == "ret" {
					rets++
					assert.Equal(t, "epilogue", v.Insn(ix-1).op)
				}
			}
		}
		assert.Equal(t, int(next), v.NumInsns())
		assert.Equal(t, numRets, rets)
		assert.Equal(t, "prologue", v.Insn(0).op)
		assert.Equal(t, SourceLocDefault, v.SrcLoc(0))

		safepoints := v.SafepointInsns()
		if flags.EnableSafepoints {
			assert.Equal(t, numCalls, len(safepoints))
		} else {
			assert.Equal(t, 0, len(safepoints))
		}
		for i, ix := range safepoints {
			assert.Equal(t, "call", v.Insn(ix).op)
			if i > 0 {
				assert.Assert(t, safepoints[i-1] < ix)
			}
		}

		code := v.Emit()
		assert.Equal(t, 0, len(code.Data)%4)
		var prevEnd CodeOffset
		for _, sl := range code.SrcLocs {
			assert.Assert(t, sl.Start < sl.End)
			assert.Assert(t, prevEnd <= sl.Start)
			assert.Assert(t, !sl.Loc.IsDefault())
			prevEnd = sl.End
		}
		assert.Assert(t, len(code.StackMaps) <= numCalls)

		again := v.Emit()
		assert.DeepEqual(t, code.Data, again.Data)
		assert.DeepEqual(t, code.SrcLocs, again.SrcLocs)
	})
}
