package regalloc

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// ErrOutOfScratchRegisters is returned when an instruction has more spilled operands
// of one register class than there are scratch registers.
var ErrOutOfScratchRegisters = errors.New("not enough scratch registers for spilled operands")

// RegInfo describes the registers of a target for Allocate.
type RegInfo struct {
	// AllocatableRegisters are handed out to virtual registers in this order.
	AllocatableRegisters [NumRegType][]RealReg
	// ScratchRegisters hold spilled values around a single instruction. They must not be allocatable.
	ScratchRegisters [NumRegType][]RealReg
	// CalleeSavedRegisters must be preserved by the function if written.
	CalleeSavedRegisters RegSet
	// RealRegName is used for error messages.
	RealRegName func(RealReg) string
}

type (
	// allocator is a simple, always-correct allocator: each virtual register owns a physical
	// register for the whole function or lives in a spill slot. A physical register mentioned
	// anywhere in the function is never handed out, so no interference analysis is needed.
	// Reference-typed virtual registers are always spilled so that stack maps are exact.
	allocator[I any] struct {
		f           Function[I]
		info        *RegInfo
		usage       RegUsageCollector
		assignments []assignment
		order       []VReg
		refs        mapset.Set[VRegID]
		numSlots    uint32
		clobbered   RegSet
		mapper      instMapper[I]
	}

	assignment struct {
		seen, spilled bool
		reg           RealReg
		slot          SpillSlot
	}

	scratchAssignment struct {
		v   VReg
		reg RealReg
	}

	instMapper[I any] struct {
		a       *allocator[I]
		scratch []scratchAssignment
	}
)

// Allocate assigns physical registers to every virtual register of f, and produces
// the rewritten instruction stream together with the stack maps requested by req.
func Allocate[I any](f Function[I], info *RegInfo, req *StackmapRequestInfo) (*Result[I], error) {
	a := &allocator[I]{
		f:           f,
		info:        info,
		assignments: make([]assignment, f.NumVRegs()),
		refs:        mapset.NewThreadUnsafeSet[VRegID](),
	}
	a.mapper.a = a
	if req != nil {
		for _, v := range req.ReftypedVRegs {
			a.refs.Add(v.ID())
		}
	}

	mentioned := a.scan()
	a.assign(mentioned)

	var stackMaps map[InstIx][]SpillSlot
	if req != nil && len(req.SafepointInsns) > 0 {
		stackMaps = a.computeStackMaps(req.SafepointInsns)
	}
	return a.rewrite(req, stackMaps)
}

// scan records the virtual registers in order of first appearance and returns
// the physical registers mentioned by the function.
func (a *allocator[I]) scan() RegSet {
	mentioned := a.f.LiveIns()
	mentioned.Union(a.f.LiveOuts())
	for _, insn := range a.f.Insns() {
		a.usage.Reset()
		a.f.GetRegUsage(insn, &a.usage)
		for _, v := range a.usage.Uses {
			a.see(v, &mentioned, false)
		}
		for _, v := range a.usage.Mods {
			a.see(v, &mentioned, true)
		}
		for _, v := range a.usage.Defs {
			a.see(v, &mentioned, true)
		}
	}
	return mentioned
}

func (a *allocator[I]) see(v VReg, mentioned *RegSet, written bool) {
	if v.IsRealReg() || !v.IsVirtual() {
		r := v.RealReg()
		if r == RealRegInvalid {
			r = RealReg(v.ID())
		}
		mentioned.Add(r)
		if written && a.info.CalleeSavedRegisters.Has(r) {
			a.clobbered.Add(r)
		}
		return
	}
	as := &a.assignments[v.ID()]
	if !as.seen {
		as.seen = true
		a.order = append(a.order, v)
	}
}

func (a *allocator[I]) assign(mentioned RegSet) {
	var free [NumRegType][]RealReg
	for typ, regs := range a.info.AllocatableRegisters {
		for _, r := range regs {
			if !mentioned.Has(r) {
				free[typ] = append(free[typ], r)
			}
		}
	}

	for _, v := range a.order {
		as := &a.assignments[v.ID()]
		typ := v.RegType()
		if a.refs.Contains(v.ID()) || len(free[typ]) == 0 {
			as.spilled = true
			as.slot = SpillSlot(a.numSlots)
			a.numSlots += a.f.GetSpillslotSize(typ, v)
			continue
		}
		as.reg = free[typ][0]
		free[typ] = free[typ][1:]
		if a.info.CalleeSavedRegisters.Has(as.reg) {
			a.clobbered.Add(as.reg)
		}
	}
}

// computeStackMaps returns, for each safepoint, the slots of the reference-typed
// virtual registers live across it.
func (a *allocator[I]) computeStackMaps(safepoints []InstIx) map[InstIx][]SpillSlot {
	isSafepoint := mapset.NewThreadUnsafeSet[InstIx](safepoints...)
	liveOuts := a.computeRefLiveOuts()
	ret := make(map[InstIx][]SpillSlot, len(safepoints))
	for b := 0; b < a.f.NumBlocks(); b++ {
		live := liveOuts[b].Clone()
		start, end := a.f.BlockInsns(BlockIx(b))
		for ix := end; ix > start; ix-- {
			i := ix - 1
			a.usage.Reset()
			a.f.GetRegUsage(a.f.GetInsn(i), &a.usage)
			for _, v := range a.usage.Defs {
				live.Remove(v.ID())
			}
			if isSafepoint.Contains(i) {
				slots := make([]SpillSlot, 0, live.Cardinality())
				live.Each(func(id VRegID) bool {
					slots = append(slots, a.assignments[id].slot)
					return false
				})
				sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
				ret[i] = slots
			}
			for _, v := range a.usage.Uses {
				if a.isRef(v) {
					live.Add(v.ID())
				}
			}
			for _, v := range a.usage.Mods {
				if a.isRef(v) {
					live.Add(v.ID())
				}
			}
		}
	}
	return ret
}

func (a *allocator[I]) isRef(v VReg) bool {
	return v.IsVirtual() && a.refs.Contains(v.ID())
}

// computeRefLiveOuts runs the backward liveness dataflow restricted to reference-typed virtual registers.
func (a *allocator[I]) computeRefLiveOuts() []mapset.Set[VRegID] {
	n := a.f.NumBlocks()
	gens := make([]mapset.Set[VRegID], n)
	kills := make([]mapset.Set[VRegID], n)
	liveIns := make([]mapset.Set[VRegID], n)
	liveOuts := make([]mapset.Set[VRegID], n)
	for b := 0; b < n; b++ {
		gen, kill := mapset.NewThreadUnsafeSet[VRegID](), mapset.NewThreadUnsafeSet[VRegID]()
		start, end := a.f.BlockInsns(BlockIx(b))
		for ix := start; ix < end; ix++ {
			a.usage.Reset()
			a.f.GetRegUsage(a.f.GetInsn(ix), &a.usage)
			for _, v := range a.usage.Uses {
				if a.isRef(v) && !kill.Contains(v.ID()) {
					gen.Add(v.ID())
				}
			}
			for _, v := range a.usage.Mods {
				if a.isRef(v) && !kill.Contains(v.ID()) {
					gen.Add(v.ID())
				}
			}
			for _, v := range a.usage.Defs {
				if a.isRef(v) {
					kill.Add(v.ID())
				}
			}
		}
		gens[b], kills[b] = gen, kill
		liveIns[b] = gen.Clone()
		liveOuts[b] = mapset.NewThreadUnsafeSet[VRegID]()
	}

	for changed := true; changed; {
		changed = false
		for b := n - 1; b >= 0; b-- {
			out := mapset.NewThreadUnsafeSet[VRegID]()
			for _, s := range a.f.BlockSuccs(BlockIx(b)) {
				out = out.Union(liveIns[s])
			}
			in := gens[b].Union(out.Difference(kills[b]))
			if !out.Equal(liveOuts[b]) || !in.Equal(liveIns[b]) {
				liveOuts[b], liveIns[b] = out, in
				changed = true
			}
		}
	}
	return liveOuts
}

func (a *allocator[I]) rewrite(req *StackmapRequestInfo, stackMaps map[InstIx][]SpillSlot) (*Result[I], error) {
	f := a.f
	res := &Result[I]{
		Insns:       make([]I, 0, f.NumInsns()),
		OrigInsnMap: make([]InstIx, 0, f.NumInsns()),
	}
	var safepoints []InstIx
	if req != nil {
		safepoints = req.SafepointInsns
	}

	emit := func(insn I, orig InstIx) {
		res.Insns = append(res.Insns, insn)
		res.OrigInsnMap = append(res.OrigInsnMap, orig)
	}

	for b := 0; b < f.NumBlocks(); b++ {
		res.TargetMap = append(res.TargetMap, InstIx(len(res.Insns)))
		start, end := f.BlockInsns(BlockIx(b))
		for ix := start; ix < end; ix++ {
			insn := f.GetInsn(ix)
			a.usage.Reset()
			f.GetRegUsage(insn, &a.usage)
			if err := a.assignScratches(); err != nil {
				return nil, errors.Wrapf(err, "instruction %d", ix)
			}

			for _, s := range a.mapper.scratch {
				if a.reads(s.v) {
					emit(f.GenReload(FromRealReg(s.reg, s.v.RegType()), a.assignments[s.v.ID()].slot, s.v), InstIxInvalid)
				}
			}

			emit(f.MapRegs(insn, &a.mapper), ix)

			if len(safepoints) > 0 && safepoints[0] == ix {
				res.NewSafepointInsns = append(res.NewSafepointInsns, InstIx(len(res.Insns)-1))
				res.StackMaps = append(res.StackMaps, stackMaps[ix])
				safepoints = safepoints[1:]
			}

			for _, s := range a.mapper.scratch {
				if !a.writes(s.v) {
					continue
				}
				if ix == end-1 {
					panic("BUG: block terminator defines a spilled virtual register")
				}
				emit(f.GenSpill(a.assignments[s.v.ID()].slot, FromRealReg(s.reg, s.v.RegType()), s.v), InstIxInvalid)
			}
		}
	}
	if len(safepoints) > 0 {
		panic("BUG: safepoint request outside of any block")
	}

	res.ClobberedRegisters = a.clobbered
	res.NumSpillSlots = int(a.numSlots)
	return res, nil
}

// assignScratches binds a scratch register to each spilled virtual register of the current instruction.
func (a *allocator[I]) assignScratches() error {
	a.mapper.scratch = a.mapper.scratch[:0]
	var next [NumRegType]int
	mentionsScratch := func() (RealReg, bool) {
		for _, group := range [][]VReg{a.usage.Uses, a.usage.Defs, a.usage.Mods} {
			for _, v := range group {
				if !v.IsVirtual() {
					for _, s := range a.mapper.scratch {
						if v.RealReg() == s.reg {
							return s.reg, true
						}
					}
				}
			}
		}
		return RealRegInvalid, false
	}

	for _, group := range [][]VReg{a.usage.Uses, a.usage.Mods, a.usage.Defs} {
		for _, v := range group {
			if !v.IsVirtual() || !a.assignments[v.ID()].spilled || a.mapper.scratchOf(v) != RealRegInvalid {
				continue
			}
			typ := v.RegType()
			if next[typ] >= len(a.info.ScratchRegisters[typ]) {
				return errors.Wrapf(ErrOutOfScratchRegisters, "class %s", typ)
			}
			r := a.info.ScratchRegisters[typ][next[typ]]
			next[typ]++
			a.mapper.scratch = append(a.mapper.scratch, scratchAssignment{v: v, reg: r})
			if a.info.CalleeSavedRegisters.Has(r) {
				a.clobbered.Add(r)
			}
		}
	}
	if r, ok := mentionsScratch(); ok {
		name := r.String()
		if a.info.RealRegName != nil {
			name = a.info.RealRegName(r)
		}
		return errors.Errorf("scratch register %s is also an operand of the instruction", name)
	}
	return nil
}

func (a *allocator[I]) reads(v VReg) bool {
	return containsVReg(a.usage.Uses, v) || containsVReg(a.usage.Mods, v)
}

func (a *allocator[I]) writes(v VReg) bool {
	return containsVReg(a.usage.Defs, v) || containsVReg(a.usage.Mods, v)
}

func containsVReg(vs []VReg, v VReg) bool {
	for _, x := range vs {
		if x.ID() == v.ID() {
			return true
		}
	}
	return false
}

func (m *instMapper[I]) scratchOf(v VReg) RealReg {
	for _, s := range m.scratch {
		if s.v.ID() == v.ID() {
			return s.reg
		}
	}
	return RealRegInvalid
}

func (m *instMapper[I]) mapReg(v VReg) VReg {
	if !v.IsVirtual() {
		return v
	}
	as := &m.a.assignments[v.ID()]
	if !as.spilled {
		return v.SetRealReg(as.reg)
	}
	if r := m.scratchOf(v); r != RealRegInvalid {
		return v.SetRealReg(r)
	}
	panic("BUG: spilled virtual register has no scratch register")
}

// MapUse implements RegMapper.
func (m *instMapper[I]) MapUse(v VReg) VReg { return m.mapReg(v) }

// MapDef implements RegMapper.
func (m *instMapper[I]) MapDef(v VReg) VReg { return m.mapReg(v) }

// MapMod implements RegMapper.
func (m *instMapper[I]) MapMod(v VReg) VReg { return m.mapReg(v) }
