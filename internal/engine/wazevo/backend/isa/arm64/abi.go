package arm64

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// References:
// * https://github.com/golang/go/blob/49d42128fd8594c172162961ead19ac95e247d24/src/cmd/compile/abi-internal.md#arm64-architecture
// * https://developer.arm.com/documentation/102374/0101/Procedure-Call-Standard

var (
	intParamResultRegs   = []regalloc.VReg{x0VReg, x1VReg, x2VReg, x3VReg, x4VReg, x5VReg, x6VReg, x7VReg}
	floatParamResultRegs = []regalloc.VReg{v0VReg, v1VReg, v2VReg, v3VReg, v4VReg, v5VReg, v6VReg, v7VReg}
)

// maxStackArgsSize is the limit of the stack area of arguments, so that every slot can be
// addressed with a scaled 12-bit immediate.
const maxStackArgsSize = 0xfff * 8

type (
	// abiArg describes where a parameter or a result lives.
	abiArg struct {
		kind abiArgKind
		typ  ssa.Type
		// reg is the register of abiArgKindReg.
		reg regalloc.VReg
		// offset is the offset in the stack argument area, or in the return area for results.
		offset int64
	}

	abiArgKind byte

	// abiSig is the assignment of the parameters and results of a signature.
	abiSig struct {
		args, rets []abiArg
		// argStackSize is the size of the arguments passed on the stack, 16-byte aligned.
		argStackSize int64
		// retStackSize is the size of the memory area receiving the results which do not fit in registers.
		retStackSize int64
	}
)

const (
	abiArgKindReg abiArgKind = iota
	abiArgKindStack
)

// String implements fmt.Stringer.
func (a abiArg) String() string {
	if a.kind == abiArgKindReg {
		return fmt.Sprintf("%s:%s", a.typ, formatVReg(a.reg))
	}
	return fmt.Sprintf("%s:stack(%#x)", a.typ, a.offset)
}

// computeSig assigns the parameters and results of the signature to registers and stack slots.
func computeSig(sig *ssa.Signature, flags *backend.Flags) (abiSig, error) {
	var s abiSig
	var stackSize int64
	s.args, stackSize = assignArgs(sig.Params)
	if stackSize > maxStackArgsSize {
		return abiSig{}, errors.Wrapf(backend.ErrTooManyArguments, "%d bytes of stack arguments", stackSize)
	}
	s.argStackSize = alignUp16(stackSize)

	s.rets, stackSize = assignArgs(sig.Results)
	if stackSize > 0 {
		if !flags.EnableMultiRetImplicitSRet {
			return abiSig{}, errors.Wrapf(backend.ErrTooManyReturnValues, "%d results", len(sig.Results))
		}
		if stackSize > maxStackArgsSize {
			return abiSig{}, errors.Wrapf(backend.ErrTooManyReturnValues, "%d bytes of results in memory", stackSize)
		}
		s.retStackSize = alignUp16(stackSize)
	}
	return s, nil
}

func assignArgs(types []ssa.Type) (ret []abiArg, stackSize int64) {
	var intUsed, floatUsed int
	ret = make([]abiArg, len(types))
	for i, typ := range types {
		arg := abiArg{typ: typ}
		if regalloc.RegTypeOf(typ) == regalloc.RegTypeInt {
			if intUsed < len(intParamResultRegs) {
				arg.reg = intParamResultRegs[intUsed]
				intUsed++
			} else {
				arg.kind = abiArgKindStack
			}
		} else {
			if floatUsed < len(floatParamResultRegs) {
				arg.reg = floatParamResultRegs[floatUsed]
				floatUsed++
			} else {
				arg.kind = abiArgKindStack
			}
		}
		if arg.kind == abiArgKindStack {
			arg.offset = stackSize
			stackSize += 8
		}
		ret[i] = arg
	}
	return
}

func alignUp16(v int64) int64 {
	return (v + 15) &^ 15
}

// abiImpl implements backend.ABICallee.
//
// The frame of a function looks like this:
//
//	            (high address)
//	        +-----------------+
//	        |  stack args     |
//	        +-----------------+ <----- fp + 16
//	        |  return address |
//	        |  caller's fp    |
//	        +-----------------+ <----- fp
//	        |  clobbered      |
//	        |  registers      |
//	        +-----------------+
//	        |  spill slot N-1 |
//	        |  ...            |
//	        |  spill slot 0   |
//	        +-----------------+ <----- sp (+ outgoing argument area while calling)
//	            (low address)
type abiImpl struct {
	flags *backend.Flags
	sig   abiSig

	numSpillSlots int
	clobbered     []regalloc.VReg
	spillSlotsSet bool
	clobberedSet  bool
}

// newABI returns the backend.ABICallee of a function of the signature.
func newABI(sig *ssa.Signature, flags *backend.Flags) (*abiImpl, error) {
	s, err := computeSig(sig, flags)
	if err != nil {
		return nil, err
	}
	return &abiImpl{flags: flags, sig: s}, nil
}

// Flags implements backend.ABICallee.
func (a *abiImpl) Flags() *backend.Flags { return a.flags }

// LiveIns implements backend.ABICallee.
func (a *abiImpl) LiveIns() regalloc.RegSet {
	ret := regalloc.NewRegSet()
	for _, arg := range a.sig.args {
		if arg.kind == abiArgKindReg {
			ret.Add(arg.reg.RealReg())
		}
	}
	if a.sig.retStackSize > 0 {
		ret.Add(sretReg)
	}
	return ret
}

// LiveOuts implements backend.ABICallee.
func (a *abiImpl) LiveOuts() regalloc.RegSet {
	ret := regalloc.NewRegSet()
	for _, r := range a.sig.rets {
		if r.kind == abiArgKindReg {
			ret.Add(r.reg.RealReg())
		}
	}
	return ret
}

// FrameSize implements backend.ABICallee.
func (a *abiImpl) FrameSize() uint32 {
	return uint32(alignUp16(int64(a.numSpillSlots+len(a.clobbered)) * 8))
}

// StackArgsSize implements backend.ABICallee.
func (a *abiImpl) StackArgsSize() uint32 { return uint32(a.sig.argStackSize) }

// RefTypeRegClass implements backend.ABICallee.
func (a *abiImpl) RefTypeRegClass() regalloc.RegType { return regalloc.RegTypeInt }

// SetNumSpillslots implements backend.ABICallee.
func (a *abiImpl) SetNumSpillslots(n int) {
	a.numSpillSlots = n
	a.spillSlotsSet = true
}

// SetClobbered implements backend.ABICallee.
func (a *abiImpl) SetClobbered(regs regalloc.RegSet) {
	a.clobbered = a.clobbered[:0]
	for _, r := range regs.Regs() {
		if !regInfo.CalleeSavedRegisters.Has(r) {
			continue
		}
		typ := regalloc.RegTypeInt
		if r >= v0 && r <= v31 {
			typ = regalloc.RegTypeFloat
		}
		a.clobbered = append(a.clobbered, regalloc.FromRealReg(r, typ))
	}
	a.clobberedSet = true
}

func (a *abiImpl) mustBeFinalized() {
	if !a.spillSlotsSet || !a.clobberedSet {
		panic("BUG: prologue or epilogue requested before the frame is known")
	}
}

// clobberSaveArea returns the address of the save slot of the i-th clobbered register.
func (a *abiImpl) clobberSaveArea(i int) addressMode {
	return addressModeRegImm(spVReg, int64(a.numSpillSlots+i)*8)
}

// GenPrologue implements backend.ABICallee.
func (a *abiImpl) GenPrologue() []instruction {
	a.mustBeFinalized()
	var ret []instruction

	var i instruction
	i.asStorePair64(fpVReg, lrVReg, addressMode{kind: addressModeKindPreIndex, rn: spVReg, imm: -16})
	ret = append(ret, i)
	i = instruction{}
	i.asMove64(fpVReg, spVReg)
	ret = append(ret, i)

	ret = append(ret, spAdjustment(sub64, int64(a.FrameSize()))...)
	for j, r := range a.clobbered {
		i = instruction{}
		if r.RegType() == regalloc.RegTypeFloat {
			i.asFpuStore64(r, a.clobberSaveArea(j))
		} else {
			i.asStore64(r, a.clobberSaveArea(j))
		}
		ret = append(ret, i)
	}
	return ret
}

// GenEpilogue implements backend.ABICallee.
func (a *abiImpl) GenEpilogue() []instruction {
	a.mustBeFinalized()
	var ret []instruction

	var i instruction
	for j, r := range a.clobbered {
		i = instruction{}
		if r.RegType() == regalloc.RegTypeFloat {
			i.asFpuLoad64(r, a.clobberSaveArea(j))
		} else {
			i.asULoad64(r, a.clobberSaveArea(j))
		}
		ret = append(ret, i)
	}
	ret = append(ret, spAdjustment(add64, int64(a.FrameSize()))...)

	i = instruction{}
	i.asLoadPair64(fpVReg, lrVReg, addressMode{kind: addressModeKindPostIndex, rn: spVReg, imm: 16})
	ret = append(ret, i)
	i = instruction{}
	i.asRet(a.retRegs())
	ret = append(ret, i)
	return ret
}

// spAdjustment returns the instructions computing sp = sp op amount.
func spAdjustment(op aluOp, amount int64) []instruction {
	if amount >= 1<<24 {
		panic(fmt.Sprintf("BUG: frame of %#x bytes is too large", amount))
	}
	var ret []instruction
	if hi := amount >> 12; hi != 0 {
		var i instruction
		i.asALUImm12(op, spVReg, spVReg, uint16(hi), 1)
		ret = append(ret, i)
	}
	if lo := amount & 0xfff; lo != 0 {
		var i instruction
		i.asALUImm12(op, spVReg, spVReg, uint16(lo), 0)
		ret = append(ret, i)
	}
	return ret
}

// retRegs returns the registers holding the results on return.
func (a *abiImpl) retRegs() []regalloc.VReg {
	var ret []regalloc.VReg
	for _, r := range a.sig.rets {
		if r.kind == abiArgKindReg {
			ret = append(ret, r.reg)
		}
	}
	return ret
}

// GetSpillslotSize implements backend.ABICallee.
// Every value fits in a single 8-byte slot.
func (a *abiImpl) GetSpillslotSize(regalloc.RegType, ssa.Type) uint32 { return 1 }

// GenSpill implements backend.ABICallee.
func (a *abiImpl) GenSpill(slot regalloc.SpillSlot, from regalloc.VReg, ty ssa.Type) instruction {
	var i instruction
	if regalloc.RegTypeOf(ty) == regalloc.RegTypeFloat {
		i.asFpuStore64(from, addressModeSpillSlot(slot))
	} else {
		i.asStore64(from, addressModeSpillSlot(slot))
	}
	return i
}

// GenReload implements backend.ABICallee.
func (a *abiImpl) GenReload(to regalloc.VReg, slot regalloc.SpillSlot, ty ssa.Type) instruction {
	var i instruction
	if regalloc.RegTypeOf(ty) == regalloc.RegTypeFloat {
		i.asFpuLoad64(to, addressModeSpillSlot(slot))
	} else {
		i.asULoad64(to, addressModeSpillSlot(slot))
	}
	return i
}

// SpillslotsToStackMap implements backend.ABICallee.
// The words are counted from sp, so the outgoing argument area allocated at the safepoint comes first.
func (a *abiImpl) SpillslotsToStackMap(slots []regalloc.SpillSlot, s backend.EmitState) *backend.StackMap {
	state := s.(*emitState)
	base := uint32(state.spOffset / 8)
	words := make([]uint32, len(slots))
	for i, slot := range slots {
		words[i] = base + uint32(slot)
	}
	return backend.NewStackMap(base+a.FrameSize()/8, words...)
}

// NewEmitState implements backend.ABICallee.
func (a *abiImpl) NewEmitState() backend.EmitState {
	return &emitState{}
}
