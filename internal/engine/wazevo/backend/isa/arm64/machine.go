package arm64

import (
	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
	"github.com/faddat/vcode/internal/engine/wazevo/wazevoapi"
)

type (
	// machine implements backend.Machine.
	machine struct {
		ctx                 backend.CompilationContext[instruction]
		abi                 *abiImpl
		currentSSABlk       *ssa.Block
		currentLoc          backend.SourceLoc
		instrPool           wazevoapi.Pool[loweredInstr]
		pendingInstructions []*loweredInstr
		head, tail          *loweredInstr

		// sretVReg holds the address of the memory area receiving the results which do not fit in registers.
		sretVReg regalloc.VReg
	}

	// loweredInstr is an instruction of the block being lowered, linked in program order.
	loweredInstr struct {
		instruction
		loc        backend.SourceLoc
		safepoint  bool
		prev, next *loweredInstr
	}
)

// NewBackend returns a new backend for arm64.
func NewBackend() backend.Machine[instruction] {
	return &machine{
		instrPool: wazevoapi.NewPool[loweredInstr](resetLoweredInstr),
		sretVReg:  regalloc.VRegInvalid,
	}
}

func resetLoweredInstr(i *loweredInstr) {
	*i = loweredInstr{}
}

// NewABI implements backend.Machine.
func (m *machine) NewABI(sig *ssa.Signature, flags *backend.Flags) (backend.ABICallee[instruction], error) {
	abi, err := newABI(sig, flags)
	if err != nil {
		return nil, err
	}
	return abi, nil
}

// RegInfo implements backend.Machine.
func (m *machine) RegInfo() *regalloc.RegInfo { return regInfo }

// Reset implements backend.Machine.
func (m *machine) Reset() {
	m.instrPool.Reset()
	m.ctx = nil
	m.abi = nil
	m.currentSSABlk = nil
	m.currentLoc = backend.SourceLocDefault
	m.pendingInstructions = m.pendingInstructions[:0]
	m.head, m.tail = nil, nil
	m.sretVReg = regalloc.VRegInvalid
}

// StartFunction implements backend.Machine.
func (m *machine) StartFunction(ctx backend.CompilationContext[instruction]) {
	m.ctx = ctx
	m.abi = ctx.Builder().ABI().(*abiImpl)
	if m.abi.sig.retStackSize > 0 {
		m.sretVReg = ctx.AllocateVReg(ssa.TypeI64)
	}
}

// StartBlock implements backend.Machine.
func (m *machine) StartBlock(blk *ssa.Block) {
	m.currentSSABlk = blk
	m.head, m.tail = nil, nil
}

// EndBlock implements backend.Machine.
func (m *machine) EndBlock() {
	b := m.ctx.Builder()
	for cur := m.head; cur != nil; cur = cur.next {
		b.SetSrcLoc(cur.loc)
		b.Push(cur.instruction, cur.safepoint)
	}
	b.EndBB()
	m.head, m.tail = nil, nil
}

// LowerInstr implements backend.Machine.
func (m *machine) LowerInstr(instr *ssa.Instruction) error {
	m.currentLoc = backend.SourceLoc(instr.SourcePos)
	err := m.lowerInstr(instr)
	m.flushPendingInstructions()
	return err
}

// LowerParams implements backend.Machine.
func (m *machine) LowerParams(params []ssa.Value) {
	m.currentLoc = backend.SourceLocDefault
	for i, p := range params {
		arg := m.abi.sig.args[i]
		dst := m.ctx.VRegOf(p)
		if arg.kind == abiArgKindReg {
			m.insertMove(dst, arg.reg, arg.typ)
			continue
		}
		// Stack arguments are right above the frame record.
		m.insertLoad(dst, addressModeRegImm(fpVReg, 16+arg.offset), arg.typ)
	}
	if m.sretVReg.Valid() {
		m.insertMove(m.sretVReg, x8VReg, ssa.TypeI64)
	}
	m.flushPendingInstructions()
}

func (m *machine) allocateInstr() *loweredInstr {
	instr := m.instrPool.Allocate()
	instr.loc = m.currentLoc
	return instr
}

func (m *machine) insert(i *loweredInstr) {
	m.pendingInstructions = append(m.pendingInstructions, i)
}

func (m *machine) insert2(i1, i2 *loweredInstr) {
	m.pendingInstructions = append(m.pendingInstructions, i1, i2)
}

func (m *machine) flushPendingInstructions() {
	l := len(m.pendingInstructions)
	if l == 0 {
		return
	}
	for i := l - 1; i >= 0; i-- { // reverse because we lower instructions in reverse order.
		m.insertAtHead(m.pendingInstructions[i])
	}
	m.pendingInstructions = m.pendingInstructions[:0]
}

func (m *machine) insertAtHead(i *loweredInstr) {
	if m.head == nil {
		m.head = i
		m.tail = i
		return
	}
	i.next = m.head
	m.head.prev = i
	m.head = i
}

func (m *machine) insertMove(dst, src regalloc.VReg, typ ssa.Type) {
	mov := m.allocateInstr()
	mov.instruction = mov.GenMove(dst, src, typ)
	m.insert(mov)
}

func (m *machine) insertLoad(dst regalloc.VReg, amode addressMode, typ ssa.Type) {
	load := m.allocateInstr()
	if regalloc.RegTypeOf(typ) == regalloc.RegTypeFloat {
		load.asFpuLoad64(dst, amode)
	} else {
		load.asULoad64(dst, amode)
	}
	m.insert(load)
}

func (m *machine) insertStore(src regalloc.VReg, amode addressMode, typ ssa.Type) {
	store := m.allocateInstr()
	if regalloc.RegTypeOf(typ) == regalloc.RegTypeFloat {
		store.asFpuStore64(src, amode)
	} else {
		store.asStore64(src, amode)
	}
	m.insert(store)
}
