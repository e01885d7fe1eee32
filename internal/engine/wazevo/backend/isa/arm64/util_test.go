package arm64

import (
	"strings"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// mockCompilationContext implements backend.CompilationContext for testing.
type mockCompilationContext struct {
	fn          *ssa.Function
	flags       *backend.Flags
	builder     *backend.VCodeBuilder[instruction]
	vRegMap     map[ssa.Value]regalloc.VReg
	definitions map[ssa.Value]*backend.SSAValueDefinition
	lowered     map[*ssa.Instruction]bool
	nextVRegID  regalloc.VRegID
}

func newMockCompilationContext(fn *ssa.Function, flags *backend.Flags) *mockCompilationContext {
	abi, err := newABI(&fn.Sig, flags)
	if err != nil {
		panic(err)
	}
	ctx := &mockCompilationContext{
		fn:          fn,
		flags:       flags,
		builder:     backend.NewVCodeBuilder[instruction](abi, backend.NewBlockOrder()),
		vRegMap:     make(map[ssa.Value]regalloc.VReg),
		definitions: make(map[ssa.Value]*backend.SSAValueDefinition),
		lowered:     make(map[*ssa.Instruction]bool),
		nextVRegID:  regalloc.VRegIDNonReservedBegin,
	}
	for v, typ := range fn.Values {
		ctx.vRegMap[ssa.Value(v)] = ctx.AllocateVReg(typ)
	}
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			instr := &blk.Instructions[i]
			if instr.Opcode.DefinesDst() {
				ctx.definitions[instr.Dst] = &backend.SSAValueDefinition{Instr: instr, Block: blk.ID}
			}
			for n, r := range instr.Results {
				ctx.definitions[r] = &backend.SSAValueDefinition{Instr: instr, Block: blk.ID, N: n}
			}
		}
	}
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			for _, a := range blk.Instructions[i].Args {
				if def, ok := ctx.definitions[a]; ok {
					def.RefCount++
				}
			}
		}
	}
	return ctx
}

// Function implements backend.CompilationContext.
func (m *mockCompilationContext) Function() *ssa.Function { return m.fn }

// Flags implements backend.CompilationContext.
func (m *mockCompilationContext) Flags() *backend.Flags { return m.flags }

// Builder implements backend.CompilationContext.
func (m *mockCompilationContext) Builder() *backend.VCodeBuilder[instruction] { return m.builder }

// VRegOf implements backend.CompilationContext.
func (m *mockCompilationContext) VRegOf(v ssa.Value) regalloc.VReg {
	vr, ok := m.vRegMap[v]
	if !ok {
		panic("unknown value " + v.String())
	}
	return vr
}

// AllocateVReg implements backend.CompilationContext.
func (m *mockCompilationContext) AllocateVReg(typ ssa.Type) regalloc.VReg {
	ret := regalloc.VReg(m.nextVRegID).SetRegType(regalloc.RegTypeOf(typ))
	m.nextVRegID++
	m.builder.SetVRegType(ret, typ)
	return ret
}

// ValueDefinition implements backend.CompilationContext.
func (m *mockCompilationContext) ValueDefinition(v ssa.Value) *backend.SSAValueDefinition {
	if def, ok := m.definitions[v]; ok {
		return def
	}
	return &backend.SSAValueDefinition{}
}

// MarkLowered implements backend.CompilationContext.
func (m *mockCompilationContext) MarkLowered(instr *ssa.Instruction) {
	m.lowered[instr] = true
}

// BlockLabel implements backend.CompilationContext.
func (m *mockCompilationContext) BlockLabel(id ssa.BasicBlockID) backend.MachLabel {
	return backend.MachLabel(id)
}

// newSetupWithMockContext returns a machine ready to lower the instructions of the entry block of fn.
func newSetupWithMockContext(fn *ssa.Function, flags *backend.Flags) (*mockCompilationContext, *machine) {
	ctx := newMockCompilationContext(fn, flags)
	m := NewBackend().(*machine)
	m.StartFunction(ctx)
	m.StartBlock(fn.Blocks[0])
	return ctx, m
}

// lowerBlock lowers the instructions of the block in reverse, the way the compiler does.
func lowerBlock(ctx *mockCompilationContext, m *machine, blk *ssa.Block) error {
	for i := len(blk.Instructions) - 1; i >= 0; i-- {
		instr := &blk.Instructions[i]
		if ctx.lowered[instr] {
			continue
		}
		if err := m.LowerInstr(instr); err != nil {
			return err
		}
	}
	return nil
}

func formatEmittedInstructions(m *machine) string {
	m.flushPendingInstructions()
	var strs []string
	for cur := m.head; cur != nil; cur = cur.next {
		strs = append(strs, cur.String())
	}
	return strings.Join(strs, "\n")
}

// encode emits the instructions into a fresh buffer and returns the resulting words.
func encode(insts ...instruction) []uint32 {
	buf := backend.NewMachBuffer()
	state := &emitState{}
	for _, i := range insts {
		i.Emit(buf, backend.DefaultFlags(), state)
	}
	data := buf.Finish().Data
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
	}
	return words
}
