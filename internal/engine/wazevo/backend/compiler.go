package backend

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// Machine is the target-specific part of the backend. A Machine lowers one function at a time
	// and is not safe for concurrent use.
	Machine[I MachInst[I]] interface {
		// NewABI returns the calling convention of a function of the signature.
		NewABI(sig *ssa.Signature, flags *Flags) (ABICallee[I], error)

		// RegInfo returns the registers of the target for the register allocator.
		RegInfo() *regalloc.RegInfo

		// StartFunction is called before lowering the blocks of a function.
		StartFunction(ctx CompilationContext[I])

		// StartBlock is called before lowering the instructions of the block.
		StartBlock(blk *ssa.Block)

		// LowerInstr lowers the instruction. Instructions of a block are lowered in reverse order.
		LowerInstr(instr *ssa.Instruction) error

		// LowerParams moves the arguments into the registers of the parameters.
		// This is called after the entry block is lowered, so that the moves come first.
		LowerParams(params []ssa.Value)

		// EndBlock pushes the lowered instructions of the block into the builder and closes it.
		EndBlock()

		// Reset makes the Machine ready for the next function.
		Reset()
	}

	// CompilationContext is the view of the compiler given to a Machine while lowering a function.
	CompilationContext[I MachInst[I]] interface {
		// Function returns the function being lowered.
		Function() *ssa.Function

		// Flags returns the compilation settings.
		Flags() *Flags

		// Builder returns the VCodeBuilder of the function.
		Builder() *VCodeBuilder[I]

		// VRegOf returns the virtual register holding the value.
		VRegOf(v ssa.Value) regalloc.VReg

		// AllocateVReg allocates a new virtual register for a temporary of the type.
		AllocateVReg(typ ssa.Type) regalloc.VReg

		// ValueDefinition returns the definition of the value.
		ValueDefinition(v ssa.Value) *SSAValueDefinition

		// MarkLowered marks the instruction as lowered as part of another instruction.
		MarkLowered(instr *ssa.Instruction)

		// BlockLabel returns the label of the lowered block of the IR block.
		BlockLabel(id ssa.BasicBlockID) MachLabel
	}
)

// NewCompiler returns a Compiler generating machine code with the Machine.
func NewCompiler[I MachInst[I]](mach Machine[I], flags *Flags, log *logrus.Entry) *Compiler[I] {
	if flags == nil {
		flags = DefaultFlags()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Compiler[I]{mach: mach, flags: flags, log: log}
}

// Compiler runs the pipeline from an ssa.Function to machine code: lowering into a VCode,
// register allocation, rewriting and emission. A Compiler is reused across functions
// but is not safe for concurrent use.
type Compiler[I MachInst[I]] struct {
	mach  Machine[I]
	flags *Flags
	log   *logrus.Entry

	fn      *ssa.Function
	builder *VCodeBuilder[I]
	// nextVRegID is the next virtual register ID to be allocated.
	nextVRegID regalloc.VRegID
	// ssaValuesToVRegs maps ssa.Value to VReg.
	ssaValuesToVRegs []regalloc.VReg
	// ssaValueDefinitions maps ssa.Value to its definition.
	ssaValueDefinitions []SSAValueDefinition
	// lowered holds the instructions already lowered as part of another one.
	lowered map[*ssa.Instruction]struct{}
	// blockLabels maps ssa.BasicBlockID to the label of its lowered block.
	blockLabels []MachLabel
}

// Compile compiles the function into machine code.
func (c *Compiler[I]) Compile(fn *ssa.Function) (*CompiledFunction, error) {
	defer c.reset()
	c.fn = fn
	log := c.log.WithField("func", fn.Name)

	abi, err := c.mach.NewABI(&fn.Sig, c.flags)
	if err != nil {
		return nil, errors.Wrapf(err, "signature of %s", fn.Name)
	}

	order, blocks := c.computeBlockOrder()
	c.builder = NewVCodeBuilder[I](abi, order)
	c.assignVirtualRegisters()
	c.computeDefinitions(blocks)

	if err = c.lowerBlocks(blocks); err != nil {
		return nil, errors.Wrapf(err, "lowering %s", fn.Name)
	}

	vcode, stackmapInfo := c.builder.Build()
	lowered := vcode.String()
	log.WithFields(logrus.Fields{
		"blocks":     vcode.NumBlocks(),
		"insts":      vcode.NumInsns(),
		"safepoints": len(stackmapInfo.SafepointInsns),
		"refs":       len(stackmapInfo.ReftypedVRegs),
	}).Debug("built vcode")

	result, err := regalloc.Allocate[I](vcode, c.mach.RegInfo(), stackmapInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "register allocation of %s", fn.Name)
	}

	before := len(result.Insns)
	vcode.ReplaceInsnsFromRegalloc(result)
	log.WithFields(logrus.Fields{
		"insts":      vcode.NumInsns(),
		"spillslots": result.NumSpillSlots,
		"clobbered":  result.ClobberedRegisters.Len(),
		"allocated":  before,
	}).Debug("rewrote vcode")

	code := vcode.Emit()
	log.WithFields(logrus.Fields{
		"code_size":  len(code.Data),
		"islands":    code.Islands,
		"stack_maps": len(code.StackMaps),
	}).Debug("emitted")

	return &CompiledFunction{
		Name:      fn.Name,
		Lowered:   lowered,
		Allocated: vcode.String(),
		FrameSize: vcode.FrameSize(),
		Code:      code,
	}, nil
}

// computeBlockOrder returns the blocks reachable from the entry in reverse post order.
// Unreachable blocks are not lowered.
func (c *Compiler[I]) computeBlockOrder() (*BlockOrder, []*ssa.Block) {
	fn := c.fn
	if len(fn.Blocks) == 0 {
		panic(fmt.Sprintf("BUG: function %s has no block", fn.Name))
	}

	visited := make([]bool, len(fn.Blocks))
	var postOrder []*ssa.Block
	type frame struct {
		blk  *ssa.Block
		next int
	}
	stack := []frame{{blk: fn.Blocks[0]}}
	visited[0] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := blockSuccs(top.blk)
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{blk: fn.Blocks[s]})
			}
			continue
		}
		postOrder = append(postOrder, top.blk)
		stack = stack[:len(stack)-1]
	}

	order := NewBlockOrder()
	blocks := make([]*ssa.Block, 0, len(postOrder))
	if cap(c.blockLabels) < len(fn.Blocks) {
		c.blockLabels = make([]MachLabel, len(fn.Blocks))
	}
	c.blockLabels = c.blockLabels[:len(fn.Blocks)]
	for i := range c.blockLabels {
		c.blockLabels[i] = MachLabelInvalid
	}
	for i := len(postOrder) - 1; i >= 0; i-- {
		blk := postOrder[i]
		c.blockLabels[blk.ID] = MachLabelFromBlock(order.Append(blk.ID))
		blocks = append(blocks, blk)
	}
	return order, blocks
}

func blockSuccs(blk *ssa.Block) []ssa.BasicBlockID {
	if len(blk.Instructions) == 0 {
		panic(fmt.Sprintf("BUG: %s is empty", blk.ID))
	}
	last := &blk.Instructions[len(blk.Instructions)-1]
	if !last.Opcode.IsBranching() {
		panic(fmt.Sprintf("BUG: %s does not end with a branch: %s", blk.ID, last))
	}
	return last.Targets
}

// assignVirtualRegisters assigns a virtual register to each value of the function.
func (c *Compiler[I]) assignVirtualRegisters() {
	n := len(c.fn.Values)
	if cap(c.ssaValuesToVRegs) < n {
		c.ssaValuesToVRegs = make([]regalloc.VReg, n)
	}
	c.ssaValuesToVRegs = c.ssaValuesToVRegs[:n]
	c.nextVRegID = regalloc.VRegIDNonReservedBegin
	for v, typ := range c.fn.Values {
		c.ssaValuesToVRegs[v] = c.AllocateVReg(typ)
	}
}

// computeDefinitions records where each value is defined and how many times it is used.
func (c *Compiler[I]) computeDefinitions(blocks []*ssa.Block) {
	n := len(c.fn.Values)
	if cap(c.ssaValueDefinitions) < n {
		c.ssaValueDefinitions = make([]SSAValueDefinition, n)
	}
	c.ssaValueDefinitions = c.ssaValueDefinitions[:n]
	for i := range c.ssaValueDefinitions {
		c.ssaValueDefinitions[i] = SSAValueDefinition{}
	}
	for _, blk := range blocks {
		for i := range blk.Instructions {
			instr := &blk.Instructions[i]
			if instr.Opcode.DefinesDst() {
				c.ssaValueDefinitions[instr.Dst] = SSAValueDefinition{Instr: instr, Block: blk.ID}
			}
			for n, r := range instr.Results {
				c.ssaValueDefinitions[r] = SSAValueDefinition{Instr: instr, Block: blk.ID, N: n}
			}
		}
	}
	for _, blk := range blocks {
		for i := range blk.Instructions {
			for _, a := range blk.Instructions[i].Args {
				c.ssaValueDefinitions[a].RefCount++
			}
		}
	}
}

// lowerBlocks lowers each block in the lowering order.
func (c *Compiler[I]) lowerBlocks(blocks []*ssa.Block) error {
	c.mach.StartFunction(c)
	c.builder.SetEntry(0)
	for i, blk := range blocks {
		if err := c.lowerBlock(blk, i == 0); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler[I]) lowerBlock(blk *ssa.Block, entry bool) error {
	c.mach.StartBlock(blk)
	for i := len(blk.Instructions) - 1; i >= 0; i-- {
		instr := &blk.Instructions[i]
		if _, ok := c.lowered[instr]; ok {
			continue
		}
		if err := c.mach.LowerInstr(instr); err != nil {
			return errors.Wrapf(err, "%s: %s", blk.ID, instr)
		}
	}
	if entry {
		params := make([]ssa.Value, len(c.fn.Sig.Params))
		for i := range params {
			params[i] = c.fn.Param(i)
		}
		c.mach.LowerParams(params)
	}
	c.mach.EndBlock()
	return nil
}

// Function implements CompilationContext.
func (c *Compiler[I]) Function() *ssa.Function { return c.fn }

// Flags implements CompilationContext.
func (c *Compiler[I]) Flags() *Flags { return c.flags }

// Builder implements CompilationContext.
func (c *Compiler[I]) Builder() *VCodeBuilder[I] { return c.builder }

// VRegOf implements CompilationContext.
func (c *Compiler[I]) VRegOf(v ssa.Value) regalloc.VReg {
	return c.ssaValuesToVRegs[v]
}

// AllocateVReg implements CompilationContext.
func (c *Compiler[I]) AllocateVReg(typ ssa.Type) regalloc.VReg {
	ret := regalloc.VReg(c.nextVRegID).SetRegType(regalloc.RegTypeOf(typ))
	c.nextVRegID++
	c.builder.SetVRegType(ret, typ)
	return ret
}

// ValueDefinition implements CompilationContext.
func (c *Compiler[I]) ValueDefinition(v ssa.Value) *SSAValueDefinition {
	return &c.ssaValueDefinitions[v]
}

// MarkLowered implements CompilationContext.
func (c *Compiler[I]) MarkLowered(instr *ssa.Instruction) {
	if c.lowered == nil {
		c.lowered = make(map[*ssa.Instruction]struct{})
	}
	c.lowered[instr] = struct{}{}
}

// BlockLabel implements CompilationContext.
func (c *Compiler[I]) BlockLabel(id ssa.BasicBlockID) MachLabel {
	l := c.blockLabels[id]
	if l == MachLabelInvalid {
		panic(fmt.Sprintf("BUG: %s is not lowered", id))
	}
	return l
}

func (c *Compiler[I]) reset() {
	c.fn = nil
	c.builder = nil
	for k := range c.lowered {
		delete(c.lowered, k)
	}
	c.mach.Reset()
}

// CompileAll compiles the functions concurrently on up to `workers` goroutines, each with its own
// Machine returned by newMachine. The results are in the order of fns. The first error cancels
// the functions not compiled yet.
func CompileAll[I MachInst[I]](
	ctx context.Context,
	newMachine func() Machine[I],
	flags *Flags,
	log *logrus.Entry,
	fns []*ssa.Function,
	workers int,
) ([]*CompiledFunction, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(fns) {
		workers = len(fns)
	}
	ret := make([]*CompiledFunction, len(fns))
	work := make(chan int)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i := range fns {
			select {
			case work <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			c := NewCompiler[I](newMachine(), flags, log)
			for i := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				cf, err := c.Compile(fns[i])
				if err != nil {
					return err
				}
				ret[i] = cf
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
