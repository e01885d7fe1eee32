// Package testcases holds small functions exercising the backend end to end.
package testcases

import (
	"math"

	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

var (
	Empty = TestCase{Name: "empty", Func: singleBlockFunction("empty", vv, func(*ssa.Function, *ssa.Block) []ssa.Value {
		return nil
	})}
	Unreachable = TestCase{Name: "unreachable", Func: func() *ssa.Function {
		f := ssa.NewFunction("unreachable", vv)
		f.AllocateBlock().Insert(ssa.Instruction{Opcode: ssa.OpcodeTrap, Imm: 1})
		return f
	}()}
	Params = TestCase{Name: "params", Func: singleBlockFunction("params", i32f32f64_v, func(*ssa.Function, *ssa.Block) []ssa.Value {
		return nil
	})}
	AddSubParamsReturn = TestCase{Name: "add_sub_params_return", Func: singleBlockFunction("add_sub_params_return", i32i32_i32,
		func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			add := binary(f, b, ssa.OpcodeIadd, ssa.TypeI32, f.Param(0), f.Param(1))
			return []ssa.Value{binary(f, b, ssa.OpcodeIsub, ssa.TypeI32, add, f.Param(0))}
		})}
	SwapParamsAndReturn = TestCase{Name: "swap_params_and_return", Func: singleBlockFunction("swap_params_and_return", i32i32_i32i32,
		func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			return []ssa.Value{f.Param(1), f.Param(0)}
		})}
	LocalsParams = TestCase{Name: "locals_params", Func: singleBlockFunction("locals_params", i64f64f64_i64f64f64,
		func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			i := binary(f, b, ssa.OpcodeIadd, ssa.TypeI64, f.Param(0), f.Param(0))
			i = binary(f, b, ssa.OpcodeIsub, ssa.TypeI64, i, f.Param(0))
			x := binary(f, b, ssa.OpcodeFadd, ssa.TypeF64, f.Param(1), f.Param(1))
			y := binary(f, b, ssa.OpcodeFadd, ssa.TypeF64, f.Param(2), f.Param(2))
			return []ssa.Value{i, x, y}
		})}
	Constants = TestCase{Name: "constants", Func: singleBlockFunction("constants", v_i64f64,
		func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			big := iconst(f, b, ssa.TypeI64, 0xdead_beef_0000_1234)
			small := iconst(f, b, ssa.TypeI64, 10)
			sum := binary(f, b, ssa.OpcodeIadd, ssa.TypeI64, big, small)
			fc := f.AllocateValue(ssa.TypeF64)
			b.Insert(ssa.Instruction{Opcode: ssa.OpcodeF64const, Dst: fc, Imm: math.Float64bits(1.5)})
			return []ssa.Value{sum, fc}
		})}
	BlockBr = TestCase{Name: "block_br", Func: func() *ssa.Function {
		f := ssa.NewFunction("block_br", vv)
		b0, b1 := f.AllocateBlock(), f.AllocateBlock()
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeJump, Targets: []ssa.BasicBlockID{b1.ID}})
		b1.Insert(ssa.Instruction{Opcode: ssa.OpcodeReturn})
		return f
	}()}
	IfElse = TestCase{Name: "if_else", Func: func() *ssa.Function {
		f := ssa.NewFunction("if_else", i32_i32)
		b0, then, els := f.AllocateBlock(), f.AllocateBlock(), f.AllocateBlock()
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeBrz, Args: []ssa.Value{f.Param(0)}, Targets: []ssa.BasicBlockID{then.ID, els.ID}})
		ret(then, iconst(f, then, ssa.TypeI32, 1))
		ret(els, iconst(f, els, ssa.TypeI32, 2))
		return f
	}()}
	CompareAndBranch = TestCase{Name: "compare_and_branch", Func: func() *ssa.Function {
		f := ssa.NewFunction("compare_and_branch", i64i64_i64)
		b0, then, els := f.AllocateBlock(), f.AllocateBlock(), f.AllocateBlock()
		c := f.AllocateValue(ssa.TypeI32)
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeIcmp, Dst: c, Cond: ssa.IntegerCmpCondSignedLessThan, Args: []ssa.Value{f.Param(0), f.Param(1)}})
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeBrnz, Args: []ssa.Value{c}, Targets: []ssa.BasicBlockID{then.ID, els.ID}})
		ret(then, f.Param(0))
		ret(els, f.Param(1))
		return f
	}()}
	LoopBrIf = TestCase{Name: "loop_br_if", Func: func() *ssa.Function {
		f := ssa.NewFunction("loop_br_if", vv)
		b0, loop, exit := f.AllocateBlock(), f.AllocateBlock(), f.AllocateBlock()
		counter := iconst(f, b0, ssa.TypeI64, 10)
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeJump, Targets: []ssa.BasicBlockID{loop.ID}})
		one := iconst(f, loop, ssa.TypeI64, 1)
		loop.Insert(ssa.Instruction{Opcode: ssa.OpcodeIsub, Dst: counter, Args: []ssa.Value{counter, one}})
		loop.Insert(ssa.Instruction{Opcode: ssa.OpcodeBrnz, Args: []ssa.Value{counter}, Targets: []ssa.BasicBlockID{loop.ID, exit.ID}})
		exit.Insert(ssa.Instruction{Opcode: ssa.OpcodeReturn})
		return f
	}()}
	BrTable = TestCase{Name: "br_table", Func: func() *ssa.Function {
		f := ssa.NewFunction("br_table", i32_i32)
		b0 := f.AllocateBlock()
		targets := make([]ssa.BasicBlockID, 4)
		for i := range targets {
			b := f.AllocateBlock()
			ret(b, iconst(f, b, ssa.TypeI32, uint64(i)))
			targets[i] = b.ID
		}
		b0.Insert(ssa.Instruction{Opcode: ssa.OpcodeBrTable, Args: []ssa.Value{f.Param(0)}, Targets: targets})
		return f
	}()}
	CallWithRefs = TestCase{Name: "call_with_refs", Func: singleBlockFunction("call_with_refs", r64i64_r64i64,
		func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			res := f.AllocateValue(ssa.TypeI64)
			b.Insert(ssa.Instruction{Opcode: ssa.OpcodeCall, Callee: "callee", Args: []ssa.Value{f.Param(1)}, Results: []ssa.Value{res}})
			sum := binary(f, b, ssa.OpcodeIadd, ssa.TypeI64, res, f.Param(1))
			return []ssa.Value{f.Param(0), sum}
		})}
	Callee = TestCase{Name: "callee", Func: singleBlockFunction("callee", i64_i64, func(f *ssa.Function, _ *ssa.Block) []ssa.Value {
		return []ssa.Value{f.Param(0)}
	})}
	ManyParamsAndResults = TestCase{Name: "many_params_and_results", Func: func() *ssa.Function {
		sig := ssa.Signature{}
		for i := 0; i < 10; i++ {
			sig.Params = append(sig.Params, ssa.TypeI64)
			sig.Results = append(sig.Results, ssa.TypeI64)
		}
		return singleBlockFunction("many_params_and_results", sig, func(f *ssa.Function, b *ssa.Block) []ssa.Value {
			rets := make([]ssa.Value, 10)
			for i := range rets {
				rets[i] = f.Param(9 - i)
			}
			return rets
		})
	}()}
)

// All lists the test cases which compile with the default flags.
var All = []TestCase{
	Empty, Unreachable, Params, AddSubParamsReturn, SwapParamsAndReturn, LocalsParams, Constants,
	BlockBr, IfElse, CompareAndBranch, LoopBrIf, BrTable, CallWithRefs, Callee,
}

// Lookup returns the test case of the name among All and ManyParamsAndResults.
func Lookup(name string) (TestCase, bool) {
	for _, tc := range append(All, ManyParamsAndResults) {
		if tc.Name == name {
			return tc, true
		}
	}
	return TestCase{}, false
}

// Functions returns the functions of All.
func Functions() []*ssa.Function {
	ret := make([]*ssa.Function, len(All))
	for i, tc := range All {
		ret[i] = tc.Func
	}
	return ret
}

type TestCase struct {
	Name string
	Func *ssa.Function
}

func singleBlockFunction(name string, sig ssa.Signature, body func(f *ssa.Function, b *ssa.Block) []ssa.Value) *ssa.Function {
	f := ssa.NewFunction(name, sig)
	b := f.AllocateBlock()
	ret(b, body(f, b)...)
	return f
}

func binary(f *ssa.Function, b *ssa.Block, op ssa.Opcode, typ ssa.Type, x, y ssa.Value) ssa.Value {
	dst := f.AllocateValue(typ)
	b.Insert(ssa.Instruction{Opcode: op, Dst: dst, Args: []ssa.Value{x, y}})
	return dst
}

func iconst(f *ssa.Function, b *ssa.Block, typ ssa.Type, c uint64) ssa.Value {
	dst := f.AllocateValue(typ)
	b.Insert(ssa.Instruction{Opcode: ssa.OpcodeIconst, Dst: dst, Imm: c})
	return dst
}

func ret(b *ssa.Block, vs ...ssa.Value) {
	b.Insert(ssa.Instruction{Opcode: ssa.OpcodeReturn, Args: vs})
}

var (
	vv                  = ssa.Signature{}
	v_i64f64            = ssa.Signature{Results: []ssa.Type{i64, f64}}
	i64_i64             = ssa.Signature{Params: []ssa.Type{i64}, Results: []ssa.Type{i64}}
	i32_i32             = ssa.Signature{Params: []ssa.Type{i32}, Results: []ssa.Type{i32}}
	i32i32_i32          = ssa.Signature{Params: []ssa.Type{i32, i32}, Results: []ssa.Type{i32}}
	i32i32_i32i32       = ssa.Signature{Params: []ssa.Type{i32, i32}, Results: []ssa.Type{i32, i32}}
	i64i64_i64          = ssa.Signature{Params: []ssa.Type{i64, i64}, Results: []ssa.Type{i64}}
	i32f32f64_v         = ssa.Signature{Params: []ssa.Type{i32, f32, f64}}
	i64f64f64_i64f64f64 = ssa.Signature{Params: []ssa.Type{i64, f64, f64}, Results: []ssa.Type{i64, f64, f64}}
	r64i64_r64i64       = ssa.Signature{Params: []ssa.Type{r64, i64}, Results: []ssa.Type{r64, i64}}
)

const (
	i32 = ssa.TypeI32
	i64 = ssa.TypeI64
	f32 = ssa.TypeF32
	f64 = ssa.TypeF64
	r64 = ssa.TypeR64
)
