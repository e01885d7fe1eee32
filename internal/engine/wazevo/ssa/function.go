package ssa

import (
	"fmt"
	"strings"
)

// Value is a variable of a Function. Values may be redefined by multiple instructions,
// so this is looser than the strict SSA form; the backend never assumes a single definition.
type Value uint32

// ValueInvalid is the absence of a Value.
const ValueInvalid Value = 0xffffffff

// Valid returns true if this Value is valid.
func (v Value) Valid() bool { return v != ValueInvalid }

// String implements fmt.Stringer.
func (v Value) String() string {
	if !v.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("v%d", v)
}

// Opcode represents the operation of an Instruction.
type Opcode uint32

const (
	// OpcodeJump jumps to Targets[0] unconditionally.
	OpcodeJump Opcode = 1 + iota
	// OpcodeBrz jumps to Targets[0] if Args[0] is zero, otherwise to Targets[1].
	OpcodeBrz
	// OpcodeBrnz jumps to Targets[0] if Args[0] is non-zero, otherwise to Targets[1].
	OpcodeBrnz
	// OpcodeBrTable jumps to Targets[1+Args[0]], or to Targets[0] if Args[0] is out of range.
	OpcodeBrTable
	// OpcodeTrap unconditionally traps with the code Imm.
	OpcodeTrap
	// OpcodeReturn returns Args from the function.
	OpcodeReturn
	// OpcodeCall calls Callee with Args and stores the returned values into Results.
	OpcodeCall
	// OpcodeIconst defines Dst as the integer constant Imm.
	OpcodeIconst
	// OpcodeF64const defines Dst as the float constant whose bits are Imm.
	OpcodeF64const
	// OpcodeIadd defines Dst as Args[0] + Args[1].
	OpcodeIadd
	// OpcodeIsub defines Dst as Args[0] - Args[1].
	OpcodeIsub
	// OpcodeFadd defines Dst as Args[0] + Args[1] on floats.
	OpcodeFadd
	// OpcodeIcmp defines Dst as 1 if Cond holds between Args[0] and Args[1], 0 otherwise.
	OpcodeIcmp
	// OpcodeCopy defines Dst as Args[0].
	OpcodeCopy
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case OpcodeJump:
		return "Jump"
	case OpcodeBrz:
		return "Brz"
	case OpcodeBrnz:
		return "Brnz"
	case OpcodeBrTable:
		return "BrTable"
	case OpcodeTrap:
		return "Trap"
	case OpcodeReturn:
		return "Return"
	case OpcodeCall:
		return "Call"
	case OpcodeIconst:
		return "Iconst"
	case OpcodeF64const:
		return "F64const"
	case OpcodeIadd:
		return "Iadd"
	case OpcodeIsub:
		return "Isub"
	case OpcodeFadd:
		return "Fadd"
	case OpcodeIcmp:
		return "Icmp"
	case OpcodeCopy:
		return "Copy"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// DefinesDst returns true if instructions of this opcode define Dst.
func (o Opcode) DefinesDst() bool {
	switch o {
	case OpcodeIconst, OpcodeF64const, OpcodeIadd, OpcodeIsub, OpcodeFadd, OpcodeIcmp, OpcodeCopy:
		return true
	default:
		return false
	}
}

// IsBranching returns true if the opcode ends a basic block.
func (o Opcode) IsBranching() bool {
	switch o {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable, OpcodeTrap, OpcodeReturn:
		return true
	default:
		return false
	}
}

// Instruction is a flattened IR instruction. Each field is interpreted depending on Opcode.
type Instruction struct {
	Opcode  Opcode
	Dst     Value
	Results []Value
	Args    []Value
	Targets []BasicBlockID
	Imm     uint64
	Cond    IntegerCmpCond
	Callee  string
	// SourcePos is the opaque source position, e.g. the offset in the Wasm binary. Zero means unknown.
	SourcePos uint32
}

// String implements fmt.Stringer.
func (i *Instruction) String() string {
	var sb strings.Builder
	if i.Opcode.DefinesDst() {
		sb.WriteString(i.Dst.String())
		sb.WriteString(" = ")
	} else if len(i.Results) > 0 {
		sb.WriteString(joinValues(i.Results))
		sb.WriteString(" = ")
	}
	sb.WriteString(i.Opcode.String())
	switch i.Opcode {
	case OpcodeIconst, OpcodeF64const, OpcodeTrap:
		fmt.Fprintf(&sb, " %#x", i.Imm)
	case OpcodeIcmp:
		fmt.Fprintf(&sb, " %s", i.Cond)
	case OpcodeCall:
		fmt.Fprintf(&sb, " %s", i.Callee)
	}
	if len(i.Args) > 0 {
		sb.WriteString(" ")
		sb.WriteString(joinValues(i.Args))
	}
	for _, t := range i.Targets {
		sb.WriteString(" ")
		sb.WriteString(t.String())
	}
	return sb.String()
}

func joinValues(vs []Value) string {
	strs := make([]string, len(vs))
	for i, v := range vs {
		strs[i] = v.String()
	}
	return strings.Join(strs, ", ")
}

// Signature is the type of a Function.
type Signature struct {
	Params, Results []Type
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return "(" + joinTypes(s.Params) + ") -> (" + joinTypes(s.Results) + ")"
}

func joinTypes(ts []Type) string {
	strs := make([]string, len(ts))
	for i, t := range ts {
		strs[i] = t.String()
	}
	return strings.Join(strs, ", ")
}

// Block is a basic block of a Function. The last instruction must be branching.
type Block struct {
	ID           BasicBlockID
	Instructions []Instruction
}

// Function is a function body ready to be lowered by the backend.
// Blocks[0] is the entry block and the first len(Sig.Params) values are the parameters.
type Function struct {
	Name   string
	Sig    Signature
	Values []Type
	Blocks []*Block
}

// NewFunction returns a Function whose parameters are already allocated as values.
func NewFunction(name string, sig Signature) *Function {
	f := &Function{Name: name, Sig: sig}
	for _, t := range sig.Params {
		f.AllocateValue(t)
	}
	return f
}

// AllocateValue allocates a new Value of the given type.
func (f *Function) AllocateValue(t Type) Value {
	f.Values = append(f.Values, t)
	return Value(len(f.Values) - 1)
}

// AllocateBlock appends a new empty Block to the function.
func (f *Function) AllocateBlock() *Block {
	b := &Block{ID: BasicBlockID(len(f.Blocks))}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Param returns the Value of the i-th parameter.
func (f *Function) Param(i int) Value {
	if i >= len(f.Sig.Params) {
		panic(fmt.Sprintf("BUG: parameter %d out of range", i))
	}
	return Value(i)
}

// ValueType returns the type of the Value.
func (f *Function) ValueType(v Value) Type {
	return f.Values[v]
}

// Insert appends the instruction to the block.
func (b *Block) Insert(instr Instruction) *Block {
	b.Instructions = append(b.Instructions, instr)
	return b
}

// String implements fmt.Stringer.
func (f *Function) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s(", f.Name)
	for i, p := range f.Sig.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "v%d:%s", i, p)
	}
	sb.WriteString(")")
	for i, r := range f.Sig.Results {
		if i == 0 {
			sb.WriteString(" -> ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteString("\n")
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "%s:\n", b.ID)
		for i := range b.Instructions {
			fmt.Fprintf(&sb, "\t%s\n", b.Instructions[i].String())
		}
	}
	return sb.String()
}
