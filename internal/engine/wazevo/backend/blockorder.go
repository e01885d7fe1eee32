package backend

import "github.com/faddat/vcode/internal/engine/wazevo/ssa"

// BlockLoweringOrder maps the lowered blocks back to the IR blocks they come from.
type BlockLoweringOrder interface {
	// LoweredIndexToBlock returns the IR block of the lowered block, or false if the block
	// was synthesized during lowering.
	LoweredIndexToBlock(b BlockIndex) (ssa.BasicBlockID, bool)
}

// BlockOrder is a BlockLoweringOrder backed by a table indexed by BlockIndex.
type BlockOrder struct {
	blocks []ssa.BasicBlockID
}

// NewBlockOrder returns a BlockOrder where the i-th lowered block comes from blocks[i].
// ssa.BasicBlockIDInvalid marks synthesized blocks.
func NewBlockOrder(blocks ...ssa.BasicBlockID) *BlockOrder {
	return &BlockOrder{blocks: blocks}
}

// Append adds the next lowered block and returns its index.
func (o *BlockOrder) Append(id ssa.BasicBlockID) BlockIndex {
	o.blocks = append(o.blocks, id)
	return BlockIndex(len(o.blocks) - 1)
}

// Len returns the number of lowered blocks.
func (o *BlockOrder) Len() int { return len(o.blocks) }

// LoweredIndexToBlock implements BlockLoweringOrder.
func (o *BlockOrder) LoweredIndexToBlock(b BlockIndex) (ssa.BasicBlockID, bool) {
	if int(b) >= len(o.blocks) || o.blocks[b] == ssa.BasicBlockIDInvalid {
		return ssa.BasicBlockIDInvalid, false
	}
	return o.blocks[b], true
}
