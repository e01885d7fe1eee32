package regalloc

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// RegSet is a set of physical registers. The zero value is an empty set.
type RegSet struct {
	bits *bitset.BitSet
}

// NewRegSet returns a RegSet containing the given registers.
func NewRegSet(regs ...RealReg) RegSet {
	var s RegSet
	for _, r := range regs {
		s.Add(r)
	}
	return s
}

// Add inserts the register into the set.
func (s *RegSet) Add(r RealReg) {
	if s.bits == nil {
		s.bits = bitset.New(uint(vRegIDReservedForRealNum))
	}
	s.bits.Set(uint(r))
}

// Has returns true if the register is in the set.
func (s RegSet) Has(r RealReg) bool {
	return s.bits != nil && s.bits.Test(uint(r))
}

// Len returns the number of registers in the set.
func (s RegSet) Len() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// Regs returns the registers in ascending order.
func (s RegSet) Regs() []RealReg {
	if s.bits == nil {
		return nil
	}
	ret := make([]RealReg, 0, s.bits.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		ret = append(ret, RealReg(i))
	}
	return ret
}

// Clone returns an independent copy of the set.
func (s RegSet) Clone() RegSet {
	if s.bits == nil {
		return RegSet{}
	}
	return RegSet{bits: s.bits.Clone()}
}

// Union adds all the registers of other into this set.
func (s *RegSet) Union(other RegSet) {
	for _, r := range other.Regs() {
		s.Add(r)
	}
}

// Equal returns true if both sets contain the same registers.
func (s RegSet) Equal(other RegSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for _, r := range s.Regs() {
		if !other.Has(r) {
			return false
		}
	}
	return true
}

// Format returns the set formatted with the given register namer.
func (s RegSet) Format(name func(RealReg) string) string {
	regs := s.Regs()
	strs := make([]string, len(regs))
	for i, r := range regs {
		strs[i] = name(r)
	}
	return "{" + strings.Join(strs, ", ") + "}"
}

// String implements fmt.Stringer.
func (s RegSet) String() string {
	return s.Format(RealReg.String)
}
