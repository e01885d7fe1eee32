package backend

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// StackMap describes which 8-byte words of a frame hold references at a safepoint.
// Word 0 is at the stack pointer.
type StackMap struct {
	bits        *bitset.BitSet
	mappedWords uint32
}

// NewStackMap returns a StackMap covering mappedWords words where refWords hold references.
func NewStackMap(mappedWords uint32, refWords ...uint32) *StackMap {
	sm := &StackMap{bits: bitset.New(uint(mappedWords)), mappedWords: mappedWords}
	for _, w := range refWords {
		if w >= mappedWords {
			panic(fmt.Sprintf("BUG: reference word %d outside of the %d mapped words", w, mappedWords))
		}
		sm.bits.Set(uint(w))
	}
	return sm
}

// MappedWords returns the number of words covered by the stack map.
func (sm *StackMap) MappedWords() uint32 { return sm.mappedWords }

// IsRef returns true if the word holds a reference.
func (sm *StackMap) IsRef(word uint32) bool {
	return word < sm.mappedWords && sm.bits.Test(uint(word))
}

// RefWords returns the words holding references in ascending order.
func (sm *StackMap) RefWords() []uint32 {
	ret := make([]uint32, 0, sm.bits.Count())
	for i, ok := sm.bits.NextSet(0); ok; i, ok = sm.bits.NextSet(i + 1) {
		ret = append(ret, uint32(i))
	}
	return ret
}

// String implements fmt.Stringer.
func (sm *StackMap) String() string {
	var sb strings.Builder
	for w := uint32(0); w < sm.mappedWords; w++ {
		if sm.IsRef(w) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return fmt.Sprintf("stackmap[%s]", sb.String())
}
