package backend

import "fmt"

// SourceLoc is an opaque source position, e.g. the offset in the original Wasm binary.
// The zero value is SourceLocDefault, which means the position is unknown.
type SourceLoc uint32

// SourceLocDefault is the source location of instructions with no known origin.
const SourceLocDefault SourceLoc = 0

// IsDefault returns true if the location is unknown.
func (l SourceLoc) IsDefault() bool { return l == SourceLocDefault }

// String implements fmt.Stringer.
func (l SourceLoc) String() string {
	if l.IsDefault() {
		return "@-"
	}
	return fmt.Sprintf("@%#x", uint32(l))
}
