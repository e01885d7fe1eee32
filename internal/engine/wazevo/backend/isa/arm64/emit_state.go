package arm64

import "github.com/faddat/vcode/internal/engine/wazevo/backend"

// emitState implements backend.EmitState.
type emitState struct {
	// spOffset is the size of the outgoing argument area currently allocated below the frame.
	spOffset int64
	// stackMap is the stack map of the next safepoint, set by PreSafepoint.
	stackMap *backend.StackMap
}

// PreSafepoint implements backend.EmitState.
func (s *emitState) PreSafepoint(sm *backend.StackMap) {
	s.stackMap = sm
}

// takeStackMap returns the pending stack map, if any, and clears it.
func (s *emitState) takeStackMap() *backend.StackMap {
	sm := s.stackMap
	s.stackMap = nil
	return sm
}
