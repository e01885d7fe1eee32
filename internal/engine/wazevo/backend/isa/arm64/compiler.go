package arm64

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

// Compile compiles a single function for arm64.
func Compile(fn *ssa.Function, flags *backend.Flags, log *logrus.Entry) (*backend.CompiledFunction, error) {
	return backend.NewCompiler[instruction](NewBackend(), flags, log).Compile(fn)
}

// CompileAll compiles the functions for arm64 on up to `workers` goroutines.
func CompileAll(ctx context.Context, flags *backend.Flags, log *logrus.Entry, fns []*ssa.Function, workers int) ([]*backend.CompiledFunction, error) {
	return backend.CompileAll[instruction](ctx, NewBackend, flags, log, fns, workers)
}

// ResolveRelocations patches the calls of the function placed at funcOffset in the executable,
// where offsets gives the position of each callee in the same executable.
func ResolveRelocations(executable []byte, funcOffset int, relocs []backend.MachReloc, offsets map[string]int) error {
	for _, r := range relocs {
		if r.Kind != backend.RelocKindCall26 {
			return errors.Errorf("unsupported relocation %s", r.Kind)
		}
		target, ok := offsets[r.Name]
		if !ok {
			return errors.Wrapf(backend.ErrUnresolvedCallee, "%s", r.Name)
		}
		at := funcOffset + int(r.Offset)
		diff := int64(target-at) + r.Addend
		// BL reaches +-128MiB.
		if diff < -(1<<27) || diff >= 1<<27 {
			return errors.Errorf("call to %s at %#x is out of range", r.Name, at)
		}
		binary.LittleEndian.PutUint32(executable[at:], encodeUnconditionalBranch(true, diff))
	}
	return nil
}
