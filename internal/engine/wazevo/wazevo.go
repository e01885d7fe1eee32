// Package wazevo compiles modules of ssa functions into arm64 executables.
package wazevo

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/backend/isa/arm64"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
)

type (
	// Engine compiles modules and keeps the compiled ones until they are deleted.
	Engine interface {
		// CompileModule compiles the module unless a module with the same ID is already compiled.
		CompileModule(ctx context.Context, m *Module) error
		// CompiledModule returns the compiled module of the ID, if any.
		CompiledModule(id ModuleID) (*CompiledModule, bool)
		// CompiledModuleCount returns the number of compiled modules.
		CompiledModuleCount() uint32
		// DeleteCompiledModule releases the compiled module.
		DeleteCompiledModule(m *Module)
		// Close releases every compiled module.
		Close() error
	}

	// ModuleID is the SHA-256 of the textual form of the functions of a module.
	ModuleID [sha256.Size]byte

	// Module is a set of functions which may call each other by name.
	Module struct {
		ID        ModuleID
		Functions []*ssa.Function
	}

	// CompiledModule is the linked machine code of a Module.
	CompiledModule struct {
		Executable []byte
		Functions  []CompiledFunction
	}

	// CompiledFunction is a function placed in the executable of its module.
	CompiledFunction struct {
		*backend.CompiledFunction
		// Offset is the position of the function in the executable.
		Offset int
	}

	// engine implements Engine.
	engine struct {
		flags           *backend.Flags
		log             *logrus.Entry
		workers         int
		compiledModules map[ModuleID]*CompiledModule
		mux             sync.RWMutex
	}
)

// functionAlignment is the alignment of each function in the executable.
const functionAlignment = 16

var _ Engine = (*engine)(nil)

// NewModule returns a Module of the functions with its ID computed.
func NewModule(fns ...*ssa.Function) *Module {
	texts := make([]string, len(fns))
	for i, fn := range fns {
		texts[i] = fn.String()
	}
	return &Module{ID: moduleID(texts...), Functions: fns}
}

// moduleID hashes the texts, each prefixed with its length so that no two sequences collide by concatenation.
func moduleID(texts ...string) (id ModuleID) {
	h := sha256.New()
	var size [8]byte
	for _, text := range texts {
		binary.LittleEndian.PutUint64(size[:], uint64(len(text)))
		h.Write(size[:])
		h.Write([]byte(text))
	}
	copy(id[:], h.Sum(nil))
	return
}

// NewEngine returns an Engine compiling functions on up to `workers` goroutines.
func NewEngine(flags *backend.Flags, log *logrus.Entry, workers int) Engine {
	if flags == nil {
		flags = backend.DefaultFlags()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &engine{flags: flags, log: log, workers: workers, compiledModules: make(map[ModuleID]*CompiledModule)}
}

// CompileModule implements Engine.
func (e *engine) CompileModule(ctx context.Context, m *Module) error {
	if _, ok := e.CompiledModule(m.ID); ok {
		return nil
	}
	cm := &CompiledModule{}
	if len(m.Functions) == 0 {
		e.addCompiledModule(m, cm)
		return nil
	}

	offsets := make(map[string]int, len(m.Functions))
	for _, fn := range m.Functions {
		if _, ok := offsets[fn.Name]; ok {
			return errors.Errorf("function %s is defined twice", fn.Name)
		}
		offsets[fn.Name] = 0
	}

	compiled, err := arm64.CompileAll(ctx, e.flags, e.log, m.Functions, e.workers)
	if err != nil {
		return errors.Wrap(err, "ssa->machine code")
	}

	var totalSize int
	cm.Functions = make([]CompiledFunction, len(compiled))
	for i, cf := range compiled {
		cm.Functions[i] = CompiledFunction{CompiledFunction: cf, Offset: totalSize}
		offsets[cf.Name] = totalSize
		// Align 16-bytes boundary.
		totalSize = (totalSize + len(cf.Code.Data) + functionAlignment - 1) &^ (functionAlignment - 1)
	}

	cm.Executable = make([]byte, totalSize)
	for _, f := range cm.Functions {
		copy(cm.Executable[f.Offset:], f.Code.Data)
	}
	for _, f := range cm.Functions {
		if err = arm64.ResolveRelocations(cm.Executable, f.Offset, f.Code.Relocs, offsets); err != nil {
			return errors.Wrapf(err, "linking %s", f.Name)
		}
	}

	e.log.WithFields(logrus.Fields{
		"functions": len(cm.Functions),
		"size":      totalSize,
	}).Debug("compiled module")
	e.addCompiledModule(m, cm)
	return nil
}

// CompiledModule implements Engine.
func (e *engine) CompiledModule(id ModuleID) (*CompiledModule, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	cm, ok := e.compiledModules[id]
	return cm, ok
}

// Close implements Engine.
func (e *engine) Close() (err error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.compiledModules = make(map[ModuleID]*CompiledModule)
	return nil
}

// CompiledModuleCount implements Engine.
func (e *engine) CompiledModuleCount() uint32 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return uint32(len(e.compiledModules))
}

// DeleteCompiledModule implements Engine.
func (e *engine) DeleteCompiledModule(m *Module) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.compiledModules, m.ID)
}

func (e *engine) addCompiledModule(m *Module, cm *CompiledModule) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.compiledModules[m.ID] = cm
}

// Lookup returns the function of the name in the compiled module.
func (cm *CompiledModule) Lookup(name string) (CompiledFunction, bool) {
	for _, f := range cm.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return CompiledFunction{}, false
}
