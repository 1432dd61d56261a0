package pjit

import (
	"fmt"
	"os"
	"sync"

	"tinygo.org/x/go-llvm"
)

// ModuleHandle identifies a module handed to the backend, together with
// the engine that owns its code.
type ModuleHandle struct {
	mod    llvm.Module
	engine llvm.ExecutionEngine
}

// Backend is the outbound optimizer contract: hand over a module, then
// resolve an emitted symbol to a native address. Implementations may
// run arbitrary optimization pipelines; the runtime treats this as
// opaque. The worker pool owns the backend exclusively during a build.
type Backend interface {
	AddModule(mod llvm.Module) (ModuleHandle, error)
	FindSymbol(h ModuleHandle, name string, dataLayout string) (uintptr, error)
}

// mcjitBackend is the default backend: the configured pass pipeline
// followed by MCJIT code emission. Engines are kept alive for the
// process lifetime; cache entries never evict, so emitted code must
// never be freed.
type mcjitBackend struct {
	pipeline string

	initOnce sync.Once
	initErr  error
	tm       llvm.TargetMachine

	mu      sync.Mutex
	engines []ModuleHandle
}

func newMCJITBackend(pipeline string) *mcjitBackend {
	return &mcjitBackend{pipeline: pipeline}
}

// NewBackend returns the default backend running the given pipeline.
func NewBackend(pipeline string) Backend { return newMCJITBackend(pipeline) }

// SetBackend replaces the runtime's backend.
func (r *Runtime) SetBackend(b Backend) { r.backend = b }

func (b *mcjitBackend) init() error {
	b.initOnce.Do(func() {
		if err := llvm.InitializeNativeTarget(); err != nil {
			b.initErr = fmt.Errorf("initialize native target: %w", err)
			return
		}
		if err := llvm.InitializeNativeAsmPrinter(); err != nil {
			b.initErr = fmt.Errorf("initialize native asm printer: %w", err)
			return
		}

		triple := llvm.DefaultTargetTriple()
		target, err := llvm.GetTargetFromTriple(triple)
		if err != nil {
			b.initErr = fmt.Errorf("resolve target %s: %w", triple, err)
			return
		}
		b.tm = target.CreateTargetMachine(triple, "", "",
			llvm.CodeGenLevelAggressive, llvm.RelocDefault, llvm.CodeModelJITDefault)
	})
	return b.initErr
}

// AddModule optimizes the module and hands it to a fresh MCJIT engine.
func (b *mcjitBackend) AddModule(mod llvm.Module) (ModuleHandle, error) {
	if err := b.init(); err != nil {
		return ModuleHandle{}, err
	}

	if b.pipeline != "" {
		opts := llvm.NewPassBuilderOptions()
		defer opts.Dispose()
		if err := mod.RunPasses(b.pipeline, b.tm, opts); err != nil {
			return ModuleHandle{}, fmt.Errorf("run pipeline %q: %w", b.pipeline, err)
		}
	}

	mcopts := llvm.NewMCJITCompilerOptions()
	mcopts.SetMCJITOptimizationLevel(3)
	engine, err := llvm.NewMCJITCompiler(mod, mcopts)
	if err != nil {
		return ModuleHandle{}, fmt.Errorf("create mcjit engine: %w", err)
	}

	h := ModuleHandle{mod: mod, engine: engine}
	b.mu.Lock()
	b.engines = append(b.engines, h)
	b.mu.Unlock()
	return h, nil
}

// FindSymbol resolves an emitted function to its native address.
func (b *mcjitBackend) FindSymbol(h ModuleHandle, name string, _ string) (uintptr, error) {
	fn := h.mod.NamedFunction(name)
	if fn.IsNil() {
		return 0, fmt.Errorf("symbol %q not found in emitted module", name)
	}
	ptr := h.engine.PointerToGlobal(fn)
	if ptr == nil {
		return 0, fmt.Errorf("symbol %q has no address", name)
	}
	return uintptr(ptr), nil
}

// parseIR reads a serialized prototype back into a module owned by ctx.
func parseIR(ctx llvm.Context, ir, name string) (llvm.Module, error) {
	tmp, err := os.CreateTemp("", name+"-*.ll")
	if err != nil {
		return llvm.Module{}, fmt.Errorf("stage prototype ir: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(ir); err != nil {
		tmp.Close()
		return llvm.Module{}, fmt.Errorf("stage prototype ir: %w", err)
	}
	tmp.Close()

	buf, err := llvm.NewMemoryBufferFromFile(tmp.Name())
	if err != nil {
		return llvm.Module{}, fmt.Errorf("read prototype ir: %w", err)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return llvm.Module{}, fmt.Errorf("parse prototype ir: %w", err)
	}
	return mod, nil
}
