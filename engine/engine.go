package engine

import (
	"bytes"
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/errors"
)

// Magic is the preamble every core wasm binary starts with.
var Magic = []byte{0x00, 0x61, 0x73, 0x6d}

// Config holds configuration for engine creation
type Config struct {
	// CacheDir persists compiled code across processes. Empty keeps the
	// cache in memory for the lifetime of the engine.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// CloseOnContextDone makes running guest code observe context
	// cancellation. Off by default: a boundary call runs to completion.
	CloseOnContextDone bool

	// EnableWASI satisfies wasi_snapshot_preview1 imports, for guests built
	// against a libc.
	EnableWASI bool
}

// Engine compiles guest binaries. Every instance gets its own wazero
// runtime so it can carry its own wbg host module; compiled code is
// shared through the engine's compilation cache.
type Engine struct {
	cfg   Config
	cache wazero.CompilationCache
	mu    sync.Mutex
	done  bool
}

// New creates an engine with the given configuration. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	e := &Engine{}
	if cfg != nil {
		e.cfg = *cfg
	}
	if e.cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(e.cfg.CacheDir)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Name("cache_dir").
				Detail("open compilation cache %q", e.cfg.CacheDir).
				Cause(err).
				Build()
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}
	return e, nil
}

func (e *Engine) newRuntime(ctx context.Context) wazero.Runtime {
	rc := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(e.cfg.CloseOnContextDone)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	return wazero.NewRuntimeWithConfig(ctx, rc)
}

// Compile validates and compiles a guest binary.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	if !bytes.HasPrefix(wasm, Magic) {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Detail("not a wasm binary (%d bytes)", len(wasm)).
			Build()
	}

	// A scratch runtime fills the cache and gives us the import and
	// export tables; instances recompile from the cache.
	rt := e.newRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "compile module")
	}

	m := &Module{engine: e, wasm: wasm}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		m.imports = append(m.imports, FuncInfo{
			Module:  mod,
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	for name, def := range compiled.ExportedFunctions() {
		m.exports = append(m.exports, FuncInfo{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	sortFuncs(m.exports)
	_, m.hasMemory = compiledMemory(compiled)

	debugf("compiled module: %d imports, %d exports", len(m.imports), len(m.exports))
	return m, nil
}

func compiledMemory(compiled wazero.CompiledModule) (api.MemoryDefinition, bool) {
	for _, def := range compiled.ExportedMemories() {
		return def, true
	}
	return nil, false
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	return e.cache.Close(ctx)
}

// Module is a compiled guest binary that can be instantiated any number of times.
type Module struct {
	engine    *Engine
	wasm      []byte
	imports   []FuncInfo
	exports   []FuncInfo
	hasMemory bool
}

// Imports returns the functions the guest imports, in declaration order.
func (m *Module) Imports() []FuncInfo { return m.imports }

// Exports returns the functions the guest exports, sorted by name.
func (m *Module) Exports() []FuncInfo { return m.exports }

// CheckImports reports every import bctx cannot serve. Type mismatches
// are reported before missing names.
func (m *Module) CheckImports(bctx *boundary.Context) error {
	var missing []string
	for _, fn := range m.imports {
		if m.engine.cfg.EnableWASI && fn.Module == wasi_snapshot_preview1.ModuleName {
			continue
		}
		if fn.Module != boundary.ImportModule {
			missing = append(missing, fn.Module+"#"+fn.Name)
			continue
		}
		imp, ok := bctx.Import(fn.Name)
		if !ok {
			missing = append(missing, fn.Module+"#"+fn.Name)
			continue
		}
		if !sameTypes(fn.Params, imp.Params) || !sameTypes(fn.Results, imp.Results) {
			return errors.New(errors.PhaseLoad, errors.KindTypeMismatch).
				Name(fn.Name).
				Detail("guest imports %s, host provides %s",
					fn.Signature(), FuncInfo{Params: imp.Params, Results: imp.Results}.Signature()).
				Build()
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}

// Instantiate links the guest against bctx's import table, instantiates it
// and attaches it to bctx.
func (m *Module) Instantiate(ctx context.Context, bctx *boundary.Context) (*Instance, error) {
	if !m.hasMemory {
		return nil, errors.NotFound(errors.PhaseLoad, "export", "memory")
	}
	if err := m.CheckImports(bctx); err != nil {
		return nil, err
	}

	rt := m.engine.newRuntime(ctx)
	inst, err := m.instantiate(ctx, rt, bctx)
	if err != nil {
		if cerr := rt.Close(ctx); cerr != nil {
			Logger().Debug("close runtime after failed instantiation", zap.Error(cerr))
		}
		return nil, err
	}
	if err := bctx.Attach(inst); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (m *Module) instantiate(ctx context.Context, rt wazero.Runtime, bctx *boundary.Context) (*Instance, error) {
	if m.engine.cfg.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "instantiate wasi")
		}
	}
	if err := m.linkHost(ctx, rt, bctx); err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, m.wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "compile module")
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return newInstance(rt, mod), nil
}

// linkHost builds the wbg host module. Only the names the guest imports
// are exported from it, under the guest's spelling of each name.
func (m *Module) linkHost(ctx context.Context, rt wazero.Runtime, bctx *boundary.Context) error {
	builder := rt.NewHostModuleBuilder(boundary.ImportModule)
	seen := make(map[string]bool)
	for _, fn := range m.imports {
		if fn.Module != boundary.ImportModule || seen[fn.Name] {
			continue
		}
		seen[fn.Name] = true
		imp, _ := bctx.Import(fn.Name)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunc(bctx, imp), imp.Params, imp.Results).
			WithName(fn.Name).
			Export(fn.Name)
	}
	if len(seen) == 0 {
		return nil
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "instantiate host module")
	}
	return nil
}

func hostFunc(bctx *boundary.Context, imp *boundary.Import) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		bctx.Dispatch(ctx, imp, stack)
	}
}
