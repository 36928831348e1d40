package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

var _ wasmbridge.Memory = (api.Memory)(nil)

// FuncInfo describes an imported or exported function.
type FuncInfo struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Signature renders the function type, e.g. "(i32, f64) -> i32".
func (f FuncInfo) Signature() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, t := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(api.ValueTypeName(t))
	}
	sb.WriteString(") -> ")
	switch len(f.Results) {
	case 0:
		sb.WriteString("()")
	case 1:
		sb.WriteString(api.ValueTypeName(f.Results[0]))
	default:
		sb.WriteByte('(')
		for i, t := range f.Results {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(api.ValueTypeName(t))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortFuncs(fs []FuncInfo) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
}

// Instance is an instantiated guest. It implements boundary.Guest.
type Instance struct {
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
	defs    map[string]api.FunctionDefinition
	// idle holds api.Function values not currently executing. A wazero
	// function must not be re-entered while it runs, and reentrant guest
	// calls are routine here.
	idle   map[string][]api.Function
	mu     sync.Mutex
	closed bool
}

func newInstance(rt wazero.Runtime, mod api.Module) *Instance {
	return &Instance{
		runtime: rt,
		module:  mod,
		memory:  mod.Memory(),
		defs:    mod.ExportedFunctionDefinitions(),
		idle:    make(map[string][]api.Function),
	}
}

// HasExport reports whether the guest exports a function called name.
func (i *Instance) HasExport(name string) bool {
	_, ok := i.defs[name]
	return ok
}

// Export returns the definition of an exported function.
func (i *Instance) Export(name string) (api.FunctionDefinition, bool) {
	def, ok := i.defs[name]
	return def, ok
}

// Memory returns the guest's linear memory.
func (i *Instance) Memory() wasmbridge.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// Call invokes an export with raw wasm values.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn, err := i.acquire(name)
	if err != nil {
		return nil, err
	}
	defer i.release(name, fn)
	return fn.Call(ctx, params...)
}

func (i *Instance) acquire(name string) (api.Function, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, errors.New(errors.PhaseCall, errors.KindBroken).
			Name(name).
			Detail("instance is closed").
			Build()
	}
	if fns := i.idle[name]; len(fns) > 0 {
		fn := fns[len(fns)-1]
		i.idle[name] = fns[:len(fns)-1]
		return fn, nil
	}
	if _, ok := i.defs[name]; !ok {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	debugf("new function handle for %s", name)
	return fn, nil
}

func (i *Instance) release(name string, fn api.Function) {
	i.mu.Lock()
	if !i.closed {
		i.idle[name] = append(i.idle[name], fn)
	}
	i.mu.Unlock()
}

// Close releases the guest and its runtime.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.idle = nil
	i.mu.Unlock()

	err := i.module.Close(ctx)
	if rerr := i.runtime.Close(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
