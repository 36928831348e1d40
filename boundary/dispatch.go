package boundary

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
)

// HostFunc implements one import. Parameters arrive in stack and results
// are written back into it, as with wazero's GoModuleFunc.
type HostFunc func(ctx context.Context, c *Context, stack []uint64) error

// Import describes a host function the guest may import from module "wbg".
type Import struct {
	Fn      HostFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	// Catch routes failures to the guest's exception slot instead of
	// aborting the guest call.
	Catch bool
}

// ImportModule is the module name guests import host functions from.
const ImportModule = "wbg"

// hostAbort carries a host failure out of the guest as a panic.
// The runtime wraps it with %w, so errors.As finds it on the way out.
type hostAbort struct {
	err error
}

func (a *hostAbort) Error() string { return a.err.Error() }
func (a *hostAbort) Unwrap() error { return a.err }

// WithImports adds or replaces host imports.
func WithImports(imps ...*Import) Option {
	return func(c *Context) {
		c.extra = append(c.extra, imps...)
	}
}

// Imports returns the import table, sorted by name.
func (c *Context) Imports() []*Import {
	out := make([]*Import, 0, len(c.imports))
	for _, imp := range c.imports {
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Import resolves a guest import name. Generated shim names carry a hash
// suffix ("__wbg_get_0123456789abcdef"), so lookup falls back to the name
// with the suffix stripped.
func (c *Context) Import(name string) (*Import, bool) {
	if imp, ok := c.imports[name]; ok {
		return imp, true
	}
	if strings.HasPrefix(name, "__wbg_") {
		if imp, ok := c.imports["__wbg_"+errors.ShortImportName(name)]; ok {
			return imp, true
		}
	}
	return nil, false
}

// Dispatch runs imp on behalf of the guest. Failures either land in the
// exception slot (Catch imports) or abort the guest call with a panic that
// the outer call turns back into an error.
func (c *Context) Dispatch(ctx context.Context, imp *Import, stack []uint64) {
	err := c.runImport(ctx, imp, stack)
	if err == nil {
		return
	}

	if imp.Catch && !isFatal(err) {
		serr := c.storeException(ctx, err)
		if serr == nil {
			for i := range imp.Results {
				stack[i] = 0
			}
			return
		}
		err = serr
	}

	c.log.Debug("host import aborted guest call",
		zap.String("import", imp.Name),
		zap.Error(err))
	panic(&hostAbort{err: err})
}

func (c *Context) runImport(ctx context.Context, imp *Import, stack []uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(*hostAbort); ok {
				err = abort.err
				return
			}
			if e, ok := r.(error); ok {
				err = errors.Wrap(errors.PhaseHost, errors.KindInvalidInput, e, "host import panicked")
			} else {
				err = errors.New(errors.PhaseHost, errors.KindInvalidInput).
					Detail("host import panicked: %v", r).
					Build()
			}
		}
		if err != nil {
			var be *errors.Error
			if stderrors.As(err, &be) && be.Name == "" && be.Phase != errors.PhaseCall {
				be.Name = imp.Name
			}
		}
	}()

	if c.guest == nil {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Name(imp.Name).
			Detail("import called before the guest was attached").
			Build()
	}
	return imp.Fn(ctx, c, stack)
}

func isFatal(err error) bool {
	var be *errors.Error
	if !stderrors.As(err, &be) {
		return false
	}
	return be.Kind == errors.KindBroken || be.Kind == errors.KindTrap
}

// thrownValue unwraps the value a host failure stands for.
func thrownValue(err error) any {
	var th *errors.Thrown
	if stderrors.As(err, &th) {
		return th.Value
	}
	return err
}

func (c *Context) storeException(ctx context.Context, err error) error {
	h := c.heap.Register(thrownValue(err))
	if _, serr := c.callExport(ctx, ExportExnStore, uint64(h)); serr != nil {
		_ = c.heap.Release(h)
		return serr
	}
	return nil
}

// Object returns the value behind a guest-supplied handle.
func (c *Context) Object(h uint64) (any, error) {
	return c.heap.Get(heap.Handle(uint32(h)))
}

// TakeObject returns the value and releases the guest's handle.
func (c *Context) TakeObject(h uint64) (any, error) {
	return c.heap.Take(heap.Handle(uint32(h)))
}

// AddObject registers v and returns the handle as a wasm value.
func (c *Context) AddObject(v any) uint64 {
	return uint64(c.heap.Register(v))
}

func (c *Context) buildImports() map[string]*Import {
	table := make(map[string]*Import)
	add := func(imp *Import) { table[imp.Name] = imp }

	for _, imp := range standardImports() {
		add(imp)
	}
	for _, imp := range capabilityImports() {
		add(imp)
	}
	for name, shape := range c.shapes {
		switch {
		case strings.HasPrefix(name, "__wbindgen_closure_wrapper"):
			add(closureWrapperImport(shape))
		case name == importForEach:
			add(forEachImport(shape))
		default:
			c.log.Warn("closure shape does not match any import", zap.String("shape", name))
		}
	}
	for _, imp := range c.extra {
		if imp == nil || imp.Fn == nil {
			continue
		}
		add(imp)
	}
	return table
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}
