package runtime

import (
	"context"
	"sync"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/manifest"
)

// Instance is an instantiated guest with its boundary context. Like the
// context it wraps, it is used by one goroutine at a time.
type Instance struct {
	runtime   *Runtime
	module    *engine.Module
	engine    *engine.Instance
	bctx      *boundary.Context
	manifest  *manifest.Manifest
	closeOnce sync.Once
	closeErr  error
}

// Call invokes an entry point declared in the manifest. Arguments are
// converted to the kinds its signature lists. A value the guest reports
// through a fallible entry point comes back as *errors.Thrown.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	sig, err := i.manifest.Signature(name)
	if err != nil {
		return nil, err
	}
	if len(args) != len(sig.Params) {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Name(name).
			Detail("expected %d arguments, got %d", len(sig.Params), len(args)).
			Build()
	}
	bargs := make([]boundary.Arg, len(args))
	for n, v := range args {
		bargs[n] = boundary.Arg{Kind: sig.Params[n], Value: v}
	}
	return i.bctx.Call(ctx, name, sig, bargs...)
}

// Invoke calls any export with an explicit signature.
func (i *Instance) Invoke(ctx context.Context, name string, sig boundary.Signature, args ...boundary.Arg) (any, error) {
	return i.bctx.Call(ctx, name, sig, args...)
}

// CallGuest is Invoke without unwrapping guest-reported errors.
func (i *Instance) CallGuest(ctx context.Context, name string, sig boundary.Signature, args ...boundary.Arg) (boundary.CallResult, error) {
	return i.bctx.CallGuest(ctx, name, sig, args...)
}

// Context returns the boundary context.
func (i *Instance) Context() *boundary.Context { return i.bctx }

// Module returns the compiled guest this instance was created from.
func (i *Instance) Module() *engine.Module { return i.module }

// Exports lists the guest's function exports.
func (i *Instance) Exports() []engine.FuncInfo { return i.module.Exports() }

// Memory returns the guest's linear memory.
func (i *Instance) Memory() wasmbridge.Memory { return i.engine.Memory() }

// Stats returns a snapshot of the boundary state.
func (i *Instance) Stats() boundary.Stats { return i.bctx.Stats() }

// Flush runs frees queued by finalizers and dropped handles.
func (i *Instance) Flush(ctx context.Context) error { return i.bctx.Flush(ctx) }

// Close drops live closures, releases the heap and closes the guest.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		berr := i.bctx.Close(ctx)
		ierr := i.engine.Close(ctx)
		if berr != nil {
			i.closeErr = berr
		} else {
			i.closeErr = ierr
		}
	})
	return i.closeErr
}
