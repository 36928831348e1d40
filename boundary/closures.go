package boundary

import (
	"context"

	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/closure"
	"github.com/wippyai/wasm-bridge/errors"
)

// closureWrapperImport serves __wbindgen_closure_wrapperN(a, b, _) -> handle.
func closureWrapperImport(shape closure.Shape) *Import {
	return &Import{
		Name:    shape.Name,
		Params:  i32s(3),
		Results: i32s(1),
		Fn: func(_ context.Context, c *Context, stack []uint64) error {
			cl := c.wrapClosure(shape, uint32(stack[0]), uint32(stack[1]))
			stack[0] = c.AddObject(cl)
			return nil
		},
	}
}

// forEachImport serves __wbg_foreach(array, a, b): the guest lends a stack
// closure that is called once per element and is dead once the import
// returns.
func forEachImport(shape closure.Shape) *Import {
	return &Import{
		Name:   shape.Name,
		Params: i32s(3),
		Fn: func(ctx context.Context, c *Context, stack []uint64) error {
			target, err := c.Object(stack[0])
			if err != nil {
				return err
			}
			arr, ok := target.(*wasmbridge.Array)
			if !ok {
				return errors.TypeMismatch(errors.PhaseHost, shape.Name, target, "array")
			}
			return closure.Scoped(shape, uint32(stack[1]), uint32(stack[2]), c.closureInvoker(shape),
				func(cl *closure.Closure) error {
					for _, item := range arr.Items() {
						if _, err := cl.Call(ctx, item); err != nil {
							return err
						}
					}
					return nil
				})
		},
	}
}

// wrapClosure adopts a guest closure environment.
func (c *Context) wrapClosure(shape closure.Shape, a, b uint32) *closure.Closure {
	var cl *closure.Closure
	cl = closure.Wrap(shape, a, b, c.closureInvoker(shape),
		func(ctx context.Context, dtor, a, b uint32) error {
			delete(c.closures, cl.ID())
			_, err := c.callExport(ctx, ExportDestroyClosure, uint64(dtor), uint64(a), uint64(b))
			return err
		})
	c.closures[cl.ID()] = cl
	return cl
}

// closureInvoker forwards host arguments as owned handles after the
// environment pair.
func (c *Context) closureInvoker(shape closure.Shape) closure.Invoker {
	return func(ctx context.Context, a, b uint32, args []any) (any, error) {
		params := make([]uint64, 0, 2+shape.Params)
		params = append(params, uint64(a), uint64(b))
		for i := 0; i < shape.Params; i++ {
			var v any = wasmbridge.Undefined
			if i < len(args) {
				v = args[i]
			}
			params = append(params, c.AddObject(v))
		}

		res, err := c.callExport(ctx, shape.Invoke, params...)
		if err != nil {
			return nil, err
		}
		if !shape.HasResult || len(res) == 0 {
			return wasmbridge.Undefined, nil
		}
		return c.TakeObject(res[0])
	}
}

func (c *Context) dropClosure(ctx context.Context, cl *closure.Closure) error {
	_, err := cl.DropContext(ctx)
	if cl.State() == closure.StateDestroyed {
		delete(c.closures, cl.ID())
	}
	if err != nil {
		c.log.Warn("closure destructor failed",
			zap.Uint64("closure", cl.ID()),
			zap.Error(err))
	}
	return err
}

// Closures returns the live closures created by the guest.
func (c *Context) Closures() []*closure.Closure {
	out := make([]*closure.Closure, 0, len(c.closures))
	for _, cl := range c.closures {
		out = append(out, cl)
	}
	return out
}
