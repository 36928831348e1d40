package boundary

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/closure"
	"github.com/wippyai/wasm-bridge/errors"
)

// Import names served by every context.
const (
	ImportObjectDropRef  = "__wbindgen_object_drop_ref"
	ImportObjectCloneRef = "__wbindgen_object_clone_ref"
	ImportStringNew      = "__wbindgen_string_new"
	ImportStringGet      = "__wbindgen_string_get"
	ImportNumberNew      = "__wbindgen_number_new"
	ImportNumberGet      = "__wbindgen_number_get"
	ImportIsUndefined    = "__wbindgen_is_undefined"
	ImportIsNull         = "__wbindgen_is_null"
	ImportThrow          = "__wbindgen_throw"
	ImportCbDrop         = "__wbindgen_cb_drop"

	ImportObjectNew = "__wbg_object_new"
	ImportArrayNew  = "__wbg_array_new"
	ImportGet       = "__wbg_get"
	ImportSet       = "__wbg_set"
	ImportPush      = "__wbg_push"
	ImportCall      = "__wbg_call"

	importForEach = "__wbg_foreach"
)

func standardImports() []*Import {
	return []*Import{
		{
			Name:   ImportObjectDropRef,
			Params: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				_, err := c.TakeObject(stack[0])
				return err
			},
		},
		{
			Name:    ImportObjectCloneRef,
			Params:  i32s(1),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				v, err := c.Object(stack[0])
				if err != nil {
					return err
				}
				stack[0] = c.AddObject(v)
				return nil
			},
		},
		{
			Name:    ImportStringNew,
			Params:  i32s(2),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				s, err := c.views.ReadString(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					return err
				}
				stack[0] = c.AddObject(s)
				return nil
			},
		},
		{
			Name:   ImportStringGet,
			Params: i32s(2),
			Fn: func(ctx context.Context, c *Context, stack []uint64) error {
				retptr := uint32(stack[0])
				v, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				var ptr, n uint32
				if s, ok := v.(string); ok {
					if ptr, n, err = c.passString(ctx, s); err != nil {
						return err
					}
				}
				if err := c.views.SetInt32(retptr/4, int32(ptr)); err != nil {
					return err
				}
				return c.views.SetInt32(retptr/4+1, int32(n))
			},
		},
		{
			Name:    ImportNumberNew,
			Params:  []api.ValueType{api.ValueTypeF64},
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				stack[0] = c.AddObject(math.Float64frombits(stack[0]))
				return nil
			},
		},
		{
			Name:   ImportNumberGet,
			Params: i32s(2),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				retptr := uint32(stack[0])
				v, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				f, ok := asFloat64(v)
				if !ok {
					f = 0
				}
				if err := c.views.SetFloat64(retptr/8+1, f); err != nil {
					return err
				}
				var present int32
				if ok {
					present = 1
				}
				return c.views.SetInt32(retptr/4, present)
			},
		},
		{
			Name:    ImportIsUndefined,
			Params:  i32s(1),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				v, err := c.Object(stack[0])
				if err != nil {
					return err
				}
				stack[0] = boolValue(wasmbridge.IsUndefined(v))
				return nil
			},
		},
		{
			Name:    ImportIsNull,
			Params:  i32s(1),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				v, err := c.Object(stack[0])
				if err != nil {
					return err
				}
				stack[0] = boolValue(v == nil)
				return nil
			},
		},
		{
			Name:   ImportThrow,
			Params: i32s(2),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				msg, err := c.views.ReadString(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					return err
				}
				return &errors.Thrown{Value: &errors.GuestError{Message: msg}}
			},
		},
		{
			Name:    ImportCbDrop,
			Params:  i32s(1),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				v, err := c.TakeObject(stack[0])
				if err != nil {
					return err
				}
				cl, ok := v.(*closure.Closure)
				if !ok {
					return errors.TypeMismatch(errors.PhaseHost, ImportCbDrop, v, "closure")
				}
				destroyed := cl.GuestDrop()
				if destroyed {
					delete(c.closures, cl.ID())
				}
				stack[0] = boolValue(destroyed)
				return nil
			},
		},
	}
}

func capabilityImports() []*Import {
	return []*Import{
		{
			Name:    ImportObjectNew,
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				stack[0] = c.AddObject(wasmbridge.NewMap())
				return nil
			},
		},
		{
			Name:    ImportArrayNew,
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				stack[0] = c.AddObject(wasmbridge.NewArray())
				return nil
			},
		},
		{
			Name:    ImportGet,
			Params:  i32s(2),
			Results: i32s(1),
			Catch:   true,
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				obj, err := c.capObject(ImportGet, stack[0])
				if err != nil {
					return err
				}
				key, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				v, err := obj.GetProperty(key)
				if err != nil {
					return err
				}
				stack[0] = c.AddObject(v)
				return nil
			},
		},
		{
			Name:    ImportSet,
			Params:  i32s(3),
			Results: i32s(1),
			Catch:   true,
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				obj, err := c.capObject(ImportSet, stack[0])
				if err != nil {
					return err
				}
				key, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				val, err := c.Object(stack[2])
				if err != nil {
					return err
				}
				if err := obj.SetProperty(key, val); err != nil {
					return err
				}
				stack[0] = 1
				return nil
			},
		},
		{
			Name:    ImportPush,
			Params:  i32s(2),
			Results: i32s(1),
			Fn: func(_ context.Context, c *Context, stack []uint64) error {
				target, err := c.Object(stack[0])
				if err != nil {
					return err
				}
				arr, ok := target.(interface{ Push(any) int })
				if !ok {
					return errors.TypeMismatch(errors.PhaseHost, ImportPush, target, "array")
				}
				val, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				stack[0] = uint64(uint32(arr.Push(val)))
				return nil
			},
		},
		{
			Name:    ImportCall,
			Params:  i32s(3),
			Results: i32s(1),
			Catch:   true,
			Fn: func(ctx context.Context, c *Context, stack []uint64) error {
				target, err := c.Object(stack[0])
				if err != nil {
					return err
				}
				fn, ok := target.(wasmbridge.Callable)
				if !ok {
					return errors.TypeMismatch(errors.PhaseHost, ImportCall, target, "function")
				}
				this, err := c.Object(stack[1])
				if err != nil {
					return err
				}
				arg, err := c.Object(stack[2])
				if err != nil {
					return err
				}
				res, err := fn.Invoke(ctx, this, arg)
				if err != nil {
					return err
				}
				stack[0] = c.AddObject(res)
				return nil
			},
		},
	}
}

func (c *Context) capObject(name string, h uint64) (wasmbridge.Object, error) {
	v, err := c.Object(h)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(wasmbridge.Object)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseHost, name, v, "object")
	}
	return obj, nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
