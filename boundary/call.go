package boundary

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
)

// CallResult is the decoded outcome of a guest call. When IsError is set,
// Error holds the value the guest reported and Value is unset.
type CallResult struct {
	Value   any
	Error   any
	Raw     uint64
	IsError bool
}

// CallGuest invokes a guest export. Errors reported by a fallible export
// come back in the result; the returned error covers host-side failures,
// values thrown by host imports and traps.
func (c *Context) CallGuest(ctx context.Context, name string, sig Signature, args ...Arg) (CallResult, error) {
	if err := sig.Validate(); err != nil {
		return CallResult{}, err
	}
	if len(sig.Params) > 0 {
		if len(sig.Params) != len(args) {
			return CallResult{}, errors.New(errors.PhaseCall, errors.KindInvalidInput).
				Name(name).
				Detail("expected %d arguments, got %d", len(sig.Params), len(args)).
				Build()
		}
		for i, k := range sig.Params {
			if args[i].Kind != k {
				return CallResult{}, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
					Name(name).
					Detail("argument %d: expected %s, got %s", i, k, args[i].Kind).
					Build()
			}
		}
	}
	if c.broken != nil {
		return CallResult{}, errors.Broken(c.broken)
	}
	if c.guest == nil {
		return CallResult{}, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Name(name).
			Detail("no guest attached").
			Build()
	}
	if c.depth == 0 {
		c.drainPending(ctx)
		if c.broken != nil {
			return CallResult{}, errors.Broken(c.broken)
		}
	}

	sp := c.stack.Pointer()
	defer c.stack.Restore(sp)

	var params []uint64
	var retptr uint32
	if sig.usesReturnArea() {
		delta := int32(-returnAreaSize)
		res, err := c.callExport(ctx, ExportStackPointer, uint64(uint32(delta)))
		if err != nil {
			return CallResult{}, err
		}
		retptr = uint32(res[0])
		defer func() {
			if _, err := c.callExport(ctx, ExportStackPointer, returnAreaSize); err != nil && c.broken == nil {
				c.log.Warn("restore stack pointer", zap.String("export", name), zap.Error(err))
			}
		}()
		params = append(params, uint64(retptr))
	}

	var owned []heap.Handle
	for i, a := range args {
		vals, h, err := c.lowerArg(ctx, a)
		if err != nil {
			for _, oh := range owned {
				_ = c.heap.Release(oh)
			}
			var be *errors.Error
			if stderrors.As(err, &be) && be.Name == "" {
				be.Name = fmt.Sprintf("%s arg %d", name, i)
			}
			return CallResult{}, err
		}
		if h != 0 {
			owned = append(owned, h)
		}
		params = append(params, vals...)
	}

	raw, err := c.callExport(ctx, name, params...)
	if err != nil {
		return CallResult{}, err
	}
	return c.liftResult(ctx, name, sig, raw, retptr)
}

// Call invokes a guest export and re-raises an error the guest reported.
// The exact value travels back: an error value is returned as is, any
// other value is wrapped in *errors.Thrown.
func (c *Context) Call(ctx context.Context, name string, sig Signature, args ...Arg) (any, error) {
	res, err := c.CallGuest(ctx, name, sig, args...)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		if e, ok := res.Error.(error); ok {
			return nil, e
		}
		return nil, &errors.Thrown{Value: res.Error}
	}
	return res.Value, nil
}

func (c *Context) lowerArg(ctx context.Context, a Arg) ([]uint64, heap.Handle, error) {
	switch a.Kind {
	case ArgOwned:
		h := c.heap.Register(a.Value)
		return []uint64{uint64(h)}, h, nil
	case ArgBorrowed:
		h, err := c.stack.Borrow(a.Value)
		if err != nil {
			return nil, 0, err
		}
		return []uint64{uint64(h)}, 0, nil
	case ArgString:
		s, ok := a.Value.(string)
		if !ok {
			return nil, 0, errors.TypeMismatch(errors.PhaseCall, "", a.Value, "string")
		}
		ptr, n, err := c.passString(ctx, s)
		if err != nil {
			return nil, 0, err
		}
		return []uint64{uint64(ptr), uint64(n)}, 0, nil
	default:
		v, err := scalarArg(a)
		if err != nil {
			return nil, 0, err
		}
		return []uint64{v}, 0, nil
	}
}

func (c *Context) liftResult(ctx context.Context, name string, sig Signature, raw []uint64, retptr uint32) (CallResult, error) {
	if sig.Fallible {
		r0, r1, r2, err := c.readReturnArea(retptr)
		if err != nil {
			return CallResult{}, err
		}
		if r2 != 0 {
			v, err := c.TakeObject(uint64(uint32(r1)))
			if err != nil {
				return CallResult{}, err
			}
			return CallResult{Error: v, Raw: uint64(uint32(r1)), IsError: true}, nil
		}
		v, err := c.liftValue(sig, uint64(uint32(r0)))
		return CallResult{Value: v, Raw: uint64(uint32(r0))}, err
	}

	if sig.Result == ResultString {
		r0, r1, _, err := c.readReturnArea(retptr)
		if err != nil {
			return CallResult{}, err
		}
		ptr, n := uint32(r0), uint32(r1)
		s, err := c.views.ReadString(ptr, n)
		if err != nil {
			return CallResult{}, err
		}
		if _, err := c.callExport(ctx, ExportFree, uint64(ptr), uint64(n), stringAlign); err != nil {
			c.log.Warn("free returned string", zap.String("export", name), zap.Error(err))
		}
		return CallResult{Value: s, Raw: uint64(ptr)}, nil
	}

	if sig.Result == ResultNone || len(raw) == 0 {
		return CallResult{Value: wasmbridge.Undefined}, nil
	}
	v, err := c.liftValue(sig, raw[0])
	return CallResult{Value: v, Raw: raw[0]}, err
}

func (c *Context) liftValue(sig Signature, raw uint64) (any, error) {
	switch sig.Result {
	case ResultObject:
		return c.TakeObject(raw)
	case ResultGuestRef:
		return c.newGuestRef(sig.Class, uint32(raw)), nil
	default:
		return decodeScalar(sig.Result, raw), nil
	}
}

func (c *Context) readReturnArea(retptr uint32) (r0, r1, r2 int32, err error) {
	base := retptr / 4
	if r0, err = c.views.Int32At(base); err != nil {
		return
	}
	if r1, err = c.views.Int32At(base + 1); err != nil {
		return
	}
	r2, err = c.views.Int32At(base + 2)
	return
}

// callExport is the single path into the guest. It classifies failures:
// host aborts surface as the original error, everything else is a trap
// that poisons the context.
func (c *Context) callExport(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if c.broken != nil {
		return nil, errors.Broken(c.broken)
	}
	if c.guest == nil {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Name(name).
			Detail("no guest attached").
			Build()
	}

	c.depth++
	res, err := c.guest.Call(ctx, name, params...)
	c.depth--

	if err != nil {
		return nil, c.classify(name, err)
	}
	if c.broken != nil {
		return nil, errors.Broken(c.broken)
	}
	return res, nil
}

func (c *Context) classify(name string, err error) error {
	var abort *hostAbort
	if stderrors.As(err, &abort) {
		return abort.err
	}
	if stderrors.Is(err, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindNotFound}) {
		return err
	}
	if c.broken != nil {
		return errors.Broken(c.broken)
	}
	trap := errors.Trap(name, err)
	c.poison(trap)
	return trap
}

// passString copies s into guest memory allocated by the guest. The guest
// owns the allocation afterwards.
func (c *Context) passString(ctx context.Context, s string) (uint32, uint32, error) {
	n := uint32(len(s))
	ptr, err := c.Allocator().Alloc(ctx, n, stringAlign)
	if err != nil {
		return 0, 0, err
	}
	if err := c.views.WriteBytes(ptr, []byte(s)); err != nil {
		return 0, 0, err
	}
	return ptr, n, nil
}

// Allocator returns the guest allocator.
func (c *Context) Allocator() wasmbridge.Allocator {
	return guestAllocator{c: c}
}

type guestAllocator struct {
	c *Context
}

func (a guestAllocator) Alloc(ctx context.Context, size, align uint32) (uint32, error) {
	res, err := a.c.callExport(ctx, ExportMalloc, uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Name(ExportMalloc).
			Detail("allocator returned no pointer").
			Build()
	}
	return uint32(res[0]), nil
}

func (a guestAllocator) Free(ctx context.Context, ptr, size, align uint32) {
	if ptr == 0 {
		return
	}
	if _, err := a.c.callExport(ctx, ExportFree, uint64(ptr), uint64(size), uint64(align)); err != nil {
		a.c.log.Warn("free failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}
