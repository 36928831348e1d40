package boundary

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"testing"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
)

func isKind(err error, kind errors.Kind) bool {
	var e *errors.Error
	return stderrors.As(err, &e) && e.Kind == kind
}

func TestCallGuest_Scalars(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["add"] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		sum := math.Float64frombits(p[0]) + math.Float64frombits(p[1])
		return []uint64{math.Float64bits(sum)}, nil
	}
	g.exports["neg"] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		return []uint64{uint64(uint32(-int32(uint32(p[0]))))}, nil
	}
	g.exports["not"] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		return []uint64{1 - p[0]}, nil
	}

	ctx := context.Background()

	v, err := g.c.Call(ctx, "add", Signature{Result: ResultF64}, F64(1.5), F64(2))
	if err != nil || v != 3.5 {
		t.Fatalf("add = %v, %v", v, err)
	}
	v, err = g.c.Call(ctx, "neg", Signature{Result: ResultI32}, I32(7))
	if err != nil || v != int32(-7) {
		t.Fatalf("neg = %v, %v", v, err)
	}
	v, err = g.c.Call(ctx, "not", Signature{Result: ResultBool}, Bool(false))
	if err != nil || v != true {
		t.Fatalf("not = %v, %v", v, err)
	}
	v, err = g.c.Call(ctx, "not", Signature{}, Bool(true))
	if err != nil || !wasmbridge.IsUndefined(v) {
		t.Fatalf("no-result call = %v, %v", v, err)
	}
}

func TestCallGuest_IntegerArguments(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["echo"] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		return []uint64{p[0]}, nil
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		arg    Arg
		result ResultKind
		want   any
	}{
		{"i64 above 2^53", Arg{Kind: ArgI64, Value: int(1<<60 + 1)}, ResultI64, int64(1<<60 + 1)},
		{"i64 max", Arg{Kind: ArgI64, Value: int64(math.MaxInt64)}, ResultI64, int64(math.MaxInt64)},
		{"i64 min", Arg{Kind: ArgI64, Value: int64(math.MinInt64)}, ResultI64, int64(math.MinInt64)},
		{"i32 wraps past 2^31", Arg{Kind: ArgI32, Value: int64(3e9)}, ResultI32, int32(-1294967296)},
		{"i32 wraps past 2^32", Arg{Kind: ArgI32, Value: int64(1<<32 + 5)}, ResultI32, int32(5)},
		{"i32 min", Arg{Kind: ArgI32, Value: int(math.MinInt32)}, ResultI32, int32(math.MinInt32)},
		{"u32 max", Arg{Kind: ArgU32, Value: uint32(math.MaxUint32)}, ResultU32, uint32(math.MaxUint32)},
		{"u32 from negative", Arg{Kind: ArgU32, Value: -1}, ResultU32, uint32(math.MaxUint32)},
		{"whole float", Arg{Kind: ArgI32, Value: 12.0}, ResultI32, int32(12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := g.c.Call(ctx, "echo", Signature{Result: tt.result}, tt.arg)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if v != tt.want {
				t.Fatalf("got %v, want %v", v, tt.want)
			}
		})
	}

	rejects := []Arg{
		{Kind: ArgI32, Value: 1.5},
		{Kind: ArgI64, Value: math.Inf(1)},
		{Kind: ArgI64, Value: math.NaN()},
		{Kind: ArgI64, Value: 1e19},
		{Kind: ArgU32, Value: "7"},
	}
	for _, a := range rejects {
		if _, err := g.c.Call(ctx, "echo", Signature{Result: ResultI64}, a); !isKind(err, errors.KindTypeMismatch) {
			t.Errorf("%s %v: got %v, want type_mismatch", a.Kind, a.Value, err)
		}
	}
}

func TestCallGuest_StringArgument(t *testing.T) {
	g := newFakeGuest(t)
	var got string
	g.exports["greet"] = func(ctx context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		s, err := g.c.Views().ReadString(uint32(p[0]), uint32(p[1]))
		if err != nil {
			return nil, err
		}
		got = s
		ptr, n := g.putString("hello, " + s)
		return g.host(ctx, ImportStringNew, ptr, n), nil
	}

	v, err := g.c.Call(context.Background(), "greet",
		Signature{Params: []ArgKind{ArgString}, Result: ResultObject}, String("wörld"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "wörld" {
		t.Fatalf("guest saw %q", got)
	}
	if v != "hello, wörld" {
		t.Fatalf("result = %v", v)
	}
	if g.c.Heap().Len() != 0 {
		t.Fatalf("result handle leaked, %d live", g.c.Heap().Len())
	}
}

func TestCallGuest_StringAcrossGrowth(t *testing.T) {
	g := newFakeGuest(t)
	// Force the allocator to grow memory on the first malloc.
	g.heapTop = g.mem.Size() - 2

	big := strings.Repeat("x", 1000)
	var got string
	g.exports["len"] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		s, err := g.c.Views().ReadString(uint32(p[0]), uint32(p[1]))
		got = s
		return []uint64{uint64(len(s))}, err
	}

	v, err := g.c.Call(context.Background(), "len", Signature{Result: ResultU32}, String(big))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if v != uint32(1000) || got != big {
		t.Fatalf("len = %v", v)
	}
}

func TestCallGuest_BorrowedArguments(t *testing.T) {
	g := newFakeGuest(t)
	target := wasmbridge.NewMap()
	var seen any
	g.exports["inspect"] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		if !g.c.Heap().IsBorrowed(heap.Handle(p[0])) {
			t.Errorf("handle %d is not in the borrow region", p[0])
		}
		v, err := g.c.Object(p[0])
		seen = v
		return nil, err
	}

	if _, err := g.c.Call(context.Background(), "inspect", Signature{}, Borrowed(target)); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if seen != target {
		t.Fatal("guest did not see the borrowed object")
	}
	if d := g.c.Stack().Depth(); d != 0 {
		t.Fatalf("borrow stack depth after call = %d", d)
	}
}

func TestCallGuest_BorrowExhaustion(t *testing.T) {
	g := newFakeGuest(t, WithStackSize(4))
	g.exports["many"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
		t.Error("guest should not be called")
		return nil, nil
	}

	args := []Arg{Borrowed(1), Borrowed(2), Borrowed(3), Borrowed(4)}
	_, err := g.c.Call(context.Background(), "many", Signature{}, args...)
	if !isKind(err, errors.KindExhausted) {
		t.Fatalf("Call = %v, want exhausted", err)
	}
	if d := g.c.Stack().Depth(); d != 0 {
		t.Fatalf("borrows not popped after failure, depth %d", d)
	}
}

func TestCallGuest_OwnedArgumentsReleasedOnFailure(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["f"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) { return nil, nil }

	_, err := g.c.Call(context.Background(), "f", Signature{}, Owned("a"), Arg{Kind: ArgBool, Value: "nope"})
	if !isKind(err, errors.KindTypeMismatch) {
		t.Fatalf("Call = %v, want type_mismatch", err)
	}
	if g.c.Heap().Len() != 0 {
		t.Fatalf("owned argument leaked, %d live", g.c.Heap().Len())
	}
}

func TestCallGuest_SignatureChecks(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["f"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) { return nil, nil }
	ctx := context.Background()

	if _, err := g.c.Call(ctx, "f", Signature{Params: []ArgKind{ArgF64}}); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("arity mismatch = %v", err)
	}
	if _, err := g.c.Call(ctx, "f", Signature{Params: []ArgKind{ArgF64}}, String("x")); !isKind(err, errors.KindTypeMismatch) {
		t.Fatalf("kind mismatch = %v", err)
	}
	if _, err := g.c.Call(ctx, "f", Signature{Result: ResultF64, Fallible: true}); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("fallible f64 = %v", err)
	}
	if _, err := g.c.Call(ctx, "f", Signature{Result: ResultGuestRef}); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("guest-ref without class = %v", err)
	}
	if _, err := g.c.Call(ctx, "missing", Signature{}); !isKind(err, errors.KindNotFound) {
		t.Fatalf("missing export = %v", err)
	}
	if g.c.Broken() != nil {
		t.Fatal("a missing export must not poison the context")
	}
}

func fallibleExport(body func(ctx context.Context, g *fakeGuest, p []uint64) (value int32, errHandle uint64, failed bool)) exportFunc {
	return func(ctx context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		retptr := uint32(p[0])
		v, eh, failed := body(ctx, g, p[1:])
		if failed {
			g.writeI32(retptr, 0)
			g.writeI32(retptr+4, int32(eh))
			g.writeI32(retptr+8, 1)
		} else {
			g.writeI32(retptr, v)
			g.writeI32(retptr+4, 0)
			g.writeI32(retptr+8, 0)
		}
		return nil, nil
	}
}

// callThrough makes the guest call the host function passed as its first
// argument and report any caught exception as its error.
func callThrough(ctx context.Context, g *fakeGuest, p []uint64) (int32, uint64, bool) {
	undef := uint64(g.c.Heap().Sentinel(heap.SentinelUndefined))
	res := g.host(ctx, ImportCall, p[0], undef, undef)
	g.host(ctx, ImportObjectDropRef, p[0])
	if len(g.exn) > 0 {
		h := g.exn[len(g.exn)-1]
		g.exn = g.exn[:0]
		return 0, h, true
	}
	return int32(res[0]), 0, false
}

func TestCall_RethrowsSameValue(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["run"] = fallibleExport(callThrough)
	sig := Signature{Params: []ArgKind{ArgOwned}, Result: ResultObject, Fallible: true}
	ctx := context.Background()

	t.Run("non-error value", func(t *testing.T) {
		thrown := &struct{ code int }{code: 42}
		fn := wasmbridge.Function(func(context.Context, any, ...any) (any, error) {
			return nil, &errors.Thrown{Value: thrown}
		})

		_, err := g.c.Call(ctx, "run", sig, Owned(fn))
		var th *errors.Thrown
		if !stderrors.As(err, &th) {
			t.Fatalf("Call = %v, want *errors.Thrown", err)
		}
		if th.Value != thrown {
			t.Fatalf("thrown value identity lost: %v", th.Value)
		}
	})

	t.Run("error value", func(t *testing.T) {
		sentinel := stderrors.New("host failure")
		fn := wasmbridge.Function(func(context.Context, any, ...any) (any, error) {
			return nil, sentinel
		})

		_, err := g.c.Call(ctx, "run", sig, Owned(fn))
		if err != sentinel {
			t.Fatalf("Call = %v, want the identical error", err)
		}
	})

	t.Run("CallGuest reports without raising", func(t *testing.T) {
		fn := wasmbridge.Function(func(context.Context, any, ...any) (any, error) {
			return nil, &errors.Thrown{Value: "plain"}
		})
		res, err := g.c.CallGuest(ctx, "run", sig, Owned(fn))
		if err != nil {
			t.Fatalf("CallGuest failed: %v", err)
		}
		if !res.IsError || res.Error != "plain" {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("success", func(t *testing.T) {
		fn := wasmbridge.Function(func(_ context.Context, _ any, args ...any) (any, error) {
			return "ok", nil
		})
		v, err := g.c.Call(ctx, "run", Signature{Params: []ArgKind{ArgOwned}, Result: ResultI32, Fallible: true}, Owned(fn))
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		h, ok := v.(int32)
		if !ok {
			t.Fatalf("v = %T", v)
		}
		if got, _ := g.c.TakeObject(uint64(h)); got != "ok" {
			t.Fatalf("result object = %v", got)
		}
	})

	if g.sp != 1024 {
		t.Fatalf("stack pointer not restored: %d", g.sp)
	}
	if g.c.Heap().Len() != 0 {
		t.Fatalf("%d handles leaked", g.c.Heap().Len())
	}
}

func TestCallGuest_StringResult(t *testing.T) {
	g := newFakeGuest(t)
	var ptr uint64
	g.exports["name"] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		var n uint64
		ptr, n = g.putString("guest")
		g.writeI32(uint32(p[0]), int32(ptr))
		g.writeI32(uint32(p[0])+4, int32(n))
		return nil, nil
	}

	v, err := g.c.Call(context.Background(), "name", Signature{Result: ResultString})
	if err != nil || v != "guest" {
		t.Fatalf("name = %v, %v", v, err)
	}
	if len(g.freed) != 1 || g.freed[0] != uint32(ptr) {
		t.Fatalf("returned string not freed: %v", g.freed)
	}
	if g.sp != 1024 {
		t.Fatalf("stack pointer not restored: %d", g.sp)
	}
}

func TestCall_ThrowAbortsCall(t *testing.T) {
	g := newFakeGuest(t)
	reached := false
	g.exports["panic"] = func(ctx context.Context, g *fakeGuest, _ []uint64) ([]uint64, error) {
		ptr, n := g.putString("index out of bounds")
		g.host(ctx, ImportThrow, ptr, n)
		reached = true
		return nil, nil
	}

	_, err := g.c.Call(context.Background(), "panic", Signature{})
	var ge *errors.GuestError
	if !stderrors.As(err, &ge) {
		t.Fatalf("Call = %v, want GuestError", err)
	}
	if ge.Message != "index out of bounds" {
		t.Fatalf("message = %q", ge.Message)
	}
	if reached {
		t.Fatal("guest continued after throw")
	}
	if g.c.Broken() != nil {
		t.Fatal("a thrown error must not poison the context")
	}
}

func TestCall_TrapPoisons(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["crash"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
		return nil, stderrors.New("wasm error: unreachable")
	}
	calls := 0
	g.exports["ok"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
		calls++
		return nil, nil
	}
	ctx := context.Background()

	_, err := g.c.Call(ctx, "crash", Signature{})
	if !isKind(err, errors.KindTrap) {
		t.Fatalf("Call = %v, want trap", err)
	}
	if g.c.Broken() == nil {
		t.Fatal("context should be poisoned")
	}

	_, err = g.c.Call(ctx, "ok", Signature{})
	if !isKind(err, errors.KindBroken) {
		t.Fatalf("Call after trap = %v, want broken", err)
	}
	if calls != 0 {
		t.Fatal("guest must not be entered after a trap")
	}
	if err := g.c.Flush(ctx); !isKind(err, errors.KindBroken) {
		t.Fatalf("Flush after trap = %v", err)
	}
}

func TestCall_ProtocolFaultIsFatalToCall(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["bad"] = func(ctx context.Context, g *fakeGuest, _ []uint64) ([]uint64, error) {
		g.host(ctx, ImportObjectDropRef, 999)
		return nil, nil
	}
	g.exports["ok"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) { return nil, nil }
	ctx := context.Background()

	_, err := g.c.Call(ctx, "bad", Signature{})
	if !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Call = %v, want invalid_handle", err)
	}
	var be *errors.Error
	if stderrors.As(err, &be) && be.Name != ImportObjectDropRef {
		t.Errorf("error names %q, want the import", be.Name)
	}
	if _, err := g.c.Call(ctx, "ok", Signature{}); err != nil {
		t.Fatalf("context should remain usable: %v", err)
	}
}

func TestCallGuest_GuestRef(t *testing.T) {
	g := newFakeGuest(t)
	g.exports["point_new"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
		return []uint64{512}, nil
	}
	var freed []uint64
	g.exports[FreeExport("Point")] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		freed = append(freed, p[0])
		return nil, nil
	}
	ctx := context.Background()

	v, err := g.c.Call(ctx, "point_new", Signature{Result: ResultGuestRef, Class: "Point"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	ref, ok := v.(*GuestRef)
	if !ok {
		t.Fatalf("v = %T", v)
	}
	if ref.Ptr() != 512 || ref.Class() != "Point" {
		t.Fatalf("ref = %d %s", ref.Ptr(), ref.Class())
	}

	if err := ref.Free(ctx); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := ref.Free(ctx); err != nil {
		t.Fatalf("second Free failed: %v", err)
	}
	if len(freed) != 1 || freed[0] != 512 {
		t.Fatalf("freed = %v", freed)
	}
	if !ref.Freed() || ref.Ptr() != 0 {
		t.Fatal("ref should report freed")
	}
	if FreeExport("Point") != "__wbg_point_free" {
		t.Fatalf("FreeExport = %s", FreeExport("Point"))
	}
}

func TestCallGuest_DrainsPendingFrees(t *testing.T) {
	g := newFakeGuest(t)
	var order []string
	g.exports["__wbg_point_free"] = func(_ context.Context, _ *fakeGuest, p []uint64) ([]uint64, error) {
		order = append(order, "free")
		return nil, nil
	}
	g.exports["work"] = func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
		order = append(order, "work")
		return nil, nil
	}

	g.c.EnqueueFree("__wbg_point_free", 64)
	if g.c.Stats().PendingFrees != 1 {
		t.Fatalf("PendingFrees = %d", g.c.Stats().PendingFrees)
	}
	if len(order) != 0 {
		t.Fatal("enqueue must not call into the guest")
	}

	if _, err := g.c.Call(context.Background(), "work", Signature{}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(order) != 2 || order[0] != "free" || order[1] != "work" {
		t.Fatalf("order = %v", order)
	}
	if g.c.Stats().PendingFrees != 0 {
		t.Fatal("queue not drained")
	}
}
