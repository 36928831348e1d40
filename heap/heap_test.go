package heap

import (
	stderrors "errors"
	"math/rand"
	"testing"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnHeapEvent(e Event) {
	o.events = append(o.events, e)
}

func isKind(err error, kind errors.Kind) bool {
	var e *errors.Error
	return stderrors.As(err, &e) && e.Kind == kind
}

func TestHeap_Basic(t *testing.T) {
	h := New()

	handle := h.Register("test value")
	if handle != 36 {
		t.Fatalf("first handle = %d, want 36", handle)
	}

	val, err := h.Get(handle)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}

	val, err = h.Take(handle)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}

	if _, err := h.Get(handle); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Get after Take: got %v, want invalid_handle", err)
	}
}

func TestHeap_Sentinels(t *testing.T) {
	h := New()

	tests := []struct {
		s    Sentinel
		want Handle
		val  any
	}{
		{SentinelUndefined, 32, wasmbridge.Undefined},
		{SentinelNull, 33, nil},
		{SentinelTrue, 34, true},
		{SentinelFalse, 35, false},
	}

	for _, tt := range tests {
		handle := h.Sentinel(tt.s)
		if handle != tt.want {
			t.Fatalf("Sentinel(%d) = %d, want %d", tt.s, handle, tt.want)
		}
		if !h.IsSentinel(handle) {
			t.Fatalf("IsSentinel(%d) = false", handle)
		}
		v, err := h.Get(handle)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", handle, err)
		}
		if v != tt.val {
			t.Fatalf("Get(%d) = %v, want %v", handle, v, tt.val)
		}

		// Releasing a sentinel is a no-op.
		if err := h.Release(handle); err != nil {
			t.Fatalf("Release(%d) failed: %v", handle, err)
		}
		if v, err := h.Get(handle); err != nil || v != tt.val {
			t.Fatalf("sentinel %d changed after release: %v, %v", handle, v, err)
		}
	}

	// Take of a sentinel returns the value and leaves it in place.
	v, err := h.Take(h.Sentinel(SentinelTrue))
	if err != nil || v != true {
		t.Fatalf("Take(true) = %v, %v", v, err)
	}

	// New registrations never land on a sentinel.
	for i := 0; i < 10; i++ {
		if got := h.Register(i); h.IsSentinel(got) || h.IsBorrowed(got) {
			t.Fatalf("Register returned reserved handle %d", got)
		}
	}
}

func TestHeap_LIFOReuse(t *testing.T) {
	h := New()

	a := h.Register("A")
	b := h.Register("B")
	if a != 36 || b != 37 {
		t.Fatalf("handles = %d, %d; want 36, 37", a, b)
	}

	if err := h.Release(a); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	c := h.Register("C")
	if c != a {
		t.Fatalf("Register after release = %d, want reused %d", c, a)
	}
	if v, _ := h.Get(c); v != "C" {
		t.Fatalf("Get(%d) = %v, want C", c, v)
	}
	if v, _ := h.Get(b); v != "B" {
		t.Fatalf("Get(%d) = %v, want B", b, v)
	}

	// Release two, reuse in reverse order of release.
	_ = h.Release(b)
	_ = h.Release(c)
	if got := h.Register("D"); got != c {
		t.Fatalf("expected %d, got %d", c, got)
	}
	if got := h.Register("E"); got != b {
		t.Fatalf("expected %d, got %d", b, got)
	}
	if got := h.Register("F"); got != 38 {
		t.Fatalf("expected fresh slot 38, got %d", got)
	}
}

func TestHeap_ReuseMiddleHandle(t *testing.T) {
	h := New()

	a := h.Register("A")
	b := h.Register("B")
	c := h.Register("C")

	if err := h.Release(b); err != nil {
		t.Fatalf("Release(%d): %v", b, err)
	}
	d := h.Register("D")
	if d != b {
		t.Fatalf("Register after releasing the middle handle = %d, want %d", d, b)
	}

	for handle, want := range map[Handle]string{a: "A", c: "C", d: "D"} {
		if v, err := h.Get(handle); err != nil || v != want {
			t.Fatalf("Get(%d) = %v, %v; want %s", handle, v, err, want)
		}
	}
}

func TestHeap_LiveHandlesAreUnique(t *testing.T) {
	h := New(WithStackSize(4))
	rng := rand.New(rand.NewSource(1))
	live := make(map[Handle]int)
	var order []Handle

	for i := 0; i < 2000; i++ {
		if len(order) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(order))
			handle := order[j]
			order = append(order[:j], order[j+1:]...)
			delete(live, handle)
			if err := h.Release(handle); err != nil {
				t.Fatalf("step %d: Release(%d): %v", i, handle, err)
			}
			continue
		}

		handle := h.Register(i)
		if h.IsSentinel(handle) || h.IsBorrowed(handle) {
			t.Fatalf("step %d: Register returned reserved handle %d", i, handle)
		}
		if prev, dup := live[handle]; dup {
			t.Fatalf("step %d: handle %d already holds %d", i, handle, prev)
		}
		live[handle] = i
		order = append(order, handle)
	}

	if h.Len() != len(live) {
		t.Fatalf("Len = %d, want %d", h.Len(), len(live))
	}
	for handle, want := range live {
		if v, err := h.Get(handle); err != nil || v != want {
			t.Fatalf("Get(%d) = %v, %v; want %d", handle, v, err, want)
		}
	}
}

func TestHeap_DoubleRelease(t *testing.T) {
	h := New()
	a := h.Register("A")
	b := h.Register("B")

	if err := h.Release(a); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := h.Release(a); err != nil {
		t.Fatalf("second Release should be a no-op, got %v", err)
	}

	// The free list must not contain the slot twice.
	first := h.Register("X")
	second := h.Register("Y")
	if first != a {
		t.Fatalf("first = %d, want %d", first, a)
	}
	if second == a || second == b {
		t.Fatalf("second = %d, should be a fresh slot", second)
	}
}

func TestHeap_InvalidHandles(t *testing.T) {
	h := New()

	tests := []struct {
		name   string
		handle Handle
	}{
		{"never registered", 36},
		{"far out of range", 10_000},
		{"empty borrow slot", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Get(tt.handle); !isKind(err, errors.KindInvalidHandle) {
				t.Fatalf("Get(%d) = %v, want invalid_handle", tt.handle, err)
			}
		})
	}

	if err := h.Release(10_000); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Release out of range = %v", err)
	}
}

func TestHeap_ReleaseBorrowedRefused(t *testing.T) {
	h := New()
	stack := h.Stack()

	bh, err := stack.Borrow("lent")
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	if err := h.Release(bh); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Release(borrowed) = %v, want invalid_handle", err)
	}
	if _, err := h.Take(bh); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Take(borrowed) = %v, want invalid_handle", err)
	}
	if v, err := h.Get(bh); err != nil || v != "lent" {
		t.Fatalf("borrow should survive refused release: %v, %v", v, err)
	}

	// The borrowed slot must not have entered the free list.
	if got := h.Register("owned"); got != 36 {
		t.Fatalf("Register = %d, want 36", got)
	}
}

func TestHeap_PinResolve(t *testing.T) {
	h := New()

	a := h.Register("A")
	ref, err := h.Pin(a)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if v, err := h.Resolve(ref); err != nil || v != "A" {
		t.Fatalf("Resolve = %v, %v", v, err)
	}

	_ = h.Release(a)
	if _, err := h.Resolve(ref); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Resolve after release = %v", err)
	}

	// Slot recycled: the handle number matches but the generation does not.
	b := h.Register("B")
	if b != a {
		t.Fatalf("expected reuse of %d, got %d", a, b)
	}
	if _, err := h.Resolve(ref); !isKind(err, errors.KindInvalidHandle) {
		t.Fatalf("Resolve of recycled slot = %v, want stale", err)
	}

	if _, err := h.Pin(99); err == nil {
		t.Fatal("Pin of unregistered handle should fail")
	}
}

func TestHeap_Observer(t *testing.T) {
	h := New()
	obs := &testObserver{}
	h.Subscribe(obs)

	a := h.Register("test")
	if len(obs.events) != 1 || obs.events[0].Type != EventRegistered || obs.events[0].Handle != a {
		t.Fatalf("unexpected events %+v", obs.events)
	}

	_ = h.Release(a)
	if len(obs.events) != 2 || obs.events[1].Type != EventReleased {
		t.Fatalf("unexpected events %+v", obs.events)
	}

	// Sentinel and double releases do not notify.
	_ = h.Release(a)
	_ = h.Release(h.Sentinel(SentinelNull))
	if len(obs.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(obs.events))
	}

	stack := h.Stack()
	sp := stack.Pointer()
	_, _ = stack.Borrow(1)
	stack.Restore(sp)
	if len(obs.events) != 4 || obs.events[2].Type != EventBorrowed || obs.events[3].Type != EventBorrowReturned {
		t.Fatalf("unexpected borrow events %+v", obs.events)
	}

	h.Unsubscribe(obs)
	h.Register("test2")
	if len(obs.events) != 4 {
		t.Fatal("Should not receive events after Unsubscribe")
	}
}

func TestHeap_ObserverFunc(t *testing.T) {
	h := New()
	var n int
	fn := ObserverFunc(func(Event) { n++ })

	cancel := h.Subscribe(fn)
	h.Register("a")
	if n != 1 {
		t.Fatalf("got %d events, want 1", n)
	}

	// Not comparable, so Unsubscribe leaves it in place.
	h.Unsubscribe(fn)
	h.Register("b")
	if n != 2 {
		t.Fatalf("got %d events, want 2", n)
	}

	cancel()
	cancel()
	h.Register("c")
	if n != 2 {
		t.Fatalf("received an event after cancel, n = %d", n)
	}
}

func TestHeap_SubscribeCancel(t *testing.T) {
	h := New()
	first := &testObserver{}
	second := &testObserver{}
	cancel := h.Subscribe(first)
	h.Subscribe(second)

	cancel()
	h.Register("x")
	if len(first.events) != 0 {
		t.Fatalf("cancelled observer got %d events", len(first.events))
	}
	if len(second.events) != 1 {
		t.Fatalf("remaining observer got %d events, want 1", len(second.events))
	}
}

func TestHeap_Stats(t *testing.T) {
	h := New(WithStackSize(8))

	a := h.Register(1)
	h.Register(2)
	h.Register(3)
	_ = h.Release(a)
	_, _ = h.Stack().Borrow("x")

	st := h.Stats()
	if st.Live != 2 {
		t.Errorf("Live = %d, want 2", st.Live)
	}
	if st.Free != 1 {
		t.Errorf("Free = %d, want 1", st.Free)
	}
	if st.Capacity != 8+4+3 {
		t.Errorf("Capacity = %d, want 15", st.Capacity)
	}
	if st.BorrowDepth != 1 {
		t.Errorf("BorrowDepth = %d, want 1", st.BorrowDepth)
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
}

func TestHeap_Each(t *testing.T) {
	h := New()
	h.Register("a")
	b := h.Register("b")
	h.Register("c")
	_ = h.Release(b)

	var seen []any
	h.Each(func(_ Handle, v any) bool {
		seen = append(seen, v)
		return true
	})
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "c" {
		t.Fatalf("Each visited %v", seen)
	}
}

type dropCounter struct {
	count int
}

func (d *dropCounter) Drop() bool {
	d.count++
	return true
}

func TestHeap_Close(t *testing.T) {
	h := New()
	d := &dropCounter{}
	h.Register(d)
	h.Register("plain")

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.count != 1 {
		t.Fatalf("Expected Drop() once, called %d times", d.count)
	}
	if h.Len() != 0 {
		t.Fatalf("Len after Close = %d", h.Len())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if d.count != 1 {
		t.Fatal("second Close should not drop again")
	}
}
