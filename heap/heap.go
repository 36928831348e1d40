package heap

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

type slotState uint8

const (
	slotEmpty    slotState = iota // unused borrow region slot
	slotBorrowed                  // live borrow region slot
	slotSentinel
	slotLive
	slotFree
)

type slot struct {
	value any
	next  Handle
	gen   uint32
	state slotState
}

// Heap maps handles to host values for one guest instance.
//
// Layout: [0, stackSize) is the borrow region, the next four slots are the
// sentinels, everything above is dynamic. Free dynamic slots are threaded
// into a LIFO list through their next field.
type Heap struct {
	slots     []slot
	observers []subscription
	mu        sync.RWMutex
	nextFree  Handle
	stackSize Handle
	sp        Handle
	live      int
	free      int
	nextSub   uint64
	closed    bool
}

type subscription struct {
	o  Observer
	id uint64
}

// Option configures a Heap.
type Option func(*Heap)

// WithStackSize sets the size of the borrow region. Values below 2 are ignored.
func WithStackSize(n int) Option {
	return func(h *Heap) {
		if n >= 2 {
			h.stackSize = Handle(n)
		}
	}
}

// New creates a heap with sentinels installed.
func New(opts ...Option) *Heap {
	h := &Heap{stackSize: DefaultStackSize}
	for _, opt := range opts {
		opt(h)
	}

	base := int(h.stackSize)
	h.slots = make([]slot, base+sentinelCount, base+sentinelCount+64)
	h.slots[base+int(SentinelUndefined)] = slot{value: wasmbridge.Undefined, state: slotSentinel}
	h.slots[base+int(SentinelNull)] = slot{value: nil, state: slotSentinel}
	h.slots[base+int(SentinelTrue)] = slot{value: true, state: slotSentinel}
	h.slots[base+int(SentinelFalse)] = slot{value: false, state: slotSentinel}
	h.nextFree = Handle(len(h.slots))
	h.sp = h.stackSize
	return h
}

// StackSize returns the size of the borrow region.
func (h *Heap) StackSize() int {
	return int(h.stackSize)
}

// Sentinel returns the fixed handle for s.
func (h *Heap) Sentinel(s Sentinel) Handle {
	return h.stackSize + Handle(s)
}

// IsSentinel reports whether handle is one of the reserved sentinels.
func (h *Heap) IsSentinel(handle Handle) bool {
	return handle >= h.stackSize && handle < h.stackSize+sentinelCount
}

// IsBorrowed reports whether handle lies in the borrow region.
func (h *Heap) IsBorrowed(handle Handle) bool {
	return handle < h.stackSize
}

// Register stores v in a fresh or recycled slot and returns its handle.
// Sentinel-equal values still get their own slot; callers that want the
// fixed handles use Sentinel.
func (h *Heap) Register(v any) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		Logger().Warn("register on closed heap")
	}

	if int(h.nextFree) == len(h.slots) {
		h.slots = append(h.slots, slot{state: slotFree, next: h.nextFree + 1})
		h.free++
	}

	idx := h.nextFree
	s := &h.slots[idx]
	h.nextFree = s.next
	s.value = v
	s.next = 0
	s.state = slotLive
	h.live++
	h.free--

	h.notify(Event{Type: EventRegistered, Handle: idx, Value: v})
	return idx
}

// Get returns the value for handle without changing ownership.
func (h *Heap) Get(handle Handle) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.getLocked(handle)
}

func (h *Heap) getLocked(handle Handle) (any, error) {
	if int(handle) >= len(h.slots) {
		return nil, errors.InvalidHandle(errors.PhaseHeap, uint32(handle), "handle out of range")
	}
	s := &h.slots[handle]
	switch s.state {
	case slotLive, slotSentinel, slotBorrowed:
		return s.value, nil
	case slotEmpty:
		return nil, errors.InvalidHandle(errors.PhaseHeap, uint32(handle), "borrow slot is not in use")
	default:
		return nil, errors.InvalidHandle(errors.PhaseHeap, uint32(handle), "slot is free")
	}
}

// Release returns handle to the free list. Releasing a sentinel is a no-op,
// as is releasing an already-free slot. Borrowed handles cannot be released.
func (h *Heap) Release(handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.releaseLocked(handle)
	return err
}

// Take reads the value for handle and releases it in one step.
func (h *Heap) Take(handle Handle) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.getLocked(handle)
	if err != nil {
		return nil, err
	}
	if _, err := h.releaseLocked(handle); err != nil {
		return nil, err
	}
	return v, nil
}

func (h *Heap) releaseLocked(handle Handle) (bool, error) {
	if h.IsBorrowed(handle) {
		return false, errors.InvalidHandle(errors.PhaseHeap, uint32(handle), "borrowed handles are not owned by the guest")
	}
	if h.IsSentinel(handle) {
		return false, nil
	}
	if int(handle) >= len(h.slots) {
		return false, errors.InvalidHandle(errors.PhaseHeap, uint32(handle), "handle out of range")
	}

	s := &h.slots[handle]
	if s.state == slotFree {
		Logger().Debug("release of free slot ignored", zap.Uint32("handle", uint32(handle)))
		return false, nil
	}

	v := s.value
	s.value = nil
	s.state = slotFree
	s.gen++
	s.next = h.nextFree
	h.nextFree = handle
	h.live--
	h.free++

	h.notify(Event{Type: EventReleased, Handle: handle, Value: v})
	return true, nil
}

// Pin captures the current generation of a registered handle.
func (h *Heap) Pin(handle Handle) (Ref, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, err := h.getLocked(handle); err != nil {
		return Ref{}, err
	}
	return Ref{Handle: handle, Gen: h.slots[handle].gen}, nil
}

// Resolve returns the value for a pinned handle, failing if the slot was
// released since it was pinned.
func (h *Heap) Resolve(ref Ref) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	v, err := h.getLocked(ref.Handle)
	if err != nil {
		return nil, err
	}
	if h.slots[ref.Handle].gen != ref.Gen {
		return nil, errors.New(errors.PhaseHeap, errors.KindInvalidHandle).
			Handle(uint32(ref.Handle)).
			Detail("stale generation %d, slot is at %d", ref.Gen, h.slots[ref.Handle].gen).
			Build()
	}
	return v, nil
}

// Len returns the number of registered values, sentinels and borrows excluded.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Stats returns a snapshot of heap occupancy.
func (h *Heap) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Live:        h.live,
		Capacity:    len(h.slots),
		Free:        h.free,
		BorrowDepth: int(h.stackSize - h.sp),
	}
}

// Each iterates over registered values in handle order.
func (h *Heap) Each(fn func(Handle, any) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := int(h.stackSize) + sentinelCount; i < len(h.slots); i++ {
		if h.slots[i].state == slotLive {
			if !fn(Handle(i), h.slots[i].value) {
				break
			}
		}
	}
}

// Subscribe adds an observer for lifecycle events. The returned func
// removes it and is the only way to remove an ObserverFunc.
func (h *Heap) Subscribe(o Observer) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	id := h.nextSub
	h.observers = append(h.observers, subscription{o: o, id: id})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removeLocked(func(s subscription) bool { return s.id == id })
		})
	}
}

// Unsubscribe removes the first subscription of o. Observers whose dynamic
// type is not comparable, such as ObserverFunc, are ignored here.
func (h *Heap) Unsubscribe(o Observer) {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(func(s subscription) bool {
		return reflect.TypeOf(s.o).Comparable() && s.o == o
	})
}

func (h *Heap) removeLocked(match func(subscription) bool) {
	for i, s := range h.observers {
		if match(s) {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			return
		}
	}
}

// Close releases every registered value, calling Drop on values that
// implement Dropper.
func (h *Heap) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	var droppers []Dropper
	for i := int(h.stackSize) + sentinelCount; i < len(h.slots); i++ {
		if h.slots[i].state == slotLive {
			if d, ok := h.slots[i].value.(Dropper); ok {
				droppers = append(droppers, d)
			}
			_, _ = h.releaseLocked(Handle(i))
		}
	}
	for i := h.sp; i < h.stackSize; i++ {
		h.slots[i] = slot{}
	}
	h.sp = h.stackSize
	h.mu.Unlock()

	for _, d := range droppers {
		d.Drop()
	}
	return nil
}

// Stack returns the borrow stack sharing this heap's slots.
func (h *Heap) Stack() *BorrowStack {
	return &BorrowStack{h: h}
}

func (h *Heap) notify(e Event) {
	for _, s := range h.observers {
		s.o.OnHeapEvent(e)
	}
}
