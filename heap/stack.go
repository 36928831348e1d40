package heap

import "github.com/wippyai/wasm-bridge/errors"

// BorrowStack lends host values to the guest for the duration of one call.
// It occupies handles [1, stackSize) and grows downward; handle 0 is never
// handed out.
type BorrowStack struct {
	h *Heap
}

// Borrow places v on the stack and returns its handle. It fails without
// touching earlier borrows when the region is exhausted.
func (s *BorrowStack) Borrow(v any) (Handle, error) {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sp <= 1 {
		return 0, errors.Exhausted(errors.PhaseBorrow, "borrow stack exhausted")
	}
	h.sp--
	h.slots[h.sp] = slot{value: v, state: slotBorrowed}

	h.notify(Event{Type: EventBorrowed, Handle: h.sp, Value: v})
	return h.sp, nil
}

// Pointer returns the current stack pointer. The stack is empty when it
// equals the stack size.
func (s *BorrowStack) Pointer() Handle {
	s.h.mu.RLock()
	defer s.h.mu.RUnlock()
	return s.h.sp
}

// Restore pops every borrow made since sp was obtained from Pointer.
func (s *BorrowStack) Restore(sp Handle) {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if sp > h.stackSize {
		sp = h.stackSize
	}
	for h.sp < sp {
		v := h.slots[h.sp].value
		h.slots[h.sp] = slot{}
		h.notify(Event{Type: EventBorrowReturned, Handle: h.sp, Value: v})
		h.sp++
	}
}

// Depth returns the number of live borrows.
func (s *BorrowStack) Depth() int {
	s.h.mu.RLock()
	defer s.h.mu.RUnlock()
	return int(s.h.stackSize - s.h.sp)
}
