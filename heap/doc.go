// Package heap implements the host-side object heap shared with a guest
// module: a slot table mapping 32-bit handles to Go values.
//
// # Layout
//
//	[0, StackSize)              borrow stack, grows down from StackSize
//	StackSize+0 .. StackSize+3  undefined, null, true, false
//	StackSize+4 ..              registered values, recycled LIFO
//
// # Ownership
//
// Register transfers a value to the guest, which owns the returned handle
// until it releases it. Borrowed handles live only for the duration of the
// host-to-guest call that created them and are popped by the caller:
//
//	h := heap.New()
//	stack := h.Stack()
//
//	sp := stack.Pointer()
//	defer stack.Restore(sp)
//	borrowed, err := stack.Borrow(value)
//
//	owned := h.Register(value)
//	v, err := h.Take(owned) // read and release
//
// Accessing a free slot returns an errors.KindInvalidHandle error instead of
// whatever value happens to occupy it. Pin and Resolve detect a handle that
// has been released and recycled in between.
package heap
