package boundary

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
)

// GuestRef is a host handle to a struct that lives in guest memory. Free
// releases it through the class's __wbg_<class>_free export; a GuestRef that
// is garbage collected without Free is queued for release on the next call.
type GuestRef struct {
	c     *Context
	state *guestRefState
	class string
	ptr   uint32
}

type guestRefState struct {
	freed atomic.Bool
}

type guestRefCleanup struct {
	queue  *freeQueue
	state  *guestRefState
	export string
	ptr    uint32
}

// FreeExport returns the guest export that destroys instances of class.
func FreeExport(class string) string {
	return "__wbg_" + strings.ToLower(class) + "_free"
}

func (c *Context) newGuestRef(class string, ptr uint32) *GuestRef {
	r := &GuestRef{c: c, state: &guestRefState{}, class: class, ptr: ptr}
	runtime.AddCleanup(r, func(cl guestRefCleanup) {
		if !cl.state.freed.Load() {
			cl.queue.push(pendingFree{export: cl.export, ptr: cl.ptr})
		}
	}, guestRefCleanup{queue: c.queue, state: r.state, export: FreeExport(class), ptr: ptr})
	return r
}

// Class returns the guest class name.
func (r *GuestRef) Class() string { return r.class }

// Ptr returns the guest pointer, or 0 once freed.
func (r *GuestRef) Ptr() uint32 {
	if r.state.freed.Load() {
		return 0
	}
	return r.ptr
}

// Freed reports whether Free has been called.
func (r *GuestRef) Freed() bool { return r.state.freed.Load() }

// Free destroys the guest struct. Calling it again is a no-op.
func (r *GuestRef) Free(ctx context.Context) error {
	if r.state.freed.Swap(true) {
		return nil
	}
	_, err := r.c.callExport(ctx, FreeExport(r.class), uint64(r.ptr))
	return err
}
