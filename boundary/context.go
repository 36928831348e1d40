package boundary

import (
	"context"
	"sync"

	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/closure"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/memview"
)

// Guest exports the boundary calls into.
const (
	ExportExnStore       = "__wbindgen_exn_store"
	ExportStackPointer   = "__wbindgen_add_to_stack_pointer"
	ExportMalloc         = "__wbindgen_malloc"
	ExportFree           = "__wbindgen_free"
	ExportDestroyClosure = "__wbindgen_destroy_closure"
)

const (
	returnAreaSize = 16
	stringAlign    = 1
)

// Guest is an instantiated guest module as seen by the boundary.
type Guest interface {
	// Call invokes an export with raw wasm values.
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	// HasExport reports whether the guest exports a function called name.
	HasExport(name string) bool
	// Memory returns the guest's linear memory.
	Memory() wasmbridge.Memory
}

// Context is the per-instance boundary state: object heap, borrow stack,
// memory views, closure shapes and the pending-free queue. It is owned by
// one goroutine at a time.
type Context struct {
	guest    Guest
	heap     *heap.Heap
	stack    *heap.BorrowStack
	views    *memview.Cache
	log      *zap.Logger
	shapes   map[string]closure.Shape
	imports  map[string]*Import
	extra    []*Import
	closures map[uint64]*closure.Closure
	broken   error
	queue    *freeQueue
	heapOpts []heap.Option
	depth    int
	closed   bool
}

type pendingFree struct {
	closure *closure.Closure
	export  string
	ptr     uint32
}

// freeQueue is kept apart from Context so cleanups can reach it without
// keeping the context's objects alive.
type freeQueue struct {
	items []pendingFree
	mu    sync.Mutex
}

func (q *freeQueue) push(p pendingFree) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

func (q *freeQueue) take() []pendingFree {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *freeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the context's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStackSize sets the borrow region size of the object heap.
func WithStackSize(n int) Option {
	return func(c *Context) {
		c.heapOpts = append(c.heapOpts, heap.WithStackSize(n))
	}
}

// WithShapes declares closure shapes. Shapes named like
// __wbindgen_closure_wrapperN are served as closure constructors;
// shapes named after a capability import with a callback (such as
// __wbg_foreach) describe the stack closure that import receives.
func WithShapes(shapes ...closure.Shape) Option {
	return func(c *Context) {
		for _, s := range shapes {
			c.shapes[s.Name] = s
		}
	}
}

// New creates a context. The guest is attached after instantiation, since
// the host imports must exist before the guest does.
func New(opts ...Option) *Context {
	c := &Context{
		log:      Logger(),
		shapes:   make(map[string]closure.Shape),
		closures: make(map[uint64]*closure.Closure),
		queue:    &freeQueue{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.heap = heap.New(c.heapOpts...)
	c.stack = c.heap.Stack()
	c.imports = c.buildImports()
	return c
}

// Attach binds the instantiated guest.
func (c *Context) Attach(g Guest) error {
	for _, name := range []string{ExportMalloc, ExportStackPointer} {
		if !g.HasExport(name) {
			c.log.Debug("guest lacks optional export", zap.String("export", name))
		}
	}
	mem := g.Memory()
	if mem == nil {
		return errors.NotFound(errors.PhaseLoad, "export", "memory")
	}
	c.guest = g
	c.views = memview.New(mem)
	return nil
}

// Heap returns the object heap.
func (c *Context) Heap() *heap.Heap { return c.heap }

// Stack returns the borrow stack.
func (c *Context) Stack() *heap.BorrowStack { return c.stack }

// Views returns the memory view cache. Nil before Attach.
func (c *Context) Views() *memview.Cache { return c.views }

// Shape looks up a closure shape by name.
func (c *Context) Shape(name string) (closure.Shape, bool) {
	s, ok := c.shapes[name]
	return s, ok
}

// Broken returns the trap that poisoned this context, if any.
func (c *Context) Broken() error { return c.broken }

func (c *Context) poison(err error) {
	if c.broken == nil {
		c.broken = err
		c.log.Error("guest trapped, context is now unusable", zap.Error(err))
	}
}

// Stats summarizes the context for diagnostics.
type Stats struct {
	Heap         heap.Stats
	Closures     int
	PendingFrees int
	Broken       bool
}

// Stats returns a snapshot of the context.
func (c *Context) Stats() Stats {
	return Stats{
		Heap:         c.heap.Stats(),
		Closures:     len(c.closures),
		PendingFrees: c.queue.len(),
		Broken:       c.broken != nil,
	}
}

// EnqueueDrop schedules a closure drop for the next guest call. The
// context holds its closures strongly, so nothing here calls it; it is for
// host code that decides a closure it took is unreachable, possibly on
// another goroutine or in its own cleanup.
func (c *Context) EnqueueDrop(cl *closure.Closure) {
	c.queue.push(pendingFree{closure: cl})
}

// EnqueueFree schedules a call to a guest free export for the next guest
// call. Safe to call from any goroutine, including finalizers.
func (c *Context) EnqueueFree(export string, ptr uint32) {
	c.queue.push(pendingFree{export: export, ptr: ptr})
}

// drainPending runs queued frees. Only called between top-level calls.
func (c *Context) drainPending(ctx context.Context) {
	for _, p := range c.queue.take() {
		if c.broken != nil {
			return
		}
		if p.closure != nil {
			_ = c.dropClosure(ctx, p.closure)
			continue
		}
		if _, err := c.callExport(ctx, p.export, uint64(p.ptr)); err != nil {
			c.log.Warn("deferred free failed",
				zap.String("export", p.export),
				zap.Uint32("ptr", p.ptr),
				zap.Error(err))
		}
	}
}

// Flush drains the pending-free queue now.
func (c *Context) Flush(ctx context.Context) error {
	if c.broken != nil {
		return errors.Broken(c.broken)
	}
	if c.depth > 0 {
		return errors.InvalidInput(errors.PhaseCall, "flush during a guest call")
	}
	c.drainPending(ctx)
	return nil
}

// Close drops every live closure and releases the heap. Queued frees that
// were never drained are discarded along with the guest. The first closure
// destructor failure is returned after the heap is released.
func (c *Context) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	var dropErr error
	if c.broken == nil && c.guest != nil {
		c.drainPending(ctx)
		for _, cl := range c.closures {
			if err := c.dropClosure(ctx, cl); err != nil && dropErr == nil {
				dropErr = err
			}
		}
	}
	c.closures = nil
	if err := c.heap.Close(); err != nil {
		return err
	}
	return dropErr
}
