package closure

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-bridge/errors"
)

// Kind distinguishes closures that may be re-entered.
type Kind uint8

const (
	// Mutable closures hold their environment exclusively while running.
	Mutable Kind = iota
	// Shared closures may be invoked recursively.
	Shared
)

func (k Kind) String() string {
	if k == Shared {
		return "shared"
	}
	return "mutable"
}

// State is the lifecycle state of a closure.
type State uint8

const (
	StateIdle State = iota
	StateInvoking
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInvoking:
		return "invoking"
	default:
		return "destroyed"
	}
}

// Shape describes how a family of guest closures is invoked and destroyed.
type Shape struct {
	Name      string // host import that creates it, e.g. __wbindgen_closure_wrapper27
	Invoke    string // guest export that runs the closure body
	Params    int    // host arguments forwarded to Invoke
	Dtor      uint32 // destructor index passed to the destroyer
	Kind      Kind
	HasResult bool // Invoke returns an object handle
}

// Invoker runs the guest closure body with its environment pair.
type Invoker func(ctx context.Context, a, b uint32, args []any) (any, error)

// Destroyer frees the guest environment through the shape's destructor.
type Destroyer func(ctx context.Context, dtor, a, b uint32) error

var nextID atomic.Uint64

// Closure is a host callable wrapping a guest closure environment.
//
// The guest environment is (a, b). count starts at 1 for the owner reference
// and is raised for the duration of each invocation; the destructor runs
// exactly once, when count reaches zero.
type Closure struct {
	invoke  Invoker
	destroy Destroyer
	shape   Shape
	id      uint64
	mu      sync.Mutex
	a       uint32
	b       uint32
	count   int
	depth   int
	state   State
	dropped bool
	scoped  bool
}

// Wrap creates a closure owning the guest environment (a, b).
func Wrap(shape Shape, a, b uint32, invoke Invoker, destroy Destroyer) *Closure {
	return &Closure{
		invoke:  invoke,
		destroy: destroy,
		shape:   shape,
		id:      nextID.Add(1),
		a:       a,
		b:       b,
		count:   1,
	}
}

// ID returns a process-unique identifier for diagnostics.
func (c *Closure) ID() uint64 { return c.id }

// Shape returns the closure's shape.
func (c *Closure) Shape() Shape { return c.shape }

// State returns the current lifecycle state.
func (c *Closure) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Count returns the live reference count.
func (c *Closure) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Env returns the current environment pair. a is 0 while a mutable closure
// is running or after it has been destroyed.
func (c *Closure) Env() (a, b uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.a, c.b
}

// Invoke implements wasmbridge.Callable. The receiver is ignored.
func (c *Closure) Invoke(ctx context.Context, _ any, args ...any) (any, error) {
	return c.Call(ctx, args...)
}

// Call runs the guest closure body. Cleanup runs even when the body fails:
// the invocation reference is returned and, if it was the last one, the
// destructor runs before Call returns.
func (c *Closure) Call(ctx context.Context, args ...any) (result any, err error) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return nil, errors.Dropped(c.id)
	}
	if c.shape.Kind == Mutable && c.state == StateInvoking {
		c.mu.Unlock()
		return nil, errors.Reentrant(c.id)
	}

	c.count++
	c.depth++
	a, b := c.a, c.b
	if c.shape.Kind == Mutable {
		c.a = 0
	}
	c.state = StateInvoking
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.count--
		c.depth--
		last := c.count == 0
		if last {
			c.state = StateDestroyed
			c.a = 0
		} else {
			if c.shape.Kind == Mutable {
				c.a = a
			}
			if c.depth == 0 {
				c.state = StateIdle
			}
		}
		c.mu.Unlock()

		if last && !c.scoped && c.destroy != nil {
			if derr := c.destroy(ctx, c.shape.Dtor, a, b); derr != nil && err == nil {
				err = derr
			}
		}
	}()

	return c.invoke(ctx, a, b, args)
}

// Drop releases the owner reference. It is idempotent. When no invocation
// is running the destructor runs immediately and Drop reports true;
// otherwise the in-flight invocation runs it on exit. Destructor errors
// are only visible through DropContext.
func (c *Closure) Drop() bool {
	dropped, _ := c.DropContext(context.Background())
	return dropped
}

// DropContext is Drop with a context for the destructor call. It returns
// the destructor's error, if any.
func (c *Closure) DropContext(ctx context.Context) (bool, error) {
	a, b, last := c.release()
	if !last {
		return false, nil
	}
	if !c.scoped && c.destroy != nil {
		return true, c.destroy(ctx, c.shape.Dtor, a, b)
	}
	return true, nil
}

// GuestDrop releases the owner reference on behalf of the guest. It reports
// true when the guest must free the environment itself, which happens when
// no invocation is running. The destroyer is never called.
func (c *Closure) GuestDrop() bool {
	_, _, last := c.release()
	return last
}

func (c *Closure) release() (a, b uint32, last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped || c.state == StateDestroyed {
		return 0, 0, false
	}
	c.dropped = true
	c.count--
	if c.count > 0 {
		return 0, 0, false
	}
	a, b = c.a, c.b
	c.a = 0
	c.state = StateDestroyed
	return a, b, true
}

// Scoped lends a closure over a guest stack environment to fn. The guest
// keeps ownership of the environment: no destructor ever runs, and the
// closure fails with a dropped error once fn returns.
func Scoped(shape Shape, a, b uint32, invoke Invoker, fn func(*Closure) error) error {
	c := Wrap(shape, a, b, invoke, nil)
	c.scoped = true
	defer func() {
		c.mu.Lock()
		c.a, c.b = 0, 0
		c.state = StateDestroyed
		c.dropped = true
		c.mu.Unlock()
	}()
	return fn(c)
}
