package heap

// Handle is the 32-bit index the guest holds for a host value.
// Handles below the configured stack size belong to the borrow stack.
type Handle uint32

// Ref pins a handle to the generation it was observed at.
type Ref struct {
	Handle Handle
	Gen    uint32
}

// Sentinel identifies one of the four permanently reserved handles.
type Sentinel uint8

const (
	SentinelUndefined Sentinel = iota
	SentinelNull
	SentinelTrue
	SentinelFalse

	sentinelCount = 4
)

// DefaultStackSize is the number of handles reserved for borrows.
const DefaultStackSize = 32

// EventType for heap lifecycle notifications.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventReleased
	EventBorrowed
	EventBorrowReturned
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventReleased:
		return "released"
	case EventBorrowed:
		return "borrowed"
	case EventBorrowReturned:
		return "borrow-returned"
	default:
		return "unknown"
	}
}

// Event represents a heap lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Type   EventType
}

// Observer receives notifications about heap lifecycle events.
// Observers are called with the heap lock held and must not call back into it.
type Observer interface {
	OnHeapEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnHeapEvent implements Observer.
func (f ObserverFunc) OnHeapEvent(e Event) { f(e) }

// Stats is a point-in-time summary of heap occupancy.
type Stats struct {
	Live        int // registered values, sentinels excluded
	Capacity    int // total slots, reserved region included
	Free        int // slots on the free list
	BorrowDepth int // live borrows
}

// Dropper is optionally implemented by values that need cleanup when the
// heap is closed with the value still registered.
type Dropper interface {
	Drop() bool
}
