package wasmbridge

import "context"

// Memory is the subset of guest linear memory the bridge touches.
// wazero's api.Memory satisfies it.
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint32
	// Read returns a view (not a copy) of byteCount bytes at offset.
	// The view disconnects when the memory grows.
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
}

// Allocator allocates memory in guest linear memory
type Allocator interface {
	Alloc(ctx context.Context, size, align uint32) (uint32, error)
	Free(ctx context.Context, ptr, size, align uint32)
}

// Object is the narrow capability the bridge needs from host objects that
// the guest reads and writes reflectively.
type Object interface {
	GetProperty(key any) (any, error)
	SetProperty(key, value any) error
}

// Callable is implemented by host values the guest may invoke.
// this is the receiver, following host calling conventions.
type Callable interface {
	Invoke(ctx context.Context, this any, args ...any) (any, error)
}

// Function adapts an ordinary Go function to Callable.
type Function func(ctx context.Context, this any, args ...any) (any, error)

// Invoke implements Callable.
func (f Function) Invoke(ctx context.Context, this any, args ...any) (any, error) {
	return f(ctx, this, args...)
}
