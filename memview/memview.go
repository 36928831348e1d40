// Package memview caches typed views over guest linear memory and rebuilds
// them when the memory grows.
package memview

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// Kind selects the element type of a view.
type Kind uint8

const (
	KindByte Kind = iota
	KindInt32
	KindFloat64

	kindCount
)

// Size returns the element width in bytes.
func (k Kind) Size() uint32 {
	switch k {
	case KindInt32:
		return 4
	case KindFloat64:
		return 8
	default:
		return 1
	}
}

func (k Kind) String() string {
	switch k {
	case KindByte:
		return "u8"
	case KindInt32:
		return "i32"
	case KindFloat64:
		return "f64"
	default:
		return "unknown"
	}
}

// View is a typed window over the whole of linear memory, valid until the
// memory grows or the cache is invalidated.
type View struct {
	cache *Cache
	buf   []byte
	epoch uint64
	kind  Kind
}

// Kind returns the element kind.
func (v *View) Kind() Kind { return v.kind }

// Epoch returns the cache epoch the view was built at.
func (v *View) Epoch() uint64 { return v.epoch }

// Len returns the number of whole elements.
func (v *View) Len() uint32 {
	return uint32(len(v.buf)) / v.kind.Size()
}

// Valid reports whether the view still covers the live memory.
func (v *View) Valid() bool {
	return v.epoch == v.cache.epoch && uint32(len(v.buf)) == v.cache.mem.Size()
}

// Bytes returns the underlying byte slice. It aliases guest memory.
func (v *View) Bytes() []byte { return v.buf }

func (v *View) check(idx uint32) (uint32, error) {
	size := v.kind.Size()
	off := uint64(idx) * uint64(size)
	if off+uint64(size) > uint64(len(v.buf)) {
		return 0, errors.OutOfBounds(errors.PhaseMemory, off, uint64(size), uint64(len(v.buf)))
	}
	return uint32(off), nil
}

// Uint8 reads element idx of a byte view.
func (v *View) Uint8(idx uint32) (uint8, error) {
	off, err := v.check(idx)
	if err != nil {
		return 0, err
	}
	return v.buf[off], nil
}

// Int32 reads element idx, counting in 4-byte units.
func (v *View) Int32(idx uint32) (int32, error) {
	off, err := v.check(idx)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(v.buf[off:])), nil
}

// SetInt32 writes element idx, counting in 4-byte units.
func (v *View) SetInt32(idx uint32, val int32) error {
	off, err := v.check(idx)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(v.buf[off:], uint32(val))
	return nil
}

// Float64 reads element idx, counting in 8-byte units.
func (v *View) Float64(idx uint32) (float64, error) {
	off, err := v.check(idx)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.buf[off:])), nil
}

// SetFloat64 writes element idx, counting in 8-byte units.
func (v *View) SetFloat64(idx uint32, val float64) error {
	off, err := v.check(idx)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(v.buf[off:], math.Float64bits(val))
	return nil
}

// Cache memoizes one view per kind over a single memory.
// It is owned by one instance and is not safe for concurrent use.
type Cache struct {
	mem     wasmbridge.Memory
	views   [kindCount]*View
	epoch   uint64
	size    uint32
	rebuild uint64
}

// New creates a cache over mem. Views are built lazily.
func New(mem wasmbridge.Memory) *Cache {
	return &Cache{mem: mem, size: mem.Size()}
}

// Epoch returns the current epoch. It advances whenever the memory size
// changes or InvalidateAll is called.
func (c *Cache) Epoch() uint64 { return c.epoch }

// Rebuilds returns how many views have been (re)built.
func (c *Cache) Rebuilds() uint64 { return c.rebuild }

// InvalidateAll discards every memoized view.
func (c *Cache) InvalidateAll() {
	c.epoch++
	c.views = [kindCount]*View{}
}

// View returns a live view of kind, rebuilding it if memory has grown
// since it was cached.
func (c *Cache) View(kind Kind) (*View, error) {
	if kind >= kindCount {
		return nil, errors.InvalidInput(errors.PhaseMemory, "unknown view kind")
	}

	size := c.mem.Size()
	if size != c.size {
		c.size = size
		c.epoch++
	}

	if v := c.views[kind]; v != nil && v.epoch == c.epoch && uint32(len(v.buf)) == size {
		return v, nil
	}

	buf, ok := c.mem.Read(0, size)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMemory, 0, uint64(size), uint64(size))
	}
	v := &View{cache: c, buf: buf, epoch: c.epoch, kind: kind}
	c.views[kind] = v
	c.rebuild++
	return v, nil
}

func (c *Cache) byteRange(ptr, length uint32) ([]byte, error) {
	v, err := c.View(KindByte)
	if err != nil {
		return nil, err
	}
	end := uint64(ptr) + uint64(length)
	if end > uint64(len(v.buf)) {
		return nil, errors.OutOfBounds(errors.PhaseMemory, uint64(ptr), uint64(length), uint64(len(v.buf)))
	}
	return v.buf[ptr:end], nil
}

// ReadBytes copies length bytes starting at ptr.
func (c *Cache) ReadBytes(ptr, length uint32) ([]byte, error) {
	b, err := c.byteRange(ptr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// WriteBytes copies data into memory at ptr.
func (c *Cache) WriteBytes(ptr uint32, data []byte) error {
	b, err := c.byteRange(ptr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// ReadString decodes length bytes at ptr as UTF-8. Invalid input is an
// error, never replaced.
func (c *Cache) ReadString(ptr, length uint32) (string, error) {
	b, err := c.byteRange(ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(errors.PhaseMemory, ptr, b)
	}
	return string(b), nil
}

// Int32At reads the i32 at element index idx (byte offset idx*4).
func (c *Cache) Int32At(idx uint32) (int32, error) {
	v, err := c.View(KindInt32)
	if err != nil {
		return 0, err
	}
	return v.Int32(idx)
}

// SetInt32 writes the i32 at element index idx.
func (c *Cache) SetInt32(idx uint32, val int32) error {
	v, err := c.View(KindInt32)
	if err != nil {
		return err
	}
	return v.SetInt32(idx, val)
}

// Float64At reads the f64 at element index idx (byte offset idx*8).
func (c *Cache) Float64At(idx uint32) (float64, error) {
	v, err := c.View(KindFloat64)
	if err != nil {
		return 0, err
	}
	return v.Float64(idx)
}

// SetFloat64 writes the f64 at element index idx.
func (c *Cache) SetFloat64(idx uint32, val float64) error {
	v, err := c.View(KindFloat64)
	if err != nil {
		return err
	}
	return v.SetFloat64(idx, val)
}
