package boundary

import (
	"context"
	"fmt"
	"testing"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

type fakeMemory struct {
	buf []byte
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Read(offset, n uint32) ([]byte, bool) {
	if uint64(offset)+uint64(n) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+n : offset+n], true
}

func (m *fakeMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], data)
	return true
}

func (m *fakeMemory) grow(n int) {
	next := make([]byte, len(m.buf)+n)
	copy(next, m.buf)
	m.buf = next
}

type exportFunc func(ctx context.Context, g *fakeGuest, params []uint64) ([]uint64, error)

// fakeGuest plays the guest side of the ABI in Go. Host imports are reached
// through the context's dispatcher, and host panics are recovered the way
// the wasm runtime does it.
type fakeGuest struct {
	t       *testing.T
	c       *Context
	mem     *fakeMemory
	exports map[string]exportFunc
	sp      uint32
	heapTop uint32
	exn     []uint64
	freed   []uint32
	dtors   [][3]uint32
	calls   []string
}

func newFakeGuest(t *testing.T, opts ...Option) *fakeGuest {
	t.Helper()
	g := &fakeGuest{
		t:       t,
		mem:     &fakeMemory{buf: make([]byte, 4096)},
		sp:      1024,
		heapTop: 2048,
		exports: make(map[string]exportFunc),
	}
	g.exports[ExportStackPointer] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		g.sp = uint32(int32(g.sp) + int32(uint32(p[0])))
		return []uint64{uint64(g.sp)}, nil
	}
	g.exports[ExportMalloc] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		size := uint32(p[0])
		ptr := g.heapTop
		if ptr+size > g.mem.Size() {
			g.mem.grow(65536)
		}
		g.heapTop += size
		return []uint64{uint64(ptr)}, nil
	}
	g.exports[ExportFree] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		g.freed = append(g.freed, uint32(p[0]))
		return nil, nil
	}
	g.exports[ExportExnStore] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		g.exn = append(g.exn, p[0])
		return nil, nil
	}
	g.exports[ExportDestroyClosure] = func(_ context.Context, g *fakeGuest, p []uint64) ([]uint64, error) {
		g.dtors = append(g.dtors, [3]uint32{uint32(p[0]), uint32(p[1]), uint32(p[2])})
		return nil, nil
	}

	g.c = New(opts...)
	if err := g.c.Attach(g); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return g
}

func (g *fakeGuest) Call(ctx context.Context, name string, params ...uint64) (res []uint64, err error) {
	fn, ok := g.exports[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	g.calls = append(g.calls, name)
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w (recovered by wazero)", e)
				return
			}
			err = fmt.Errorf("%v (recovered by wazero)", r)
		}
	}()
	return fn(ctx, g, params)
}

func (g *fakeGuest) HasExport(name string) bool {
	_, ok := g.exports[name]
	return ok
}

func (g *fakeGuest) Memory() wasmbridge.Memory { return g.mem }

// host invokes a host import from guest code.
func (g *fakeGuest) host(ctx context.Context, name string, params ...uint64) []uint64 {
	imp, ok := g.c.Import(name)
	if !ok {
		g.t.Fatalf("import %s not found", name)
	}
	n := len(imp.Params)
	if len(imp.Results) > n {
		n = len(imp.Results)
	}
	stack := make([]uint64, n)
	copy(stack, params)
	g.c.Dispatch(ctx, imp, stack)
	return stack[:len(imp.Results)]
}

// putString writes s into guest scratch memory and returns (ptr, len).
func (g *fakeGuest) putString(s string) (uint64, uint64) {
	ptr := g.heapTop
	copy(g.mem.buf[ptr:], s)
	g.heapTop += uint32(len(s))
	return uint64(ptr), uint64(len(s))
}

func (g *fakeGuest) writeI32(addr uint32, v int32) {
	if err := g.c.Views().SetInt32(addr/4, v); err != nil {
		g.t.Fatalf("writeI32: %v", err)
	}
}

func (g *fakeGuest) readI32(addr uint32) int32 {
	v, err := g.c.Views().Int32At(addr / 4)
	if err != nil {
		g.t.Fatalf("readI32: %v", err)
	}
	return v
}
