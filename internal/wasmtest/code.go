package wasmtest

// Opcodes used by the fixtures.
const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0b
	opBrIf        = 0x0d
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opF64Load     = 0x2b
	opI32Store    = 0x36
	opF64Store    = 0x39
	opMemorySize  = 0x3f
	opMemoryGrow  = 0x40
	opI32Const    = 0x41
	opF64Const    = 0x44
	opI32Eqz      = 0x45
	opI32Ne       = 0x47
	opI32GtU      = 0x4b
	opI32Add      = 0x6a
	opI32Sub      = 0x6b
	opI32Shl      = 0x74
	opI32ShrU     = 0x76
	opF64Add      = 0xa0

	blockEmpty = 0x40
)

// Code is a function body under construction. Methods return the receiver
// so bodies read top to bottom.
type Code struct {
	w writer
}

// Body starts an empty function body.
func Body() *Code { return &Code{} }

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte { return c.w.data() }

func (c *Code) op(op byte) *Code {
	c.w.put(op)
	return c
}

func (c *Code) opIdx(op byte, idx uint32) *Code {
	c.w.put(op)
	c.w.u32(idx)
	return c
}

// memarg emits the alignment hint (log2) and offset of a memory access.
func (c *Code) memarg(op byte, align, offset uint32) *Code {
	c.w.put(op)
	c.w.u32(align)
	c.w.u32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Else() *Code { return c.op(opElse) }
func (c *Code) End() *Code { return c.op(opEnd) }
func (c *Code) Return() *Code { return c.op(opReturn) }
func (c *Code) Drop() *Code { return c.op(opDrop) }
func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }
func (c *Code) I32Ne() *Code { return c.op(opI32Ne) }
func (c *Code) I32GtU() *Code { return c.op(opI32GtU) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32Shl() *Code { return c.op(opI32Shl) }
func (c *Code) I32ShrU() *Code { return c.op(opI32ShrU) }
func (c *Code) F64Add() *Code { return c.op(opF64Add) }
func (c *Code) Call(fn uint32) *Code { return c.opIdx(opCall, fn) }
func (c *Code) BrIf(depth uint32) *Code { return c.opIdx(opBrIf, depth) }
func (c *Code) LocalGet(i uint32) *Code { return c.opIdx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code { return c.opIdx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code { return c.opIdx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.opIdx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.opIdx(opGlobalSet, i) }
func (c *Code) I32Load(off uint32) *Code { return c.memarg(opI32Load, 2, off) }
func (c *Code) I32Store(off uint32) *Code { return c.memarg(opI32Store, 2, off) }
func (c *Code) F64Load(off uint32) *Code { return c.memarg(opF64Load, 3, off) }
func (c *Code) F64Store(off uint32) *Code { return c.memarg(opF64Store, 3, off) }
func (c *Code) MemorySize() *Code { return c.opIdx(opMemorySize, 0) }
func (c *Code) MemoryGrow() *Code { return c.opIdx(opMemoryGrow, 0) }
func (c *Code) Block() *Code { return c.opIdx(opBlock, blockEmpty) }
func (c *Code) If() *Code { return c.opIdx(opIf, blockEmpty) }

// IfResult opens an if block producing one value of type t.
func (c *Code) IfResult(t byte) *Code {
	c.w.put(opIf)
	c.w.put(t)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.w.put(opI32Const)
	c.w.s64(int64(v))
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.w.put(opF64Const)
	c.w.f64(v)
	return c
}
