// Package wasmtest assembles small core wasm binaries for tests.
package wasmtest

import (
	"github.com/tetratelabs/wazero/api"
)

// Section IDs
const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11
)

// Export kinds
const (
	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

const funcTypeByte = 0x60

// Shorthand value types.
const (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
	F64 = api.ValueTypeF64
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type importDef struct {
	module  string
	name    string
	typeIdx uint32
}

type funcDef struct {
	export  string
	typeIdx uint32
	locals  []api.ValueType
	body    []byte
}

type globalDef struct {
	export  string
	init    int32
	mutable bool
}

type dataDef struct {
	offset uint32
	data   []byte
}

// Builder accumulates a module. Imports must be declared before any
// function, since imported functions take the low indices.
type Builder struct {
	types   []funcType
	imports []importDef
	funcs   []funcDef
	globals []globalDef
	data    []dataDef
	pages   uint32
	memory  bool
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range b.types {
		if equalTypes(t.params, params) && equalTypes(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: import declared after a function")
	}
	b.imports = append(b.imports, importDef{
		module:  module,
		name:    name,
		typeIdx: b.typeIndex(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// Func defines a function and returns its index. An empty export name
// keeps it private. The body must not include the final end opcode.
func (b *Builder) Func(export string, params, results, locals []api.ValueType, body *Code) uint32 {
	b.funcs = append(b.funcs, funcDef{
		export:  export,
		typeIdx: b.typeIndex(params, results),
		locals:  locals,
		body:    body.Bytes(),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Global defines an i32 global and returns its index.
func (b *Builder) Global(export string, init int32, mutable bool) uint32 {
	b.globals = append(b.globals, globalDef{export: export, init: init, mutable: mutable})
	return uint32(len(b.globals) - 1)
}

// Memory defines the exported "memory" with the given initial pages.
func (b *Builder) Memory(pages uint32) {
	b.memory = true
	b.pages = pages
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) {
	b.data = append(b.data, dataDef{offset: offset, data: data})
}

// Bytes encodes the module in the wasm binary format.
func (b *Builder) Bytes() []byte {
	w := &writer{}
	w.u32le(0x6d736100) // \0asm
	w.u32le(1)

	if len(b.types) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.types)))
		for _, t := range b.types {
			sec.put(funcTypeByte)
			writeValTypes(sec, t.params)
			writeValTypes(sec, t.results)
		}
		writeSection(w, sectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.imports)))
		for _, imp := range b.imports {
			sec.name(imp.module)
			sec.name(imp.name)
			sec.put(kindFunc)
			sec.u32(imp.typeIdx)
		}
		writeSection(w, sectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			sec.u32(f.typeIdx)
		}
		writeSection(w, sectionFunction, sec)
	}

	if b.memory {
		sec := &writer{}
		sec.u32(1)
		sec.put(0x00) // min only
		sec.u32(b.pages)
		writeSection(w, sectionMemory, sec)
	}

	if len(b.globals) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.globals)))
		for _, g := range b.globals {
			sec.put(I32)
			if g.mutable {
				sec.put(0x01)
			} else {
				sec.put(0x00)
			}
			sec.put(opI32Const)
			sec.s64(int64(g.init))
			sec.put(opEnd)
		}
		writeSection(w, sectionGlobal, sec)
	}

	exports := &writer{}
	count := uint32(0)
	if b.memory {
		exports.name("memory")
		exports.put(kindMemory)
		exports.u32(0)
		count++
	}
	for i, f := range b.funcs {
		if f.export == "" {
			continue
		}
		exports.name(f.export)
		exports.put(kindFunc)
		exports.u32(uint32(len(b.imports) + i))
		count++
	}
	for i, g := range b.globals {
		if g.export == "" {
			continue
		}
		exports.name(g.export)
		exports.put(kindGlobal)
		exports.u32(uint32(i))
		count++
	}
	if count > 0 {
		sec := &writer{}
		sec.u32(count)
		sec.raw(exports.data())
		writeSection(w, sectionExport, sec)
	}

	if len(b.funcs) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := &writer{}
			body.u32(uint32(len(f.locals)))
			for _, l := range f.locals {
				body.u32(1)
				body.put(l)
			}
			body.raw(f.body)
			body.put(opEnd)
			sec.vec(body.data())
		}
		writeSection(w, sectionCode, sec)
	}

	if len(b.data) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.data)))
		for _, d := range b.data {
			sec.u32(0) // active, memory 0
			sec.put(opI32Const)
			sec.s64(int64(int32(d.offset)))
			sec.put(opEnd)
			sec.vec(d.data)
		}
		writeSection(w, sectionData, sec)
	}

	return w.data()
}

func writeValTypes(w *writer, types []api.ValueType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.put(t)
	}
}

func writeSection(w *writer, id byte, sec *writer) {
	w.put(id)
	w.vec(sec.data())
}
