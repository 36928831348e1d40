package wasmtest

import "github.com/tetratelabs/wazero/api"

// Layout of the fixture guest's linear memory.
const (
	StackTop   = 1024 // shadow stack grows down from here
	Scratch    = 512  // number_get return slot
	MessageAt  = 2048 // thrown message
	CounterPtr = 4096 // the one Counter the guest hands out
	HeapBase   = 8192 // bump allocator start
	Undefined  = 32   // host handle of undefined with the default borrow region
)

// Message is the text the fixture throws from throw_message.
const Message = "guest exploded"

// Names used by the fixture.
const (
	ClosureWrapper = "__wbindgen_closure_wrapper7"
	ClosureInvoke  = "invoke_closure"
	ClosureDtor    = 5
	CallImport     = "__wbg_call_0123456789abcdef"
	CounterFree    = "__wbg_counter_free"
)

var (
	none = []api.ValueType{}
	i32  = []api.ValueType{I32}
)

func i32n(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = I32
	}
	return out
}

// Guest builds a module that speaks the wasm-bindgen boundary ABI:
//
//	add(i32, i32) -> i32
//	greet(ptr, len) -> handle            string_new on its argument
//	echo(retptr, handle)                 fallible, succeeds with its argument
//	reject(retptr, handle)               fallible, fails with its argument
//	throw_message()                      __wbindgen_throw(Message)
//	number_plus_one(handle) -> f64       number_get, -1 when not a number
//	make_closure(a) -> handle            closure_wrapper7(a, 99, 0)
//	invoke_closure(a, b, handle) -> handle   echoes the argument
//	drop_closure(handle) -> i32          cb_drop
//	try_call(retptr, fn, arg)            fallible, __wbg_call(fn, undefined, arg)
//	trap()                               unreachable
//	counter_new() -> ptr                 a Counter at CounterPtr
//	destroyed_count() -> i32, freed_count() -> i32
//
// plus the runtime exports the host needs: add_to_stack_pointer, malloc,
// free, exn_store, destroy_closure and __wbg_counter_free.
func Guest() []byte {
	b := New()

	dropRef := b.Import("wbg", "__wbindgen_object_drop_ref", i32, none)
	stringNew := b.Import("wbg", "__wbindgen_string_new", i32n(2), i32)
	numberGet := b.Import("wbg", "__wbindgen_number_get", i32n(2), none)
	throw := b.Import("wbg", "__wbindgen_throw", i32n(2), none)
	wrapper := b.Import("wbg", ClosureWrapper, i32n(3), i32)
	cbDrop := b.Import("wbg", "__wbindgen_cb_drop", i32, i32)
	call := b.Import("wbg", CallImport, i32n(3), i32)

	sp := b.Global("", StackTop, true)
	top := b.Global("", HeapBase, true)
	exn := b.Global("", 0, true)
	destroyed := b.Global("", 0, true)
	freed := b.Global("", 0, true)

	b.Memory(1)
	b.Data(MessageAt, []byte(Message))

	b.Func("__wbindgen_add_to_stack_pointer", i32, i32, nil, Body().
		LocalGet(0).GlobalGet(sp).I32Add().GlobalSet(sp).
		GlobalGet(sp))

	b.Func("__wbindgen_malloc", i32n(2), i32, i32, Body().
		GlobalGet(top).LocalSet(2).
		GlobalGet(top).LocalGet(0).I32Add().GlobalSet(top).
		GlobalGet(top).MemorySize().I32Const(16).I32Shl().I32GtU().
		If().
		LocalGet(0).I32Const(16).I32ShrU().I32Const(1).I32Add().MemoryGrow().Drop().
		End().
		LocalGet(2))

	b.Func("__wbindgen_free", i32n(3), none, nil, Body())

	b.Func("__wbindgen_exn_store", i32, none, nil, Body().
		LocalGet(0).GlobalSet(exn))

	b.Func("__wbindgen_destroy_closure", i32n(3), none, nil, Body().
		GlobalGet(destroyed).I32Const(1).I32Add().GlobalSet(destroyed))

	b.Func("add", i32n(2), i32, nil, Body().
		LocalGet(0).LocalGet(1).I32Add())

	b.Func("greet", i32n(2), i32, nil, Body().
		LocalGet(0).LocalGet(1).Call(stringNew))

	b.Func("echo", i32n(2), none, nil, Body().
		LocalGet(0).LocalGet(1).I32Store(0).
		LocalGet(0).I32Const(0).I32Store(8))

	b.Func("reject", i32n(2), none, nil, Body().
		LocalGet(0).LocalGet(1).I32Store(4).
		LocalGet(0).I32Const(1).I32Store(8))

	b.Func("throw_message", none, none, nil, Body().
		I32Const(MessageAt).I32Const(int32(len(Message))).Call(throw))

	b.Func("number_plus_one", i32, []api.ValueType{F64}, nil, Body().
		I32Const(Scratch).LocalGet(0).Call(numberGet).
		LocalGet(0).Call(dropRef).
		I32Const(Scratch).I32Load(0).
		IfResult(F64).
		I32Const(Scratch).F64Load(8).F64Const(1).F64Add().
		Else().
		F64Const(-1).
		End())

	b.Func("make_closure", i32, i32, nil, Body().
		LocalGet(0).I32Const(99).I32Const(0).Call(wrapper))

	b.Func(ClosureInvoke, i32n(3), i32, nil, Body().
		LocalGet(2))

	b.Func("drop_closure", i32, i32, nil, Body().
		LocalGet(0).Call(cbDrop))

	// try_call(retptr, fn, arg); local 3 holds the call result.
	b.Func("try_call", i32n(3), none, i32, Body().
		I32Const(0).GlobalSet(exn).
		LocalGet(1).I32Const(Undefined).LocalGet(2).Call(call).LocalSet(3).
		LocalGet(1).Call(dropRef).
		LocalGet(2).Call(dropRef).
		GlobalGet(exn).
		If().
		LocalGet(0).GlobalGet(exn).I32Store(4).
		LocalGet(0).I32Const(1).I32Store(8).
		Else().
		LocalGet(0).LocalGet(3).I32Store(0).
		LocalGet(0).I32Const(0).I32Store(8).
		End())

	b.Func("trap", none, none, nil, Body().Unreachable())

	b.Func("counter_new", none, i32, nil, Body().I32Const(CounterPtr))

	b.Func(CounterFree, i32, none, nil, Body().
		GlobalGet(freed).I32Const(1).I32Add().GlobalSet(freed))

	b.Func("destroyed_count", none, i32, nil, Body().GlobalGet(destroyed))
	b.Func("freed_count", none, i32, nil, Body().GlobalGet(freed))

	return b.Bytes()
}

// MissingImports builds a module whose imports no bridge serves: an
// unknown hashed wbg import and an env import.
func MissingImports() []byte {
	b := New()
	b.Import("wbg", "__wbg_createElement_1a2b3c4d5e6f7a8b", i32, i32)
	b.Import("env", "abort", none, none)
	b.Memory(1)
	return b.Bytes()
}

// WrongSignature builds a module importing drop_ref with an i64 parameter.
func WrongSignature() []byte {
	b := New()
	b.Import("wbg", "__wbindgen_object_drop_ref", []api.ValueType{I64}, none)
	b.Memory(1)
	return b.Bytes()
}

// NoMemory builds a module without linear memory.
func NoMemory() []byte {
	b := New()
	b.Func("add", i32n(2), i32, nil, Body().LocalGet(0).LocalGet(1).I32Add())
	return b.Bytes()
}

// Names and data used by the Host fixture.
const (
	DoubleImport = "__wbg_double_a1b2c3d4e5f60718"
	ShoutImport  = "__wbg_shout_a1b2c3d4e5f60718"
	Greeting     = "hello"
	GreetingAt   = 2048
)

// Host builds a module importing wbg functions outside the built-in set:
//
//	twice(i32) -> i32      double(x)
//	shout() -> handle      shout(Greeting)
//	started() -> i32       1 once __wbindgen_start has run
func Host() []byte {
	b := New()

	double := b.Import("wbg", DoubleImport, i32, i32)
	shout := b.Import("wbg", ShoutImport, i32n(2), i32)

	started := b.Global("", 0, true)

	b.Memory(1)
	b.Data(GreetingAt, []byte(Greeting))

	b.Func("__wbindgen_start", none, none, nil, Body().
		I32Const(1).GlobalSet(started))
	b.Func("twice", i32, i32, nil, Body().
		LocalGet(0).Call(double))
	b.Func("shout", none, i32, nil, Body().
		I32Const(GreetingAt).I32Const(int32(len(Greeting))).Call(shout))
	b.Func("started", none, i32, nil, Body().GlobalGet(started))

	return b.Bytes()
}
