// Package wasmbridge connects Go hosts to WebAssembly guests built with
// wasm-bindgen. Objects, closures, strings and errors cross the boundary by
// handle, without serializing structured values on every call.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmbridge/          Root package with Memory, Allocator and host value types
//	├── runtime/         High-level API: load guests, register host functions, call
//	├── engine/          wazero integration: compile, link the wbg module, instantiate
//	├── boundary/        Per-instance context: imports, calls, fallible returns
//	├── heap/            Object heap and borrow stack
//	├── memview/         Cached typed views over guest memory
//	├── closure/         Guest closures with reference counting
//	├── manifest/        Bindings manifest: closure shapes and entry signatures
//	├── config/          Configuration loading and logger setup
//	├── errors/          Structured error types for debugging
//	└── cmd/bridge/      Command line runner and interactive inspector
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.WithManifest(m))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	inst, err := rt.Init(ctx, runtime.FromURL("https://example.com/app_bg.wasm"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	result, err := inst.Call(ctx, "greet", "World")
//
// # Handles
//
// Host values the guest holds are slots in the instance's object heap. The
// first slots are a borrow region for arguments lent to a single call,
// followed by the reserved values undefined, null, true and false. A
// handle the guest receives as owned must be dropped exactly once.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Instance and the boundary context it
// wraps belong to one goroutine at a time; frees requested from other
// goroutines are queued and run before the next top-level call.
//
// # Memory Model
//
// Guest memory can only grow. Growth detaches every cached view, so views
// are re-read from the memory after any call into the guest.
package wasmbridge
