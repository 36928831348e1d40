// Package engine runs wasm-bindgen guests on wazero.
//
// An Engine compiles guest binaries into Modules. Instantiating a Module
// against a boundary.Context builds the "wbg" host module from the
// context's import table, instantiates the guest, and attaches it:
//
//	eng, _ := engine.New(ctx, nil)
//	mod, _ := eng.Compile(ctx, wasmBytes)
//	bctx := boundary.New(boundary.WithShapes(shapes...))
//	inst, _ := mod.Instantiate(ctx, bctx)
//	defer inst.Close(ctx)
//
// Only the imports the guest declares are linked. Every import is
// checked up front; names the context cannot serve are reported together
// as an *errors.MissingImportsError, and signature disagreements as a
// type mismatch, before any guest code runs.
//
// Each Instance owns a wazero runtime, because the host module is bound
// to one context. The Engine's compilation cache keeps repeated
// instantiation cheap.
package engine
