// Package errors provides structured error types for the wasm-bridge library.
//
// Errors are categorized by Phase (which subsystem raised it) and Kind (error
// category). The Error type carries the import or export name, the offending
// handle and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseHeap, errors.KindInvalidHandle).
//		Handle(40).
//		Name("__wbindgen_object_drop_ref").
//		Detail("slot is free").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidHandle(errors.PhaseHeap, 40, "slot is free")
//	err := errors.OutOfBounds(errors.PhaseMemory, 1024, 8, 1024)
//
// Values thrown across the boundary travel as *Thrown so that identity is
// preserved. All errors implement the standard error interface and support
// errors.Is/As.
package errors
