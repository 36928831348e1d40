// Package boundary implements the calling convention between host Go code
// and a guest module built against the "wbg" import module.
//
// A Context owns all per-instance state: the object heap and borrow stack,
// the memory view cache, closure shapes and the queue of frees requested by
// GuestRef cleanups and by host code outside the call. There are no
// package-level registries; two instances never share handles.
//
// # Host to guest
//
//	res, err := bctx.CallGuest(ctx, "parse", boundary.Signature{
//		Params:   []boundary.ArgKind{boundary.ArgString},
//		Result:   boundary.ResultObject,
//		Fallible: true,
//	}, boundary.String("[1,2]"))
//
// Fallible exports write (value, error, is_error) into a 16-byte return area
// reserved on the guest's shadow stack. Call re-raises the reported error
// value itself, so callers can compare it with what they threw.
//
// # Guest to host
//
// Every import runs through Dispatch. Imports marked Catch hand failures to
// the guest's exception slot (__wbindgen_exn_store); the rest abort the guest
// call. A wasm trap poisons the Context and later calls fail with
// errors.KindBroken.
package boundary
