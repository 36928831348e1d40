// Package manifest reads the bindings manifest of a guest module.
//
// wasm-bindgen guests do not describe their exports in a machine-readable
// way, so the host is told how to call them:
//
//	module: https://example.com/app_bg.wasm
//	closures:
//	  - name: __wbindgen_closure_wrapper27
//	    invoke: wasm_bindgen__convert__closures__invoke1_mut
//	    params: 1
//	    dtor: 3
//	  - name: __wbg_foreach
//	    invoke: wasm_bindgen__convert__closures__invoke1_ref
//	    params: 1
//	    kind: shared
//	entries:
//	  - name: app_render
//	    params: [object]
//	    result: object
//	    fallible: true
//
// Parameter kinds are object, borrowed, string, f64, i32, u32, bool and
// i64. Result kinds add none, string and guest-ref (which needs a class).
package manifest
