// Package runtime loads wasm-bindgen guests and calls into them.
//
// # Quick Start
//
//	ctx := context.Background()
//	m, err := manifest.Load("reversi.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := runtime.New(ctx, runtime.WithManifest(m))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Load the guest from the manifest's module location
//	inst, err := rt.Init(ctx, runtime.Source{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	result, err := inst.Call(ctx, "best_move", board, 4.0)
//
// # Loading Guests
//
// Init accepts a Source:
//
//	Source{}                 - the runtime's default location
//	FromURL(url)             - http(s) URL, file:// URL or a path
//	FromResponse(resp)       - an already requested response
//	FromBytes(data)          - in-memory binary, same as InitSync
//	FromModule(mod)          - a module compiled with Runtime.Compile
//
// Network responses are instantiated on the streaming path when served as
// application/wasm. Any other content type logs a warning and falls back
// to reading the whole body.
//
// # Host Functions
//
// Guests may import wbg functions beyond the built-in set. Register them
// before instantiation:
//
//	rt.RegisterFunc("alert", func(msg string) {
//	    fmt.Println(msg)
//	})
//
// A bare name is served as __wbg_<name>; hashed guest spellings such as
// __wbg_alert_3f1c2d4e5a6b7c8d resolve to it.
package runtime
