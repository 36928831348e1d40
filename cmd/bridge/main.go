package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/config"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/manifest"
	"github.com/wippyai/wasm-bridge/runtime"
)

// argList collects a repeatable flag.
type argList []string

func (a *argList) String() string { return strings.Join(*a, ",") }

func (a *argList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

type options struct {
	wasm        string
	config      string
	manifest    string
	call        string
	args        argList
	list        bool
	interactive bool
	schema      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wasm, "wasm", "", "Guest wasm file or URL (defaults to the manifest's module)")
	flag.StringVar(&opts.config, "config", "", "Config file (yaml, json or toml)")
	flag.StringVar(&opts.manifest, "manifest", "", "Bindings manifest")
	flag.StringVar(&opts.call, "call", "", "Entry point to call")
	flag.Var(&opts.args, "arg", "Argument for -call (repeatable)")
	flag.BoolVar(&opts.list, "list", false, "List imports, exports and entry points and exit")
	flag.BoolVar(&opts.interactive, "i", false, "Interactive mode with TUI")
	flag.BoolVar(&opts.schema, "schema", false, "Print the manifest JSON Schema and exit")
	flag.Parse()

	if opts.schema {
		out, err := manifest.Schema()
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(out))
		return
	}

	if err := run(opts); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: bridge -wasm <file|url> -manifest <bindings.yaml> -call name [-arg v]...")
	fmt.Fprintln(os.Stderr, "       bridge -wasm <file|url> -list")
	fmt.Fprintln(os.Stderr, "       bridge -config <bridge.yaml> -i  (interactive mode)")
	fmt.Fprintln(os.Stderr, "       bridge -schema")
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.config != "" {
		var err error
		if cfg, err = config.Load(opts.config); err != nil {
			return nil, err
		}
	}
	if opts.wasm != "" {
		cfg.Module.URL = opts.wasm
	}
	if opts.manifest != "" {
		cfg.Module.Manifest = opts.manifest
	}
	return cfg, nil
}

func run(opts options) error {
	ctx := context.Background()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logCfg := cfg.Log
	if opts.interactive {
		// the TUI owns the terminal
		logCfg.Level = "error"
	}
	logger, err := config.NewLogger(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	setPackageLoggers(logger)
	defer setPackageLoggers(nil)

	rt, err := runtime.NewFromConfig(ctx, cfg, runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	switch {
	case opts.list:
		return list(ctx, rt)
	case opts.interactive:
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(rt, cfg.Module.URL)
	case opts.call != "":
		return call(ctx, rt, logger, opts.call, opts.args)
	default:
		usage()
		return fmt.Errorf("nothing to do: pass -call, -list or -i")
	}
}

// setPackageLoggers routes the package level loggers to l. nil restores
// the no-op loggers.
func setPackageLoggers(l *zap.Logger) {
	if l == nil {
		heap.SetLogger(nil)
		engine.SetLogger(zap.NewNop())
		boundary.SetLogger(nil)
		return
	}
	heap.SetLogger(l.Named("heap"))
	engine.SetLogger(l.Named("engine"))
	boundary.SetLogger(l.Named("boundary"))
}

func list(ctx context.Context, rt *runtime.Runtime) error {
	mod, err := rt.Load(ctx, runtime.Source{})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	fmt.Printf("Imports: %d\n", len(mod.Imports()))
	for _, f := range mod.Imports() {
		fmt.Printf("  %s.%s%s\n", f.Module, f.Name, f.Signature())
	}
	fmt.Printf("\nExports: %d\n", len(mod.Exports()))
	for _, f := range mod.Exports() {
		fmt.Printf("  %s%s\n", f.Name, f.Signature())
	}

	m := rt.Manifest()
	if names := m.EntryNames(); len(names) > 0 {
		fmt.Printf("\nEntry points:\n")
		for _, name := range names {
			e, _ := m.Entry(name)
			fmt.Printf("  %s\n", e)
		}
	}
	return nil
}

func call(ctx context.Context, rt *runtime.Runtime, logger *zap.Logger, name string, raw []string) error {
	entry, ok := rt.Manifest().Entry(name)
	if !ok {
		return errors.NotFound(errors.PhaseCall, "entry point", name)
	}
	args, err := parseArgs(entry, raw)
	if err != nil {
		return err
	}

	inst, err := rt.Init(ctx, runtime.Source{})
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	fmt.Printf("Calling %s(%s)...\n", name, strings.Join(raw, ", "))
	result, err := inst.Call(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	fmt.Printf("Result: %s\n", formatValue(result))

	st := inst.Stats()
	logger.Debug("boundary state after call",
		zap.Int("live", st.Heap.Live),
		zap.Int("free", st.Heap.Free),
		zap.Int("closures", st.Closures),
		zap.Int("pending_frees", st.PendingFrees))
	return nil
}
