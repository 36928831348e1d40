package runtime

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/config"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/manifest"
)

// Runtime loads wasm-bindgen guests and hands out instances.
type Runtime struct {
	engine     *engine.Engine
	hosts      *HostRegistry
	manifest   *manifest.Manifest
	log        *zap.Logger
	client     *http.Client
	defaultURL string
	engineCfg  *engine.Config
	stackSize  int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The runtime tags it with its component name.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithManifest supplies closure shapes and entry signatures. Its module
// field becomes the default location unless WithDefaultURL overrides it.
func WithManifest(m *manifest.Manifest) Option {
	return func(r *Runtime) { r.manifest = m }
}

// WithHTTPClient sets the client used to fetch guests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) {
		if c != nil {
			r.client = c
		}
	}
}

// WithDefaultURL sets the location Init loads when given no source.
func WithDefaultURL(u string) Option {
	return func(r *Runtime) { r.defaultURL = u }
}

// WithEngineConfig configures the wazero engine.
func WithEngineConfig(cfg *engine.Config) Option {
	return func(r *Runtime) { r.engineCfg = cfg }
}

// WithStackSize sets the borrow region size of every instance's heap.
func WithStackSize(n int) Option {
	return func(r *Runtime) { r.stackSize = n }
}

// New creates a runtime.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		hosts:     NewHostRegistry(),
		manifest:  &manifest.Manifest{},
		log:       zap.NewNop(),
		client:    &http.Client{Timeout: 30 * time.Second},
		stackSize: heap.DefaultStackSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.manifest == nil {
		r.manifest = &manifest.Manifest{}
	}
	if r.defaultURL == "" {
		r.defaultURL = r.manifest.Module
	}
	r.log = r.log.With(zap.String("component", "wasm-bridge"))

	eng, err := engine.New(ctx, r.engineCfg)
	if err != nil {
		return nil, err
	}
	r.engine = eng
	return r, nil
}

// NewFromConfig creates a runtime from loaded configuration, reading the
// manifest the configuration names. Options apply after the configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	base := []Option{
		WithEngineConfig(cfg.EngineOptions()),
		WithStackSize(cfg.Boundary.StackSize),
		WithHTTPClient(&http.Client{Timeout: cfg.Module.FetchTimeout}),
	}
	if cfg.Module.Manifest != "" {
		m, err := manifest.Load(cfg.Module.Manifest)
		if err != nil {
			return nil, err
		}
		base = append(base, WithManifest(m))
	}
	if cfg.Module.URL != "" {
		base = append(base, WithDefaultURL(cfg.Module.URL))
	}
	return New(ctx, append(base, opts...)...)
}

// Close releases the engine. Instances must be closed first.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Hosts returns the registry of extra host imports. Functions must be
// registered before the guests that import them are instantiated.
func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

// RegisterFunc registers a Go function as a wbg import. See
// HostRegistry.RegisterFunc.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	return r.hosts.RegisterFunc(name, fn)
}

// RegisterHost registers the exported methods of h as wbg imports.
func (r *Runtime) RegisterHost(h any) error {
	return r.hosts.RegisterHost(h)
}

// Manifest returns the bindings manifest in use.
func (r *Runtime) Manifest() *manifest.Manifest {
	return r.manifest
}

// Compile compiles a guest without instantiating it.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (*engine.Module, error) {
	return r.engine.Compile(ctx, wasm)
}

// InitSync instantiates a guest from bytes. No network access happens.
func (r *Runtime) InitSync(ctx context.Context, wasm []byte) (*Instance, error) {
	mod, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, mod)
}

// Instantiate creates an instance of a compiled guest with a fresh
// boundary context.
func (r *Runtime) Instantiate(ctx context.Context, mod *engine.Module) (*Instance, error) {
	bctx := boundary.New(
		boundary.WithLogger(r.log),
		boundary.WithStackSize(r.stackSize),
		boundary.WithShapes(r.manifest.Shapes()...),
		boundary.WithImports(r.hosts.Imports()...),
	)

	inst, err := mod.Instantiate(ctx, bctx)
	if err != nil {
		_ = bctx.Close(ctx)
		return nil, err
	}

	i := &Instance{
		runtime:  r,
		module:   mod,
		engine:   inst,
		bctx:     bctx,
		manifest: r.manifest,
	}
	if inst.HasExport(ExportStart) {
		if _, err := bctx.Call(ctx, ExportStart, boundary.Signature{}); err != nil {
			_ = i.Close(ctx)
			return nil, err
		}
	}
	r.log.Debug("guest instantiated",
		zap.Int("imports", len(mod.Imports())),
		zap.Int("exports", len(mod.Exports())))
	return i, nil
}

// ExportStart is run once after instantiation when the guest exports it.
const ExportStart = "__wbindgen_start"

func notConfigured(what string) error {
	return errors.New(errors.PhaseConfig, errors.KindNotFound).
		Detail("no %s configured", what).
		Build()
}
