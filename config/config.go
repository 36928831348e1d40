// Package config loads bridge configuration from defaults, an optional
// YAML file and WASMBRIDGE_* environment variables, in increasing order
// of precedence.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
)

// EnvPrefix prefixes environment overrides: WASMBRIDGE_ENGINE_MEMORY_PAGES
// sets engine.memory_pages.
const EnvPrefix = "WASMBRIDGE"

var validate = validator.New()

type Config struct {
	Module   ModuleConfig   `mapstructure:"module"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Boundary BoundaryConfig `mapstructure:"boundary"`
	Log      LogConfig      `mapstructure:"log"`
}

// ModuleConfig locates the guest and its bindings.
type ModuleConfig struct {
	// Default guest location used by Init without a source.
	URL string `mapstructure:"url"`
	// Bindings manifest path.
	Manifest string `mapstructure:"manifest"`
	// Timeout for fetching the guest over HTTP.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gte=0"`
}

// EngineConfig holds wazero settings.
type EngineConfig struct {
	// Memory limit per instance (in pages, 64KB each). 0 keeps the wazero default.
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"lte=65536"`
	// Compilation cache directory. Empty caches in memory.
	CacheDir string `mapstructure:"cache_dir"`
	// Abort running guest code when the call context is done.
	CloseOnContextDone bool `mapstructure:"close_on_context_done"`
	// Serve wasi_snapshot_preview1 imports.
	WASI bool `mapstructure:"wasi"`
}

// BoundaryConfig sizes the per-instance boundary state.
type BoundaryConfig struct {
	// Handles reserved below the heap for borrows.
	StackSize int `mapstructure:"stack_size" validate:"gte=2,lte=4096"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("module.url", "")
	v.SetDefault("module.manifest", "")
	v.SetDefault("module.fetch_timeout", 30*time.Second)

	v.SetDefault("engine.memory_pages", 0)
	v.SetDefault("engine.cache_dir", "")
	v.SetDefault("engine.close_on_context_done", false)
	v.SetDefault("engine.wasi", false)

	v.SetDefault("boundary.stack_size", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are static; only a bad environment can get here.
		return &Config{
			Module:   ModuleConfig{FetchTimeout: 30 * time.Second},
			Boundary: BoundaryConfig{StackSize: 32},
			Log:      LogConfig{Level: "info", Format: "console"},
		}
	}
	return cfg
}

// Load reads configuration. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
				Name(path).
				Detail("read config").
				Cause(err).
				Build()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid config")
	}
	return nil
}

// EngineOptions converts the engine section for engine.New.
func (c *Config) EngineOptions() *engine.Config {
	return &engine.Config{
		CacheDir:           c.Engine.CacheDir,
		MemoryLimitPages:   c.Engine.MemoryPages,
		CloseOnContextDone: c.Engine.CloseOnContextDone,
		EnableWASI:         c.Engine.WASI,
	}
}

// NewLogger builds a zap logger writing to stderr.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "build logger")
	}
	return l, nil
}
