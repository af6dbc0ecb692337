// Package config handles loading and validating gateway configuration from
// environment variables. All values have sensible defaults so the gateway
// can start with zero environment setup during local development.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds every process-level setting the gateway needs. Values are
// read once at startup and passed through the app via dependency injection;
// no global config variable is used.
type Config struct {
	// RegistryPath is the JSON registry file listing managed servers and
	// global settings.
	RegistryPath string

	// LogDir is the directory usage-log files are written into.
	LogDir string

	// OpsAddr is the listen address of the internal ops HTTP surface
	// (health, metrics, debug introspection). It is never the Minecraft
	// client-facing listener.
	OpsAddr string

	// LogFormat controls the output format of slog: "text" (local dev) or
	// "json" (production, default).
	LogFormat string

	// ShutdownGrace is how long the gateway waits for in-flight ops-surface
	// requests to finish on SIGINT/SIGTERM before forcing an exit. It does
	// not bound in-flight Minecraft splices, which are never forcibly cut.
	ShutdownGrace time.Duration
}

// koanf keys for each field, kept next to the struct so adding a field means
// touching exactly one place.
const (
	keyRegistryPath  = "REGISTRY_PATH"
	keyLogDir        = "LOG_DIR"
	keyOpsAddr       = "OPS_ADDR"
	keyLogFormat     = "LOG_FORMAT"
	keyShutdownGrace = "SHUTDOWN_GRACE_SECONDS"
)

// defaults are loaded into koanf first, as its own layer, so that any
// environment variable the process actually has set overrides them on the
// subsequent env.Provider load.
var defaults = map[string]any{
	keyRegistryPath:  "./registry.json",
	keyLogDir:        "./data/logs",
	keyOpsAddr:       "127.0.0.1:9090",
	keyLogFormat:     "json",
	keyShutdownGrace: int64(10),
}

// Load reads configuration from the process environment. Missing variables
// fall back to safe local-development defaults so the gateway can run
// without any setup.
func Load() *Config {
	k := koanf.New(".")

	for key, val := range defaults {
		_ = k.Set(key, val)
	}

	// env.Provider with an empty prefix and identity transform loads every
	// environment variable verbatim on top of the defaults above.
	_ = k.Load(env.Provider("", ".", nil), nil)

	return &Config{
		RegistryPath:  k.String(keyRegistryPath),
		LogDir:        k.String(keyLogDir),
		OpsAddr:       k.String(keyOpsAddr),
		LogFormat:     k.String(keyLogFormat),
		ShutdownGrace: time.Duration(k.Int64(keyShutdownGrace)) * time.Second,
	}
}

// NewLogger constructs a *slog.Logger based on LogFormat. "text" produces
// human-readable output for local development; anything else (including the
// default "json") produces structured JSON output suitable for container
// log shipping.
func (c *Config) NewLogger() *slog.Logger {
	var handler slog.Handler

	options := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
		ReplaceAttr: func(groups []string, attribute slog.Attr) slog.Attr {
			if attribute.Key == slog.SourceKey {
				source := attribute.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attribute
		},
	}

	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, options)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, options)
	}

	return slog.New(handler)
}
