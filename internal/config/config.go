// Package config loads noeticd's process configuration in layers: built-in
// defaults, then an optional config file, then environment variables, each
// tier overriding the one before it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is everything cmd/noeticd needs to start serving.
type Config struct {
	// DatabaseURL is a filesystem path to the SQLite-backed session store.
	// Empty means run against an in-memory store (no persistence, no
	// rehydration across restarts).
	DatabaseURL string
	// MCPAddr is the listen address for the streamable-HTTP MCP surface.
	MCPAddr string
	// WorkflowsDir names a directory of *.workflow.{yaml,yml,json}
	// definitions. It is loaded into Config only; noeticd does not scan it.
	WorkflowsDir string
	// Workers bounds the dispatcher-facing worker pool each workflow run
	// schedules against.
	Workers int
	// Debug enables verbose logging.
	Debug bool
	// TracingEndpoint is the OTLP/HTTP collector address; empty disables
	// span export (spans are still created against a no-op exporter).
	TracingEndpoint string
	// ServiceName tags exported spans. The MCP server's own name is fixed
	// in mcpsurface.NewServer and does not come from this field.
	ServiceName string
}

func defaults() Config {
	return Config{
		DatabaseURL:     "",
		MCPAddr:         ":8090",
		WorkflowsDir:    "./workflows",
		Workers:         8,
		Debug:           false,
		TracingEndpoint: "",
		ServiceName:     "noeticd",
	}
}

// Load builds a Config from defaults, then cfgFile if non-empty (or
// ./noetic.yaml / $HOME/.config/noetic/config.yaml if found), then
// NOETIC_*-prefixed environment variables, in that order of precedence.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	d := defaults()
	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("mcp_addr", d.MCPAddr)
	v.SetDefault("workflows_dir", d.WorkflowsDir)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("tracing_endpoint", d.TracingEndpoint)
	v.SetDefault("service_name", d.ServiceName)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		var candidates []string
		if cwd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(cwd, "noetic.yaml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".config", "noetic", "config.yaml"))
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				break
			}
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return Config{}, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
		// No config file found at the default search paths is fine;
		// defaults plus env still produce a usable Config.
	}

	v.SetEnvPrefix("NOETIC")
	v.AutomaticEnv()
	_ = v.BindEnv("database_url", "NOETIC_DATABASE_URL")
	_ = v.BindEnv("mcp_addr", "NOETIC_MCP_ADDR")
	_ = v.BindEnv("workflows_dir", "NOETIC_WORKFLOWS_DIR")
	_ = v.BindEnv("workers", "NOETIC_WORKERS")
	_ = v.BindEnv("debug", "NOETIC_DEBUG")
	_ = v.BindEnv("tracing_endpoint", "NOETIC_TRACING_ENDPOINT")
	_ = v.BindEnv("service_name", "NOETIC_SERVICE_NAME")

	cfg := Config{
		DatabaseURL:     v.GetString("database_url"),
		MCPAddr:         v.GetString("mcp_addr"),
		WorkflowsDir:    v.GetString("workflows_dir"),
		Workers:         v.GetInt("workers"),
		Debug:           v.GetBool("debug"),
		TracingEndpoint: v.GetString("tracing_endpoint"),
		ServiceName:     v.GetString("service_name"),
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	return cfg, nil
}
