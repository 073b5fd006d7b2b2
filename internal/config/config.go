// Package config loads the wchain service configuration.
//
// Values come from a YAML file, then WCHAIN_ prefixed environment variables
// (double underscore separates nesting levels, so WCHAIN_SERVER__PORT sets
// server.port), then built-in defaults for anything still unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/wchain/internal/chain"
)

// DefaultPath is read when Load is given an empty path.
const DefaultPath = "config.yaml"

// EnvPrefix marks environment variables that override file values.
const EnvPrefix = "WCHAIN_"

type Config struct {
	Server    ServerConfig     `koanf:"server" json:"server"`
	Storage   StorageConfig    `koanf:"storage" json:"storage"`
	Chain     chain.Options    `koanf:"chain" json:"chain"`
	Telemetry TelemetryConfig  `koanf:"telemetry" json:"telemetry"`
	Pipelines []PipelineConfig `koanf:"pipelines" json:"pipelines"`
}

type ServerConfig struct {
	Port           int           `koanf:"port" json:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout" json:"request_timeout"`

	// APIKeys, when set, are required as bearer tokens on /v1 routes.
	APIKeys []string `koanf:"api_keys" json:"api_keys"`

	// MaxBodyBytes caps request bodies on pipeline runs; 0 disables the cap.
	MaxBodyBytes int64 `koanf:"max_body_bytes" json:"max_body_bytes"`
}

type StorageConfig struct {
	Type   string       `koanf:"type" json:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite" json:"sqlite"`
	Memory MemoryConfig `koanf:"memory" json:"memory"`
}

type SQLiteConfig struct {
	Path string `koanf:"path" json:"path"`
}

// MemoryConfig bounds the in-memory run journal.
type MemoryConfig struct {
	Size int `koanf:"size" json:"size"`
}

// TelemetryConfig controls span export. SampleRatio is the fraction of root
// runs traced; stages follow their parent's decision.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled" json:"enabled"`
	SampleRatio float64 `koanf:"sample_ratio" json:"sample_ratio"`
	Pretty      bool    `koanf:"pretty" json:"pretty"`
}

// PipelineConfig describes one named chain of stages.
type PipelineConfig struct {
	Name        string        `koanf:"name" json:"name"`
	Description string        `koanf:"description" json:"description,omitempty"`
	Stages      []StageConfig `koanf:"stages" json:"stages"`
}

// StageConfig selects a registered stage type. Params are interpreted by the
// stage factory for that type. Name labels the stage in traces and listings.
type StageConfig struct {
	Type   string         `koanf:"type" json:"type"`
	Name   string         `koanf:"name" json:"name,omitempty"`
	Params map[string]any `koanf:"params" json:"params,omitempty"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.request_timeout": "60s",
	"server.max_body_bytes":  64 << 20,
	"storage.type":           "memory",
	"storage.sqlite.path":    "./data/wchain.db",
	"storage.memory.size":    1000,
	"chain.pause_at_begin":   true,
	"chain.async_meta":       true,
	"telemetry.sample_ratio": 1.0,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the configuration at path. A missing file is not an error; the
// environment and defaults still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for i := range cfg.Pipelines {
		for j := range cfg.Pipelines[i].Stages {
			stage := &cfg.Pipelines[i].Stages[j]
			stage.Params = substituteParams(stage.Params)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Pipeline returns the pipeline named name.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// substituteParams expands ${VAR} references in every string value, including
// values nested in maps and lists.
func substituteParams(params map[string]any) map[string]any {
	for k, v := range params {
		params[k] = substituteValue(v)
	}
	return params
}

func substituteValue(v any) any {
	switch val := v.(type) {
	case string:
		return substituteEnvVars(val)
	case map[string]any:
		return substituteParams(val)
	case []any:
		for i := range val {
			val[i] = substituteValue(val[i])
		}
		return val
	default:
		return v
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
