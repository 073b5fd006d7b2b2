package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "file:///wchain/config.schema.json"

// schemaJSON constrains the decoded configuration. Durations are checked after
// decoding, where they are integral nanoseconds.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["server", "storage"],
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "request_timeout": {"type": "integer", "minimum": 0},
        "max_body_bytes": {"type": "integer", "minimum": 0},
        "api_keys": {
          "type": ["array", "null"],
          "items": {"type": "string", "minLength": 1}
        }
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "type": {"enum": ["sqlite", "memory"]},
        "memory": {
          "type": "object",
          "properties": {"size": {"type": "integer", "minimum": 1}}
        }
      },
      "if": {"properties": {"type": {"const": "sqlite"}}},
      "then": {
        "properties": {
          "sqlite": {
            "type": "object",
            "required": ["path"],
            "properties": {"path": {"type": "string", "minLength": 1}}
          }
        }
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1},
        "pretty": {"type": "boolean"}
      }
    },
    "pipelines": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name", "stages"],
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
          "stages": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"type": "string", "minLength": 1},
                "name": {"type": "string"},
                "params": {"type": "object"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Validate checks cfg against the configuration schema and rejects duplicate
// pipeline names.
func Validate(cfg *Config) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate pipeline %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
