package pipeline

import (
	"fmt"
	"strconv"
	"time"
)

// Params are the configured parameters of one stage.
type Params map[string]any

// String returns the string at key, or def when the key is absent.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(val), nil
	default:
		return "", fmt.Errorf("param %s: expected string, got %T", key, v)
	}
}

// RequiredString is String without a default.
func (p Params) RequiredString(key string) (string, error) {
	s, err := p.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("param %s is required", key)
	}
	return s, nil
}

// Int returns the integer at key. Strings are parsed.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case uint64:
		return int(val), nil
	case float64:
		return int(val), nil
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("param %s: expected integer, got %T", key, v)
	}
}

// Bool returns the boolean at key. Strings are parsed with strconv.ParseBool.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("param %s: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("param %s: expected boolean, got %T", key, v)
	}
}

// Duration returns the duration at key, written as a Go duration string.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	s, err := p.String(key, "")
	if err != nil {
		return 0, err
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("param %s: invalid duration %q: %w", key, s, err)
	}
	return d, nil
}

// StringMap returns the string map at key, such as a set of headers.
func (p Params) StringMap(key string) (map[string]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		if m, ok := v.(map[string]string); ok {
			return m, nil
		}
		return nil, fmt.Errorf("param %s: expected map, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		out[k] = s
	}
	return out, nil
}
