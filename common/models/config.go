package models

import "strconv"

// Typed accessors over the opaque per-node config mapping. JSON numbers
// arrive as float64, but the editor sometimes serializes numerics as strings;
// both shapes are accepted.

// ConfigString returns a string config value or the default.
func ConfigString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigBool returns a bool config value or the default.
func ConfigBool(cfg map[string]any, key string, def bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ConfigInt returns an int config value or the default.
func ConfigInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ConfigMap returns a nested mapping config value or nil.
func ConfigMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}
