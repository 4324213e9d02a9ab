package model

import (
	"math"
	"strings"

	"github.com/spf13/cast"
)

// Record is one raw upstream JSON object, kept untyped until a normalizer maps it.
type Record map[string]any

// String returns the first non-empty string value among keys.
func (r Record) String(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Float returns the first truthy numeric value among keys, or 0.
// Zero values fall through to the next key, so "apy or apyBase" style lookups work.
func (r Record) Float(keys ...string) float64 {
	for _, k := range keys {
		if f, ok := r.OptFloat(k); ok && f != 0 {
			return f
		}
	}
	return 0
}

// OptFloat returns the numeric value of key and whether it was present and numeric.
// Booleans and non-finite values are rejected.
func (r Record) OptFloat(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int returns the first numeric value among keys as an int.
func (r Record) Int(keys ...string) (int, bool) {
	for _, k := range keys {
		if f, ok := r.OptFloat(k); ok {
			return int(f), true
		}
	}
	return 0, false
}

// Bool reports the truthiness of key.
func (r Record) Bool(key string) bool {
	return cast.ToBool(r[key])
}

// Strings returns key as a list of non-empty strings.
func (r Record) Strings(key string) []string {
	raw, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s := strings.TrimSpace(cast.ToString(v)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Object returns key as a nested record, or nil.
func (r Record) Object(key string) Record {
	switch v := r[key].(type) {
	case map[string]any:
		return Record(v)
	case Record:
		return v
	}
	return nil
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Records converts a decoded JSON array into records, skipping non-object items.
func Records(items []any) []Record {
	out := make([]Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}
