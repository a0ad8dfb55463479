package kv

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Entry is one timestamped key/value observation. Ts is epoch milliseconds.
// Value holds one of float64, string, bool or nil after Normalize.
type Entry struct {
	Key   string `json:"key"`
	Ts    int64  `json:"ts"`
	Value any    `json:"value"`
}

// Normalize folds the numeric types a caller may hand in down to float64 so that
// equality and arithmetic never depend on which decoder produced the value.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Numeric returns v as a float64 when it is a number or a numeric string.
func Numeric(v any) (float64, bool) {
	switch val := Normalize(v).(type) {
	case float64:
		if math.IsNaN(val) {
			return 0, false
		}
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Equal compares two values after normalization.
func Equal(a, b any) bool {
	return Normalize(a) == Normalize(b)
}

// Parse turns a configured literal (such as an argument default) into a typed value:
// numbers become float64, true/false become bool, anything else stays a string.
// An empty literal yields nil.
func Parse(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return b
	}
	return s
}
