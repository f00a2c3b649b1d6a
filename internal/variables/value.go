package variables

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Normalize converts v into the JSON value kinds used throughout the
// runner: string, int, float64, bool, nil, []any and map[string]any.
// Integral floats become int so that an extracted 42 renders as "42".
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int:
		return val
	case float64:
		return normalizeFloat(val)
	case float32:
		return normalizeFloat(float64(val))
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		if val >= math.MinInt && val <= math.MaxInt {
			return int(val)
		}
		return float64(val)
	case uint:
		return normalizeFloat(float64(val))
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case uint64:
		return normalizeFloat(float64(val))
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Normalize(i)
		}
		if f, err := val.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[Stringify(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	}

	// Anything else goes through a JSON round trip.
	b, err := json.Marshal(v)
	if err != nil {
		return Stringify(v)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return Stringify(v)
	}
	return Normalize(decoded)
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

// Stringify renders a value the way templates embed it: strings verbatim,
// numbers in shortest form, null as "null", containers as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case []byte:
		return string(val)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseLiteral interprets s as a JSON value, falling back to the plain
// string. Used for --var k=v values.
func ParseLiteral(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return Normalize(v)
}

// Truthy applies the condition semantics used by skip_if: empty strings,
// "false", "0", "no", "off", "null", zero numbers, false, nil and empty
// containers are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "no", "off", "null":
			return false
		}
		return true
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}
