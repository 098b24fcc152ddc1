package module

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"
)

// Arguments carries the positional and named training arguments for one job.
// Values are native Go values when training in-process and JSON-decoded
// values when training in a worker process; the typed accessors accept both.
type Arguments struct {
	Positional []any          `json:"positional,omitempty"`
	Named      map[string]any `json:"named,omitempty"`
}

// Clone returns a shallow copy whose slice and map can be modified freely.
func (a Arguments) Clone() Arguments {
	return Arguments{
		Positional: slices.Clone(a.Positional),
		Named:      maps.Clone(a.Named),
	}
}

// Get returns the named argument and whether it was present.
func (a Arguments) Get(name string) (any, bool) {
	v, ok := a.Named[name]
	return v, ok
}

// String returns the named string argument, or def when absent.
func (a Arguments) String(name, def string) (string, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: want string, got %T", name, v)
	}
	return s, nil
}

// Bool returns the named boolean argument, or false when absent.
func (a Arguments) Bool(name string) (bool, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q: want bool, got %T", name, v)
	}
	return b, nil
}

// Int returns the named integer argument, or def when absent.
func (a Arguments) Int(name string, def int) (int, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("argument %q: want integer, got %v", name, v)
	}
	return int(f), nil
}

// Float64s returns the named numeric list argument, or nil when absent.
func (a Arguments) Float64s(name string) ([]float64, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return nil, nil
	}
	switch vals := v.(type) {
	case []float64:
		return vals, nil
	case []int:
		out := make([]float64, len(vals))
		for i, n := range vals {
			out[i] = float64(n)
		}
		return out, nil
	case []any:
		out := make([]float64, len(vals))
		for i, item := range vals {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("argument %q[%d]: want number, got %T", name, i, item)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument %q: want list of numbers, got %T", name, v)
}

// Duration returns the named duration argument, or def when absent. Strings
// use time.ParseDuration syntax and bare numbers are seconds.
func (a Arguments) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", name, err)
		}
		return parsed, nil
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("argument %q: want duration, got %T", name, v)
}

// Module returns the named Module argument, or nil when absent.
func (a Arguments) Module(name string) (Module, error) {
	v, ok := a.Get(name)
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(Module)
	if !ok {
		return nil, fmt.Errorf("argument %q: want module, got %T", name, v)
	}
	return Unwrap(m), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
