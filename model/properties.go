package model

import (
	"fmt"
	"sort"
)

// Properties is a property record: a string-keyed bag of values that
// remembers which entries have been read. Setting node status validates
// that every entry was consumed; restoring from a checkpoint does not.
type Properties struct {
	values   map[string]any
	accessed map[string]bool
}

// NewProperties wraps values. The map is copied.
func NewProperties(values map[string]any) *Properties {
	p := &Properties{
		values:   make(map[string]any, len(values)),
		accessed: make(map[string]bool, len(values)),
	}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Set stores v under key.
func (p *Properties) Set(key string, v any) { p.values[key] = v }

// Len is the number of entries.
func (p *Properties) Len() int { return len(p.values) }

// Lookup returns the value under key and marks it as read.
func (p *Properties) Lookup(key string) (any, bool) {
	v, ok := p.values[key]
	if ok {
		p.accessed[key] = true
	}
	return v, ok
}

// Peek returns the value under key without marking it as read.
func (p *Properties) Peek(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Bool reads a boolean entry.
func (p *Properties) Bool(key string) (bool, bool, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return false, false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, true, fmt.Errorf("property %q: expected bool, got %T", key, v)
	}
	return b, true, nil
}

// String reads a string entry.
func (p *Properties) String(key string) (string, bool, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", true, fmt.Errorf("property %q: expected string, got %T", key, v)
	}
	return s, true, nil
}

// Float64 reads a numeric entry. Integers are widened.
func (p *Properties) Float64(key string) (float64, bool, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch x := v.(type) {
	case float64:
		return x, true, nil
	case float32:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case int32:
		return float64(x), true, nil
	case uint64:
		return float64(x), true, nil
	default:
		return 0, true, fmt.Errorf("property %q: expected number, got %T", key, v)
	}
}

// Int64 reads an integral entry. Floats without a fractional part are
// accepted since decoded records carry every number as float64.
func (p *Properties) Int64(key string) (int64, bool, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case int32:
		return int64(x), true, nil
	case uint64:
		return int64(x), true, nil
	case float64:
		if x != float64(int64(x)) {
			return 0, true, fmt.Errorf("property %q: %v is not an integer", key, x)
		}
		return int64(x), true, nil
	default:
		return 0, true, fmt.Errorf("property %q: expected integer, got %T", key, v)
	}
}

// ClearAccessFlags forgets which entries were read.
func (p *Properties) ClearAccessFlags() {
	clear(p.accessed)
}

// Unaccessed lists, sorted, the keys that were never read.
func (p *Properties) Unaccessed() []string {
	var keys []string
	for k := range p.values {
		if !p.accessed[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the entries.
func (p *Properties) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}
