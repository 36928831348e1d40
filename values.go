package wasmbridge

import (
	"fmt"
	"strconv"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is the host value behind the undefined sentinel handle.
// A nil interface maps to null.
var Undefined any = undefined{}

// IsUndefined reports whether v is the undefined value.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// IsLikeNone reports whether v is null or undefined.
func IsLikeNone(v any) bool {
	return v == nil || IsUndefined(v)
}

// Map is a plain keyed host object.
type Map struct {
	fields map[string]any
	keys   []string
}

// NewMap creates an empty object.
func NewMap() *Map {
	return &Map{fields: make(map[string]any)}
}

// GetProperty returns Undefined for missing keys.
func (m *Map) GetProperty(key any) (any, error) {
	k, err := propertyKey(key)
	if err != nil {
		return nil, err
	}
	v, ok := m.fields[k]
	if !ok {
		return Undefined, nil
	}
	return v, nil
}

func (m *Map) SetProperty(key, value any) error {
	k, err := propertyKey(key)
	if err != nil {
		return err
	}
	if _, ok := m.fields[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.fields[k] = value
	return nil
}

// Keys returns property names in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of properties.
func (m *Map) Len() int { return len(m.keys) }

// Array is a growable host array.
type Array struct {
	items []any
}

// NewArray creates an empty array.
func NewArray(items ...any) *Array {
	return &Array{items: append([]any(nil), items...)}
}

// Push appends v and returns the new length.
func (a *Array) Push(v any) int {
	a.items = append(a.items, v)
	return len(a.items)
}

// Len returns the number of items.
func (a *Array) Len() int { return len(a.items) }

// Items returns a copy of the elements.
func (a *Array) Items() []any {
	return append([]any(nil), a.items...)
}

// GetProperty supports numeric indexes and "length".
func (a *Array) GetProperty(key any) (any, error) {
	if s, ok := key.(string); ok && s == "length" {
		return float64(len(a.items)), nil
	}
	idx, err := arrayIndex(key)
	if err != nil {
		return nil, err
	}
	if idx >= len(a.items) {
		return Undefined, nil
	}
	return a.items[idx], nil
}

// SetProperty writes by index, padding holes with Undefined.
func (a *Array) SetProperty(key, value any) error {
	idx, err := arrayIndex(key)
	if err != nil {
		return err
	}
	for len(a.items) <= idx {
		a.items = append(a.items, Undefined)
	}
	a.items[idx] = value
	return nil
}

func propertyKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(k), nil
	case fmt.Stringer:
		return k.String(), nil
	default:
		return "", fmt.Errorf("unsupported property key %T", key)
	}
}

func arrayIndex(key any) (int, error) {
	switch k := key.(type) {
	case float64:
		if k < 0 || k != float64(int(k)) {
			return 0, fmt.Errorf("invalid array index %v", k)
		}
		return int(k), nil
	case int:
		if k < 0 {
			return 0, fmt.Errorf("invalid array index %d", k)
		}
		return k, nil
	case string:
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid array index %q", k)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported array index %T", key)
	}
}
