package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/manifest"
)

func parseArgs(entry manifest.Entry, raw []string) ([]any, error) {
	if len(raw) != len(entry.Params) {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Name(entry.Name).
			Detail("expected %d arguments, got %d", len(entry.Params), len(raw)).
			Build()
	}
	out := make([]any, len(raw))
	for i, s := range raw {
		kind, _ := boundary.ParseArgKind(entry.Params[i])
		v, err := convertArg(s, kind)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err,
				fmt.Sprintf("argument %d of %s", i, entry.Name))
		}
		out[i] = v
	}
	return out, nil
}

// convertArg parses command line text for one argument kind. Object
// arguments accept YAML flow syntax, so JSON works too.
func convertArg(value string, kind boundary.ArgKind) (any, error) {
	switch kind {
	case boundary.ArgString:
		return value, nil
	case boundary.ArgF64:
		return strconv.ParseFloat(value, 64)
	case boundary.ArgI32:
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case boundary.ArgU32:
		v, err := strconv.ParseUint(value, 10, 32)
		return uint32(v), err
	case boundary.ArgI64:
		return strconv.ParseInt(value, 10, 64)
	case boundary.ArgBool:
		return strconv.ParseBool(value)
	}

	switch value {
	case "undefined":
		return wasmbridge.Undefined, nil
	case "null":
		return nil, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return nil, err
	}
	return toObject(v), nil
}

// toObject turns decoded YAML into the values host imports understand.
func toObject(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := wasmbridge.NewMap()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = m.SetProperty(k, toObject(t[k]))
		}
		return m
	case []any:
		a := wasmbridge.NewArray()
		for _, item := range t {
			a.Push(toObject(item))
		}
		return a
	case int:
		return float64(t)
	default:
		return v
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case *wasmbridge.Array:
		parts := make([]string, 0, t.Len())
		for _, item := range t.Items() {
			parts = append(parts, formatValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *wasmbridge.Map:
		parts := make([]string, 0, t.Len())
		for _, k := range t.Keys() {
			item, _ := t.GetProperty(k)
			parts = append(parts, k+": "+formatValue(item))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *boundary.GuestRef:
		return fmt.Sprintf("%s@%d", t.Class(), t.Ptr())
	default:
		return fmt.Sprintf("%v", v)
	}
}
