package runtime

import (
	"context"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/errors"
)

// HostRegistry holds Go functions served to guests as wbg imports, on
// top of the built-in boundary imports.
type HostRegistry struct {
	funcs map[string]*HostFunc
	mu    sync.RWMutex
}

// HostFunc is a registered Go function and the import built from it.
type HostFunc struct {
	Handler any
	Import  *boundary.Import
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]*HostFunc),
	}
}

// RegisterHost registers all exported methods of h. Method names become
// lowerCamelCase import names: CreateElement -> __wbg_createElement.
func (r *HostRegistry) RegisterHost(h any) error {
	rv := reflect.ValueOf(h)
	if !rv.IsValid() {
		return errors.InvalidInput(errors.PhaseHost, "host cannot be nil")
	}
	rt := rv.Type()
	if rt.NumMethod() == 0 {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Detail("%T has no exported methods", h).
			Build()
	}

	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() {
			continue
		}
		if err := r.register(toLowerCamel(method.Name), rv.Method(i).Interface(), false); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFunc registers fn under name. A bare name is served as
// __wbg_<name>, which also matches the guest's hashed spelling.
//
// Parameters may be int32, uint32, int64, float64, bool, string (read from
// guest memory as ptr, len) or any other type, which is looked up as a
// heap handle. A leading context.Context is passed through. The result is
// at most one such value (strings are not supported as results) plus an
// optional trailing error, which aborts the guest call.
func (r *HostRegistry) RegisterFunc(name string, fn any) error {
	return r.register(name, fn, false)
}

// RegisterCatchingFunc is like RegisterFunc, but an error returned by fn
// is stored in the guest's exception slot instead of aborting the call.
func (r *HostRegistry) RegisterCatchingFunc(name string, fn any) error {
	return r.register(name, fn, true)
}

func (r *HostRegistry) register(name string, fn any, catch bool) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if !strings.HasPrefix(name, "__wbg_") && !strings.HasPrefix(name, "__wbindgen_") {
		name = "__wbg_" + name
	}

	imp, err := buildImport(name, fn, catch)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = &HostFunc{Handler: fn, Import: imp}
	return nil
}

// Imports returns the registered imports sorted by name.
func (r *HostRegistry) Imports() []*boundary.Import {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*boundary.Import, 0, len(r.funcs))
	for _, hf := range r.funcs {
		out = append(out, hf.Import)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// paramCodec decodes one Go parameter from the wasm stack.
type paramCodec struct {
	typ   reflect.Type
	width int
}

func buildImport(name string, fn any, catch bool) (*boundary.Import, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Name(name).
			Detail("handler must be a function, got %T", fn).
			Build()
	}
	ft := rv.Type()

	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	var params []paramCodec
	var wasmParams []api.ValueType
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && withCtx {
			continue
		}
		t := ft.In(i)
		vt := valueTypes(t)
		params = append(params, paramCodec{typ: t, width: len(vt)})
		wasmParams = append(wasmParams, vt...)
	}

	outs := ft.NumOut()
	withErr := outs > 0 && ft.Out(outs-1) == errorType
	if withErr {
		outs--
	}
	if outs > 1 {
		return nil, errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Name(name).
			Detail("at most one result besides error, got %d", outs).
			Build()
	}
	var result reflect.Type
	var wasmResults []api.ValueType
	if outs == 1 {
		result = ft.Out(0)
		if result.Kind() == reflect.String {
			return nil, errors.New(errors.PhaseHost, errors.KindInvalidInput).
				Name(name).
				Detail("string results are not supported; return the string as a value").
				Build()
		}
		wasmResults = valueTypes(result)
	}

	return &boundary.Import{
		Name:    name,
		Params:  wasmParams,
		Results: wasmResults,
		Catch:   catch,
		Fn: func(ctx context.Context, c *boundary.Context, stack []uint64) error {
			in := make([]reflect.Value, 0, ft.NumIn())
			if withCtx {
				in = append(in, reflect.ValueOf(ctx))
			}
			pos := 0
			for _, p := range params {
				v, err := decodeParam(c, p.typ, stack[pos:pos+p.width])
				if err != nil {
					return err
				}
				in = append(in, v)
				pos += p.width
			}

			out := rv.Call(in)
			if withErr {
				if errV := out[len(out)-1]; !errV.IsNil() {
					return errV.Interface().(error)
				}
			}
			if result != nil {
				stack[0] = encodeResult(c, out[0])
			}
			return nil
		},
	}, nil
}

func valueTypes(t reflect.Type) []api.ValueType {
	switch t.Kind() {
	case reflect.Int64, reflect.Uint64:
		return []api.ValueType{api.ValueTypeI64}
	case reflect.Float64, reflect.Float32:
		return []api.ValueType{api.ValueTypeF64}
	case reflect.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	default:
		return []api.ValueType{api.ValueTypeI32}
	}
}

func decodeParam(c *boundary.Context, t reflect.Type, raw []uint64) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return reflect.ValueOf(int32(uint32(raw[0]))).Convert(t), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return reflect.ValueOf(uint32(raw[0])).Convert(t), nil
	case reflect.Int64:
		return reflect.ValueOf(int64(raw[0])).Convert(t), nil
	case reflect.Uint64:
		return reflect.ValueOf(raw[0]).Convert(t), nil
	case reflect.Float64, reflect.Float32:
		return reflect.ValueOf(math.Float64frombits(raw[0])).Convert(t), nil
	case reflect.Bool:
		return reflect.ValueOf(uint32(raw[0]) != 0).Convert(t), nil
	case reflect.String:
		s, err := c.Views().ReadString(uint32(raw[0]), uint32(raw[1]))
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s).Convert(t), nil
	}

	obj, err := c.Object(raw[0])
	if err != nil {
		return reflect.Value{}, err
	}
	if obj == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(obj)
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, errors.TypeMismatch(errors.PhaseHost, "", obj, t.String())
	}
	out := reflect.New(t).Elem()
	out.Set(v)
	return out, nil
}

func encodeResult(c *boundary.Context, v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return uint64(uint32(v.Uint()))
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint64:
		return v.Uint()
	case reflect.Float64, reflect.Float32:
		return math.Float64bits(v.Float())
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	}
	return c.AddObject(v.Interface())
}

// toLowerCamel converts an exported Go name to the JavaScript spelling.
// Handles acronyms: HTTPRequest -> httpRequest, ID -> id
func toLowerCamel(s string) string {
	runes := []rune(s)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	if n > 1 && n < len(runes) {
		// Last uppercase before lowercase starts the next word
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}
