package manifest

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/closure"
	"github.com/wippyai/wasm-bridge/errors"
)

// validate is shared; building a validator is expensive.
var validate = validator.New()

// Manifest describes a guest's bindings: the closure shapes it creates
// and the entry points it exports.
type Manifest struct {
	// Module is the default location of the guest binary, a URL or a path.
	Module   string    `yaml:"module,omitempty" json:"module,omitempty" jsonschema:"description=Default guest binary location"`
	Closures []Closure `yaml:"closures,omitempty" json:"closures,omitempty" validate:"dive"`
	Entries  []Entry   `yaml:"entries,omitempty" json:"entries,omitempty" validate:"dive"`
}

// Closure declares one closure shape.
type Closure struct {
	Name   string `yaml:"name" json:"name" validate:"required,startswith=__wbindgen_closure_wrapper|startswith=__wbg_" jsonschema:"description=Host import that creates or lends the closure"`
	Invoke string `yaml:"invoke" json:"invoke" validate:"required" jsonschema:"description=Guest export running the closure body"`
	Params int    `yaml:"params" json:"params" validate:"gte=0,lte=16" jsonschema:"minimum=0,maximum=16"`
	Dtor   uint32 `yaml:"dtor,omitempty" json:"dtor,omitempty" jsonschema:"description=Destructor index passed to __wbindgen_destroy_closure"`
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=mutable shared" jsonschema:"enum=mutable,enum=shared,default=mutable"`
	Result bool   `yaml:"result,omitempty" json:"result,omitempty" jsonschema:"description=Invoke returns an object handle"`
}

// Entry declares the host view of one guest export.
type Entry struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Params   []string `yaml:"params,omitempty" json:"params,omitempty" validate:"dive,oneof=object borrowed string f64 i32 u32 bool i64" jsonschema:"enum=object,enum=borrowed,enum=string,enum=f64,enum=i32,enum=u32,enum=bool,enum=i64"`
	Result   string   `yaml:"result,omitempty" json:"result,omitempty" validate:"omitempty,oneof=none object f64 i32 u32 bool i64 string guest-ref" jsonschema:"enum=none,enum=object,enum=f64,enum=i32,enum=u32,enum=bool,enum=i64,enum=string,enum=guest-ref"`
	Class    string   `yaml:"class,omitempty" json:"class,omitempty" validate:"required_if=Result guest-ref"`
	Fallible bool     `yaml:"fallible,omitempty" json:"fallible,omitempty" jsonschema:"description=Errors come back through the return area"`
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Name(path).
			Detail("read manifest").
			Cause(err).
			Build()
	}
	m, err := Parse(data)
	if err != nil {
		var be *errors.Error
		if stderrors.As(err, &be) && be.Name == "" {
			be.Name = path
		}
		return nil, err
	}
	return m, nil
}

// Validate checks field constraints, duplicate names and that every
// entry translates into a boundary signature.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid manifest")
	}

	seen := make(map[string]bool)
	for _, c := range m.Closures {
		if seen[c.Name] {
			return duplicate("closure", c.Name)
		}
		seen[c.Name] = true
	}
	seen = make(map[string]bool)
	for _, e := range m.Entries {
		if seen[e.Name] {
			return duplicate("entry", e.Name)
		}
		seen[e.Name] = true
		sig, err := e.Signature()
		if err != nil {
			return err
		}
		if err := sig.Validate(); err != nil {
			var be *errors.Error
			if stderrors.As(err, &be) {
				be.Phase = errors.PhaseConfig
				be.Name = e.Name
			}
			return err
		}
	}
	return nil
}

func duplicate(what, name string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Name(name).
		Detail("duplicate %s", what).
		Build()
}

// Shape converts the declaration into a closure shape.
func (c Closure) Shape() closure.Shape {
	kind := closure.Mutable
	if c.Kind == closure.Shared.String() {
		kind = closure.Shared
	}
	return closure.Shape{
		Name:      c.Name,
		Invoke:    c.Invoke,
		Params:    c.Params,
		Dtor:      c.Dtor,
		Kind:      kind,
		HasResult: c.Result,
	}
}

// Shapes returns every declared closure shape.
func (m *Manifest) Shapes() []closure.Shape {
	out := make([]closure.Shape, 0, len(m.Closures))
	for _, c := range m.Closures {
		out = append(out, c.Shape())
	}
	return out
}

// Signature converts the declaration into a boundary signature.
func (e Entry) Signature() (boundary.Signature, error) {
	sig := boundary.Signature{Class: e.Class, Fallible: e.Fallible}
	for i, p := range e.Params {
		k, ok := boundary.ParseArgKind(p)
		if !ok {
			return boundary.Signature{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Name(e.Name).
				Detail("parameter %d: unknown kind %q", i, p).
				Build()
		}
		sig.Params = append(sig.Params, k)
	}
	if e.Result != "" {
		k, ok := boundary.ParseResultKind(e.Result)
		if !ok {
			return boundary.Signature{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Name(e.Name).
				Detail("unknown result kind %q", e.Result).
				Build()
		}
		sig.Result = k
	}
	return sig, nil
}

// Entry looks up an entry point by export name.
func (m *Manifest) Entry(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Signature returns the boundary signature of an entry point.
func (m *Manifest) Signature(name string) (boundary.Signature, error) {
	e, ok := m.Entry(name)
	if !ok {
		return boundary.Signature{}, errors.NotFound(errors.PhaseCall, "entry point", name)
	}
	return e.Signature()
}

// EntryNames returns the declared entry points, sorted.
func (m *Manifest) EntryNames() []string {
	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// String renders an entry as "name(i32, string) -> object!" where the
// trailing "!" marks a fallible export.
func (e Entry) String() string {
	result := e.Result
	if result == "" {
		result = "none"
	}
	if e.Class != "" {
		result = fmt.Sprintf("%s<%s>", result, e.Class)
	}
	if e.Fallible {
		result += "!"
	}
	return fmt.Sprintf("%s(%s) -> %s", e.Name, strings.Join(e.Params, ", "), result)
}

// Schema returns the JSON Schema of the manifest format.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Manifest{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
