package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which part of the bridge raised the error
type Phase string

const (
	PhaseHeap    Phase = "heap"    // object heap slots
	PhaseBorrow  Phase = "borrow"  // borrow stack
	PhaseMemory  Phase = "memory"  // linear memory views
	PhaseClosure Phase = "closure" // closure lifecycle
	PhaseCall    Phase = "call"    // host-to-guest calls
	PhaseHost    Phase = "host"    // guest-to-host imports
	PhaseLoad    Phase = "load"    // module loading and instantiation
	PhaseConfig  Phase = "config"  // configuration and manifests
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidHandle Kind = "invalid_handle"
	KindExhausted     Kind = "exhausted"
	KindInvalidUTF8   Kind = "invalid_utf8"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindReentrant     Kind = "reentrant"
	KindDropped       Kind = "dropped"
	KindBroken        Kind = "broken"
	KindTrap          Kind = "trap"
	KindNotFound      Kind = "not_found"
	KindMissingImport Kind = "missing_import"
	KindInstantiation Kind = "instantiation"
	KindInvalidInput  Kind = "invalid_input"
	KindTypeMismatch  Kind = "type_mismatch"
	KindFetch         Kind = "fetch"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Name   string // import or export name, when known
	Detail string
	Handle uint32
	// HasHandle distinguishes handle 0 from "no handle".
	HasHandle bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Name != "" {
		b.WriteString(" in ")
		b.WriteString(e.Name)
	}

	if e.HasHandle {
		fmt.Fprintf(&b, " (handle %d)", e.Handle)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Name sets the import or export name
func (b *Builder) Name(name string) *Builder {
	b.err.Name = name
	return b
}

// Handle sets the offending handle
func (b *Builder) Handle(h uint32) *Builder {
	b.err.Handle = h
	b.err.HasHandle = true
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// InvalidHandle reports use of a free, out-of-range or misused slot
func InvalidHandle(phase Phase, h uint32, detail string) *Error {
	return &Error{
		Phase:     phase,
		Kind:      KindInvalidHandle,
		Handle:    h,
		HasHandle: true,
		Detail:    detail,
	}
}

// Exhausted reports a bounded region with no room left
func Exhausted(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Detail: detail,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, ptr uint32, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Value:  ptr,
		Detail: fmt.Sprintf("invalid UTF-8 sequence at %d: %x", ptr, preview),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, offset, length, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Value:  offset,
		Detail: fmt.Sprintf("range [%d, %d) out of bounds (size %d)", offset, offset+length, size),
	}
}

// Reentrant reports a second entry into a non-reentrant closure
func Reentrant(id uint64) *Error {
	return &Error{
		Phase:  PhaseClosure,
		Kind:   KindReentrant,
		Value:  id,
		Detail: "closure invoked recursively or after being moved out",
	}
}

// Dropped reports use of a closure whose environment was destroyed
func Dropped(id uint64) *Error {
	return &Error{
		Phase:  PhaseClosure,
		Kind:   KindDropped,
		Value:  id,
		Detail: "closure invoked after being dropped",
	}
}

// Broken reports an instance poisoned by an earlier trap
func Broken(cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindBroken,
		Detail: "instance is unusable after a trap",
		Cause:  cause,
	}
}

// Trap wraps a guest trap
func Trap(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindTrap,
		Name:   name,
		Detail: "guest trapped",
		Cause:  cause,
	}
}

// TypeMismatch reports a host value of the wrong shape for an operation
func TypeMismatch(phase Phase, name string, got any, want string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Name:   name,
		Value:  got,
		Detail: fmt.Sprintf("expected %s, got %T", want, got),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Fetch creates a module fetch error
func Fetch(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindFetch,
		Detail: detail,
		Cause:  cause,
	}
}

// Thrown carries a host value raised as an exception across the boundary.
// Value keeps its identity so callers can compare it with what was thrown.
type Thrown struct {
	Value any
}

func (e *Thrown) Error() string {
	if err, ok := e.Value.(error); ok {
		return "thrown: " + err.Error()
	}
	return fmt.Sprintf("thrown: %v", e.Value)
}

// Unwrap exposes the value when it is itself an error.
func (e *Thrown) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// GuestError is raised by the guest through the throw import.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string {
	return e.Message
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module   string // e.g., "wbg"
	Function string // e.g., "__wbg_get_5e8a1c2d0f3b4a67"
}

// MissingImportsError is returned when instantiation fails due to missing host functions
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Module:   mod,
			Function: fn,
		})
	}
	return result
}

func parseImportKey(key string) (module, function string) {
	mod, fn, found := strings.Cut(key, "#")
	if found {
		return mod, fn
	}
	return key, ""
}

// ShortImportName strips the 16-digit hex disambiguator that bindings
// generators append to shim names: "__wbg_get_0123456789abcdef" -> "get".
func ShortImportName(name string) string {
	if !strings.HasPrefix(name, "__wbg_") {
		return strings.TrimPrefix(name, "__wbindgen_")
	}
	s := name[len("__wbg_"):]
	i := strings.LastIndexByte(s, '_')
	if i < 0 || len(s)-i-1 != 16 {
		return s
	}
	for _, c := range s[i+1:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return s
		}
	}
	return s[:i]
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[load] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d host function(s):\n", len(e.Imports)))

	// Group by module for cleaner output
	byMod := make(map[string][]string)
	var modOrder []string
	for _, imp := range e.Imports {
		if _, exists := byMod[imp.Module]; !exists {
			modOrder = append(modOrder, imp.Module)
		}
		fn := imp.Function
		if short := ShortImportName(fn); short != fn {
			fn = fmt.Sprintf("%s (%s)", short, fn)
		}
		byMod[imp.Module] = append(byMod[imp.Module], fn)
	}

	for _, mod := range modOrder {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range byMod[mod] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
