package boundary

import (
	"fmt"
	"math"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// ArgKind selects how a host argument crosses into the guest.
type ArgKind uint8

const (
	ArgOwned    ArgKind = iota // registered on the heap, guest releases it
	ArgBorrowed                // lent on the borrow stack for this call
	ArgString                  // copied into guest memory as (ptr, len)
	ArgF64
	ArgI32
	ArgU32
	ArgBool
	ArgI64
)

var argKindNames = map[ArgKind]string{
	ArgOwned:    "object",
	ArgBorrowed: "borrowed",
	ArgString:   "string",
	ArgF64:      "f64",
	ArgI32:      "i32",
	ArgU32:      "u32",
	ArgBool:     "bool",
	ArgI64:      "i64",
}

func (k ArgKind) String() string {
	if s, ok := argKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseArgKind resolves a kind by name.
func ParseArgKind(s string) (ArgKind, bool) {
	for k, name := range argKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Arg is one argument of a guest call.
type Arg struct {
	Value any
	Kind  ArgKind
}

// Arg constructors.

func Owned(v any) Arg { return Arg{Kind: ArgOwned, Value: v} }
func Borrowed(v any) Arg { return Arg{Kind: ArgBorrowed, Value: v} }
func String(s string) Arg { return Arg{Kind: ArgString, Value: s} }
func F64(f float64) Arg { return Arg{Kind: ArgF64, Value: f} }
func I32(i int32) Arg { return Arg{Kind: ArgI32, Value: i} }
func U32(u uint32) Arg { return Arg{Kind: ArgU32, Value: u} }
func Bool(b bool) Arg { return Arg{Kind: ArgBool, Value: b} }
func I64(i int64) Arg { return Arg{Kind: ArgI64, Value: i} }

// ResultKind selects how a guest result is decoded.
type ResultKind uint8

const (
	ResultNone   ResultKind = iota
	ResultObject // handle taken from the heap
	ResultF64
	ResultI32
	ResultU32
	ResultBool
	ResultI64
	ResultString   // (ptr, len) through the return area, freed after decoding
	ResultGuestRef // pointer to a guest-owned struct, wrapped as *GuestRef
)

var resultKindNames = map[ResultKind]string{
	ResultNone:     "none",
	ResultObject:   "object",
	ResultF64:      "f64",
	ResultI32:      "i32",
	ResultU32:      "u32",
	ResultBool:     "bool",
	ResultI64:      "i64",
	ResultString:   "string",
	ResultGuestRef: "guest-ref",
}

func (k ResultKind) String() string {
	if s, ok := resultKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseResultKind resolves a kind by name.
func ParseResultKind(s string) (ResultKind, bool) {
	for k, name := range resultKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Signature describes the host view of a guest export.
type Signature struct {
	Params []ArgKind
	// Class names the guest struct behind a ResultGuestRef; its destructor
	// export is __wbg_<class>_free.
	Class    string
	Result   ResultKind
	Fallible bool // guest reports errors through the return area
}

// usesReturnArea reports whether the call needs a reserved return area.
func (s Signature) usesReturnArea() bool {
	return s.Fallible || s.Result == ResultString
}

// Validate checks the combinations the boundary can express.
func (s Signature) Validate() error {
	if s.Fallible {
		switch s.Result {
		case ResultNone, ResultObject, ResultI32, ResultU32, ResultBool, ResultGuestRef:
		default:
			return errors.InvalidInput(errors.PhaseCall,
				fmt.Sprintf("fallible exports cannot return %s", s.Result))
		}
	}
	if s.Result == ResultGuestRef && s.Class == "" {
		return errors.InvalidInput(errors.PhaseCall, "guest-ref result needs a class")
	}
	return nil
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// asIntBits returns the two's complement bits of an integral value. Floats
// must be whole and inside the int64 range.
func asIntBits(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(int64(n)), true
	case int8:
		return uint64(int64(n)), true
	case int16:
		return uint64(int64(n)), true
	case int32:
		return uint64(int64(n)), true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float32:
		return floatBits(float64(n))
	case float64:
		return floatBits(n)
	default:
		return 0, false
	}
}

func floatBits(f float64) (uint64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return uint64(int64(f)), true
}

func scalarArg(a Arg) (uint64, error) {
	switch a.Kind {
	case ArgF64:
		f, ok := asFloat64(a.Value)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseCall, "", a.Value, "number")
		}
		return math.Float64bits(f), nil
	case ArgI32, ArgU32, ArgI64:
		bits, ok := asIntBits(a.Value)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseCall, "", a.Value, "integer")
		}
		if a.Kind == ArgI64 {
			return bits, nil
		}
		// 32-bit parameters wrap modulo 2^32.
		return uint64(uint32(bits)), nil
	case ArgBool:
		b, ok := a.Value.(bool)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseCall, "", a.Value, "bool")
		}
		if b {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.InvalidInput(errors.PhaseCall, fmt.Sprintf("%s is not a scalar", a.Kind))
	}
}

func decodeScalar(kind ResultKind, raw uint64) any {
	switch kind {
	case ResultF64:
		return math.Float64frombits(raw)
	case ResultI32:
		return int32(uint32(raw))
	case ResultU32:
		return uint32(raw)
	case ResultBool:
		return uint32(raw) != 0
	case ResultI64:
		return int64(raw)
	default:
		return wasmbridge.Undefined
	}
}
