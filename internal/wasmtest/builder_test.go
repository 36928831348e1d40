package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestWriter_LEB128(t *testing.T) {
	tests := []struct {
		name string
		fn   func(w *writer)
		want []byte
	}{
		{"u32 zero", func(w *writer) { w.u32(0) }, []byte{0x00}},
		{"u32 127", func(w *writer) { w.u32(127) }, []byte{0x7f}},
		{"u32 128", func(w *writer) { w.u32(128) }, []byte{0x80, 0x01}},
		{"u32 624485", func(w *writer) { w.u32(624485) }, []byte{0xe5, 0x8e, 0x26}},
		{"s64 -1", func(w *writer) { w.s64(-1) }, []byte{0x7f}},
		{"s64 63", func(w *writer) { w.s64(63) }, []byte{0x3f}},
		{"s64 64", func(w *writer) { w.s64(64) }, []byte{0xc0, 0x00}},
		{"s64 -123456", func(w *writer) { w.s64(-123456) }, []byte{0xc0, 0xbb, 0x78}},
		{"name", func(w *writer) { w.name("wbg") }, []byte{0x03, 'w', 'b', 'g'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &writer{}
			tt.fn(w)
			if !bytes.Equal(w.data(), tt.want) {
				t.Fatalf("got %x, want %x", w.data(), tt.want)
			}
		})
	}
}

func TestBuilder_Empty(t *testing.T) {
	got := New().Bytes()
	want := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestBuilder_ImportAfterFuncPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	b := New()
	b.Func("f", none, none, nil, Body())
	b.Import("wbg", "late", none, none)
}

func TestFixtures_Compile(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	fixtures := map[string][]byte{
		"guest":           Guest(),
		"missing imports": MissingImports(),
		"wrong signature": WrongSignature(),
		"no memory":       NoMemory(),
		"host":            Host(),
	}
	for name, bin := range fixtures {
		t.Run(name, func(t *testing.T) {
			if _, err := rt.CompileModule(ctx, bin); err != nil {
				t.Fatalf("compile: %v", err)
			}
		})
	}
}

func TestGuest_Exports(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, Guest())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range []string{
		"__wbindgen_add_to_stack_pointer",
		"__wbindgen_malloc",
		"__wbindgen_free",
		"__wbindgen_exn_store",
		"__wbindgen_destroy_closure",
		"add", "greet", "echo", "reject", "throw_message", "number_plus_one",
		"make_closure", ClosureInvoke, "drop_closure", "try_call", "trap",
		"counter_new", CounterFree, "destroyed_count", "freed_count",
	} {
		if _, ok := exports[name]; !ok {
			t.Errorf("missing export %s", name)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		t.Error("missing memory export")
	}

	imports := compiled.ImportedFunctions()
	if len(imports) != 7 {
		t.Fatalf("got %d imports, want 7", len(imports))
	}
	mod, name, _ := imports[6].Import()
	if mod != "wbg" || name != CallImport {
		t.Fatalf("import 6 = %s.%s", mod, name)
	}
	if got := imports[6].ResultTypes(); len(got) != 1 || got[0] != api.ValueTypeI32 {
		t.Fatalf("call import results = %v", got)
	}
}

func TestGuest_RunsWithoutHost(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	bin := NoMemory()
	mod, err := rt.Instantiate(ctx, bin)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	res, err := mod.ExportedFunction("add").Call(ctx, 2, 40)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res[0] != 42 {
		t.Fatalf("add = %d, want 42", res[0])
	}
}
