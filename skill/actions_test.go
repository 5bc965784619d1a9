package skill

import (
	"context"
	"strings"
	"testing"
)

// TestActions_RegisterAndCall verifies compilation, kwargs invocation,
// and dict conversion round trips.
func TestActions_RegisterAndCall(t *testing.T) {
	actions := NewActions(nil)
	code := `
def add(x, y):
    return {"total": x + y}
`
	if err := actions.RegisterFunction("acme.adder", "add", code); err != nil {
		t.Fatalf("RegisterFunction failed: %v", err)
	}

	a, ok := actions.Lookup("acme.adder", "add")
	if !ok {
		t.Fatal("expected function to be registered")
	}
	if len(a.Params) != 2 || a.Params[0] != "x" || a.Params[1] != "y" {
		t.Fatalf("unexpected params: %v", a.Params)
	}

	out, err := a.Call(context.Background(), map[string]any{"x": 2, "y": 3})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	total, ok := out["total"].(int64)
	if !ok || total != 5 {
		t.Errorf("expected total = 5, got %v (%T)", out["total"], out["total"])
	}
}

// TestActions_ParamValidation verifies missing and extra argument
// diagnostics.
func TestActions_ParamValidation(t *testing.T) {
	actions := NewActions(nil)
	code := "def merge(a, b, c):\n    return {\"all\": [a, b, c]}\n"
	if err := actions.RegisterFunction("ws.m", "merge", code); err != nil {
		t.Fatalf("RegisterFunction failed: %v", err)
	}
	a, _ := actions.Lookup("ws.m", "merge")

	t.Run("missing parameters", func(t *testing.T) {
		_, err := a.Call(context.Background(), map[string]any{"a": 1, "b": 2})
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "Missing parameters: {c}") {
			t.Errorf("expected missing-parameters diagnostic, got %q", err.Error())
		}
	})

	t.Run("unexpected parameters", func(t *testing.T) {
		_, err := a.Call(context.Background(), map[string]any{"a": 1, "b": 2, "c": 3, "d": 4})
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "Unexpected parameters: {d}") {
			t.Errorf("expected unexpected-parameters diagnostic, got %q", err.Error())
		}
	})
}

// TestActions_NonDictReturn verifies a non-dict return is rejected.
func TestActions_NonDictReturn(t *testing.T) {
	actions := NewActions(nil)
	code := "def f():\n    return 42\n"
	if err := actions.RegisterFunction("ws.x", "f", code); err != nil {
		t.Fatalf("RegisterFunction failed: %v", err)
	}
	a, _ := actions.Lookup("ws.x", "f")
	_, err := a.Call(context.Background(), map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "must return a dict") {
		t.Errorf("expected dict-return error, got %v", err)
	}
}

// TestActions_CompileErrorHasPosition verifies syntax diagnostics carry
// line information.
func TestActions_CompileErrorHasPosition(t *testing.T) {
	actions := NewActions(nil)
	err := actions.RegisterFunction("ws.bad", "f", "def f(:\n    return {}\n")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "line") && !strings.Contains(err.Error(), ":1:") {
		t.Errorf("expected position in diagnostic, got %q", err.Error())
	}
}

// TestActions_MissingFunction verifies the named function must exist in
// the compiled module.
func TestActions_MissingFunction(t *testing.T) {
	actions := NewActions(nil)
	err := actions.RegisterFunction("ws.mod", "absent", "def present():\n    return {}\n")
	if err == nil || !strings.Contains(err.Error(), "not defined") {
		t.Errorf("expected not-defined error, got %v", err)
	}
}

// TestActions_RegisterHelpers verifies all public functions register and
// underscore names stay private.
func TestActions_RegisterHelpers(t *testing.T) {
	actions := NewActions(nil)
	code := `
def normalize(rows):
    return {"rows": rows}

def combine(a, b):
    return {"merged": {"a": a, "b": b}}

def _private(x):
    return {"x": x}
`
	if err := actions.RegisterHelpers("acme.pipe", code); err != nil {
		t.Fatalf("RegisterHelpers failed: %v", err)
	}
	if _, ok := actions.Lookup("acme.pipe", "normalize"); !ok {
		t.Error("expected normalize to be registered")
	}
	if _, ok := actions.Lookup("acme.pipe", "combine"); !ok {
		t.Error("expected combine to be registered")
	}
	if _, ok := actions.Lookup("acme.pipe", "_private"); ok {
		t.Error("expected _private to stay unregistered")
	}
}

// TestActions_RemoveModule verifies module teardown on delete/replace.
func TestActions_RemoveModule(t *testing.T) {
	actions := NewActions(nil)
	_ = actions.RegisterHelpers("a.b", "def f():\n    return {}\n")
	_ = actions.RegisterHelpers("a.c", "def g():\n    return {}\n")

	actions.RemoveModule("a.b")
	if _, ok := actions.Lookup("a.b", "f"); ok {
		t.Error("expected a.b functions to be removed")
	}
	if _, ok := actions.Lookup("a.c", "g"); !ok {
		t.Error("expected a.c functions to survive")
	}
}

// TestActions_ValueConversion verifies nested structures cross the
// boundary in both directions.
func TestActions_ValueConversion(t *testing.T) {
	actions := NewActions(nil)
	code := `
def shape(payload):
    items = payload["items"]
    return {
        "count": len(items),
        "first": items[0],
        "flags": {"ok": True, "ratio": 0.5},
        "names": [i["name"] for i in items],
    }
`
	if err := actions.RegisterFunction("ws.shape", "shape", code); err != nil {
		t.Fatalf("RegisterFunction failed: %v", err)
	}
	a, _ := actions.Lookup("ws.shape", "shape")

	out, err := a.Call(context.Background(), map[string]any{
		"payload": map[string]any{
			"items": []any{
				map[string]any{"name": "a", "qty": 1},
				map[string]any{"name": "b", "qty": 2},
			},
		},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if count, _ := out["count"].(int64); count != 2 {
		t.Errorf("expected count 2, got %v", out["count"])
	}
	flags, ok := out["flags"].(map[string]any)
	if !ok {
		t.Fatalf("expected flags map, got %T", out["flags"])
	}
	if ratio, _ := flags["ratio"].(float64); ratio != 0.5 {
		t.Errorf("expected ratio 0.5, got %v", flags["ratio"])
	}
	names, ok := out["names"].([]any)
	if !ok || len(names) != 2 || names[1] != "b" {
		t.Errorf("unexpected names: %v", out["names"])
	}
}
