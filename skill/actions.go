package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Actions holds the compiled callable values behind python_function
// skills and pipeline transform helpers, keyed "{module}.{function}".
// User code is Starlark: no imports into engine code, no module graph,
// each module compiled in isolation. Safe for concurrent use.
type Actions struct {
	logger *slog.Logger

	mu    sync.RWMutex
	funcs map[string]*Action
}

// Action is one compiled function with its declared parameter names.
type Action struct {
	Module string
	Name   string
	Params []string
	fn     *starlark.Function
}

// NewActions creates an empty action registry.
func NewActions(logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{logger: logger, funcs: make(map[string]*Action)}
}

// predeclared is the environment visible to user code.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json": starlarkjson.Module,
		"math": starlarkmath.Module,
		"time": starlarktime.Module,
	}
}

func (r *Actions) compile(module, code string) (starlark.StringDict, error) {
	thread := &starlark.Thread{
		Name: module,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Info("action print", "module", module, "message", msg)
		},
	}
	globals, err := starlark.ExecFile(thread, module+".star", code, predeclared())
	if err != nil {
		return nil, errors.New(CompileDiagnostic(err))
	}
	return globals, nil
}

// RegisterFunction compiles code and registers the named function under
// "{module}.{function}". A failure leaves previous registrations for the
// module untouched.
func (r *Actions) RegisterFunction(module, function, code string) error {
	globals, err := r.compile(module, code)
	if err != nil {
		return err
	}
	v, ok := globals[function]
	if !ok {
		return fmt.Errorf("function %q is not defined in module %q", function, module)
	}
	fn, ok := v.(*starlark.Function)
	if !ok {
		return fmt.Errorf("%q in module %q is not a function", function, module)
	}
	r.registerAll(module, map[string]*starlark.Function{function: fn})
	return nil
}

// RegisterHelpers compiles code and registers every top-level function
// it defines under the module. Names with a leading underscore are
// treated as private and skipped.
func (r *Actions) RegisterHelpers(module, code string) error {
	globals, err := r.compile(module, code)
	if err != nil {
		return err
	}
	fns := make(map[string]*starlark.Function)
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if fn, ok := v.(*starlark.Function); ok {
			fns[name] = fn
		}
	}
	if len(fns) == 0 {
		return fmt.Errorf("module %q defines no functions", module)
	}
	r.registerAll(module, fns)
	return nil
}

func (r *Actions) registerAll(module string, fns map[string]*starlark.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, fn := range fns {
		params := make([]string, 0, fn.NumParams())
		for i := 0; i < fn.NumParams(); i++ {
			p, _ := fn.Param(i)
			params = append(params, p)
		}
		r.funcs[module+"."+name] = &Action{Module: module, Name: name, Params: params, fn: fn}
	}
}

// RemoveModule drops every function registered under module. Used when a
// dynamic skill is deleted or its code replaced.
func (r *Actions) RemoveModule(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := module + "."
	for key := range r.funcs {
		if strings.HasPrefix(key, prefix) {
			delete(r.funcs, key)
		}
	}
}

// Lookup resolves "{module}.{function}".
func (r *Actions) Lookup(module, function string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.funcs[module+"."+function]
	return a, ok
}

// Keys returns the registered function keys, sorted.
func (r *Actions) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateParams checks the provided argument names against the
// function's declared parameters. Both missing and unexpected names are
// rejected so a mis-wired pipeline fails with a usable diagnostic.
func (a *Action) ValidateParams(provided []string) error {
	declared := make(map[string]bool, len(a.Params))
	for _, p := range a.Params {
		declared[p] = true
	}
	have := make(map[string]bool, len(provided))
	for _, p := range provided {
		have[p] = true
	}

	var missing []string
	for _, p := range a.Params {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	var extra []string
	for _, p := range provided {
		if !declared[p] {
			extra = append(extra, p)
		}
	}
	sort.Strings(extra)

	if len(missing) > 0 {
		return fmt.Errorf("function %s.%s: Missing parameters: {%s}", a.Module, a.Name, strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		return fmt.Errorf("function %s.%s: Unexpected parameters: {%s}", a.Module, a.Name, strings.Join(extra, ", "))
	}
	return nil
}

// Call validates args against the declared parameters and invokes the
// function. The return value must be a dict. Cancellation of ctx cancels
// the interpreter cooperatively.
func (a *Action) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	if err := a.ValidateParams(names); err != nil {
		return nil, err
	}

	kwargs := make([]starlark.Tuple, 0, len(args))
	for name, v := range args {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("function %s.%s: argument %q: %w", a.Module, a.Name, name, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), sv})
	}

	thread := &starlark.Thread{Name: a.Module}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	out, err := starlark.Call(thread, a.fn, nil, kwargs)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("function %s.%s: %s", a.Module, a.Name, evalErr.Msg)
		}
		return nil, fmt.Errorf("function %s.%s: %w", a.Module, a.Name, err)
	}

	dict, ok := out.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("function %s.%s must return a dict, got %s", a.Module, a.Name, out.Type())
	}
	return fromStarlarkDict(dict)
}

// CompileDiagnostic renders a compile error, including the source line
// and column when the underlying error carries a position.
func CompileDiagnostic(err error) string {
	if err == nil {
		return ""
	}
	switch e := err.(type) {
	case syntax.Error:
		return fmt.Sprintf("syntax error at line %d, col %d: %s", e.Pos.Line, e.Pos.Col, e.Msg)
	case resolve.Error:
		return fmt.Sprintf("compile error at line %d, col %d: %s", e.Pos.Line, e.Pos.Col, e.Msg)
	case resolve.ErrorList:
		if len(e) > 0 {
			first := e[0]
			return fmt.Sprintf("compile error at line %d, col %d: %s", first.Pos.Line, first.Pos.Col, first.Msg)
		}
	case *starlark.EvalError:
		return e.Msg
	}
	return err.Error()
}

func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case float32:
		return starlark.Float(float64(x)), nil
	case string:
		return starlark.String(x), nil
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, item := range x {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(x))
		for key, item := range x {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return float64(x.Float()), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Tuple:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			item, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			item, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		return fromStarlarkDict(x)
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

func fromStarlarkDict(d *starlark.Dict) (map[string]any, error) {
	out := make(map[string]any, d.Len())
	for _, item := range d.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
		}
		val, err := fromStarlark(item[1])
		if err != nil {
			return nil, err
		}
		out[string(key)] = val
	}
	return out, nil
}
