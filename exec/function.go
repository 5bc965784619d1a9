package exec

import (
	"context"
	"fmt"
)

// runFunction executes an inline function skill through the registry's
// compiled action table. Parameter names must match the provided input
// keys exactly; the action reports missing and unexpected names in its
// own diagnostics.
func (r *Runner) runFunction(ctx context.Context, req *request) (map[string]any, error) {
	sk := req.sk
	ac := sk.Action
	if ac.Module == "" || ac.Function == "" {
		return nil, fmt.Errorf("skill %q: function action needs module and function", sk.Name)
	}
	action, ok := r.registry.ResolveAction(ac.Module, ac.Function)
	if !ok {
		return nil, fmt.Errorf("skill %q: no registered function %s.%s", sk.Name, ac.Module, ac.Function)
	}
	out, err := action.Call(ctx, req.inputs)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", sk.Name, err)
	}
	return out, nil
}
