package exec

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/skill"
)

// runPipeline interprets a data_pipeline action: an ordered list of
// steps executed against a mutable local context seeded with the
// skill's input map. Each step's outputs merge top-level into the
// context; only keys the pipeline added (not seeded inputs) are
// returned to the shared output contract.
func (r *Runner) runPipeline(ctx context.Context, req *request) (map[string]any, error) {
	if req.depth >= maxPipelineDepth {
		return nil, fmt.Errorf("skill %q: pipeline nesting exceeds depth %d", req.sk.Name, maxPipelineDepth)
	}
	ac := req.sk.Action

	pctx := make(map[string]any, len(req.inputs))
	seeded := make(map[string]bool, len(req.inputs))
	for k, v := range req.inputs {
		pctx[k] = v
		seeded[k] = true
	}

	p := &pipeline{r: r, req: req, action: ac}
	for i := range ac.Steps {
		if err := p.runStep(ctx, &ac.Steps[i], pctx, i, req.parentEvent); err != nil {
			return nil, err
		}
	}

	out := make(map[string]any)
	for k, v := range pctx {
		if !seeded[k] {
			out[k] = v
		}
	}
	return out, nil
}

// pipeline carries one interpretation pass: the enclosing skill request
// plus the action block whose defaults (source, credential) steps
// inherit.
type pipeline struct {
	r      *Runner
	req    *request
	action *skill.ActionConfig
}

// stepLabel names a step for events and diagnostics.
func stepLabel(step *skill.PipelineStep, idx int) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("%s_%d", step.Kind, idx)
}

// runStep gates the step on its conditions, executes it, and merges its
// outputs into pctx. Start, result, and error events parent under
// parentEvent so the UI can render the pipeline as a tree.
func (p *pipeline) runStep(ctx context.Context, step *skill.PipelineStep, pctx map[string]any, idx int, parentEvent string) error {
	label := stepLabel(step, idx)
	threadID := p.req.st.ThreadID

	if !p.shouldRun(ctx, step, pctx, label) {
		p.r.bus.Info(ctx, threadID, fmt.Sprintf("Pipeline step %s skipped by condition", label))
		return nil
	}

	if step.Kind == skill.StepParallel {
		return p.runParallel(ctx, step, pctx, idx, parentEvent)
	}

	startID := p.r.bus.UI(ctx, event.UIEvent{
		ParentEventID:  parentEvent,
		ThreadID:       threadID,
		Phase:          event.PhaseStepStart,
		Skill:          p.req.sk.Name,
		PipelineStepID: label,
		Detail:         map[string]any{"kind": step.Kind},
	})

	outputs, err := p.executeStep(ctx, step, pctx, label)
	if err != nil {
		p.r.bus.UI(ctx, event.UIEvent{
			ParentEventID:  startID,
			ThreadID:       threadID,
			Phase:          event.PhaseStepError,
			Skill:          p.req.sk.Name,
			PipelineStepID: label,
			Detail:         map[string]any{"error": err.Error()},
		})
		return err
	}

	keys := make([]string, 0, len(outputs))
	for k, v := range outputs {
		pctx[k] = v
		keys = append(keys, k)
	}
	p.r.bus.UI(ctx, event.UIEvent{
		ParentEventID:  startID,
		ThreadID:       threadID,
		Phase:          event.PhaseStepResult,
		Skill:          p.req.sk.Name,
		PipelineStepID: label,
		Detail:         map[string]any{"output_keys": keys},
	})
	return nil
}

// shouldRun evaluates run_if and skip_if against the context. A
// malformed predicate defaults open: the step runs and a warning is
// logged.
func (p *pipeline) shouldRun(ctx context.Context, step *skill.PipelineStep, pctx map[string]any, label string) bool {
	threadID := p.req.st.ThreadID
	if step.RunIf != nil {
		ok, err := evalCondition(step.RunIf, pctx)
		if err != nil {
			warn := fmt.Sprintf("Pipeline step %s: malformed run_if (%v); running anyway", label, err)
			p.r.bus.Warning(ctx, threadID, warn)
			p.r.logger.Warn(warn, "thread_id", threadID)
		} else if !ok {
			return false
		}
	}
	if step.SkipIf != nil {
		ok, err := evalCondition(step.SkipIf, pctx)
		if err != nil {
			warn := fmt.Sprintf("Pipeline step %s: malformed skip_if (%v); running anyway", label, err)
			p.r.bus.Warning(ctx, threadID, warn)
			p.r.logger.Warn(warn, "thread_id", threadID)
		} else if ok {
			return false
		}
	}
	return true
}

// executeStep dispatches one non-parallel step and returns its outputs
// keyed per the step's output spec.
func (p *pipeline) executeStep(ctx context.Context, step *skill.PipelineStep, pctx map[string]any, label string) (map[string]any, error) {
	var (
		result any
		err    error
	)
	switch step.Kind {
	case skill.StepQuery:
		result, err = p.runQueryStep(ctx, step, pctx)
	case skill.StepTransform:
		result, err = p.runTransformStep(ctx, step, pctx)
	case skill.StepMerge:
		result, err = p.runMergeStep(step, pctx)
	case skill.StepSkill:
		result, err = p.runSkillStep(ctx, step, pctx)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline step %s: %w", label, err)
	}
	return mapStepOutput(step, label, result)
}

// runQueryStep executes a step-local data query. Source and credential
// fall back to the enclosing pipeline's action block, so a pipeline of
// queries against one database names it once.
func (p *pipeline) runQueryStep(ctx context.Context, step *skill.PipelineStep, pctx map[string]any) (any, error) {
	spec := querySpec{
		Source:        step.Source,
		Query:         step.Query,
		Collection:    step.Collection,
		Filter:        step.Filter,
		CredentialRef: step.CredentialRef,
	}
	if spec.Source == "" {
		spec.Source = p.action.Source
	}
	if spec.CredentialRef == "" {
		spec.CredentialRef = p.action.CredentialRef
		spec.DBConfigFile = p.action.DBConfigFile
	}
	return p.r.queries.run(ctx, p.req.st.ThreadID, spec, pctx)
}

// runTransformStep invokes a registered helper with the listed context
// values as named arguments. The function name may be qualified
// "module.function"; bare names resolve in the enclosing skill's
// module.
func (p *pipeline) runTransformStep(ctx context.Context, step *skill.PipelineStep, pctx map[string]any) (any, error) {
	module := p.req.sk.ModuleName
	function := step.Function
	if i := strings.LastIndexByte(function, '.'); i > 0 {
		module, function = function[:i], function[i+1:]
	}
	action, ok := p.r.registry.ResolveAction(module, function)
	if !ok {
		return nil, fmt.Errorf("no registered transform %s.%s", module, function)
	}
	args := make(map[string]any, len(step.Inputs))
	for _, key := range step.Inputs {
		v, _ := lookupField(key, pctx)
		args[key] = v
	}
	return action.Call(ctx, args)
}

// runMergeStep builds a dict from the listed context keys.
func (p *pipeline) runMergeStep(step *skill.PipelineStep, pctx map[string]any) (any, error) {
	merged := make(map[string]any, len(step.Inputs))
	for _, key := range step.Inputs {
		v, ok := lookupField(key, pctx)
		if !ok {
			return nil, fmt.Errorf("merge input %q not present in context", key)
		}
		merged[key] = v
	}
	return merged, nil
}

// runSkillStep invokes another skill with the listed context keys as
// its inputs. The nested skill resolves in the enclosing run's
// workspace and re-enters the executor core, so pipelines compose; REST
// skills are rejected there because a pipeline cannot suspend the run.
func (p *pipeline) runSkillStep(ctx context.Context, step *skill.PipelineStep, pctx map[string]any) (any, error) {
	nested, err := p.r.registry.Get(step.Skill, p.req.st.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("nested skill %q: %w", step.Skill, err)
	}

	provided := make(map[string]any, len(step.Inputs))
	for _, key := range step.Inputs {
		v, ok := lookupField(key, pctx)
		if !ok {
			return nil, fmt.Errorf("nested skill %q: input %q not present in context", step.Skill, key)
		}
		provided[key] = v
	}
	var missing []string
	inputs := make(map[string]any, len(nested.Requires))
	for _, key := range nested.Requires {
		v, ok := provided[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		inputs[key] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("nested skill %q missing required inputs: %s", step.Skill, strings.Join(missing, ", "))
	}

	nreq := &request{
		sk:          nested,
		st:          p.req.st,
		inputs:      inputs,
		parentEvent: p.req.parentEvent,
		depth:       p.req.depth + 1,
	}
	raw, err := p.r.runVariant(ctx, nreq)
	if err != nil {
		return nil, err
	}
	outputs, warnings, err := mapOutputs(nested, raw)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		p.r.bus.Warning(ctx, p.req.st.ThreadID, w)
	}
	return outputs, nil
}

// runParallel fans the sub-steps out concurrently, each against a
// shallow copy of the context taken at fan-out. Outputs are merged only
// after every branch completes, in declaration order, so overlapping
// writes are last-write-wins. The first failure cancels the group.
func (p *pipeline) runParallel(ctx context.Context, step *skill.PipelineStep, pctx map[string]any, idx int, parentEvent string) error {
	label := stepLabel(step, idx)
	threadID := p.req.st.ThreadID

	groupID := p.r.bus.UI(ctx, event.UIEvent{
		ParentEventID:  parentEvent,
		ThreadID:       threadID,
		Phase:          event.PhaseParallelStart,
		Skill:          p.req.sk.Name,
		PipelineStepID: label,
		Detail:         map[string]any{"branches": len(step.Steps)},
	})

	outputs := make([]map[string]any, len(step.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i := range step.Steps {
		branch := &step.Steps[i]
		branchIdx := i
		branchCtx := make(map[string]any, len(pctx))
		for k, v := range pctx {
			branchCtx[k] = v
		}
		g.Go(func() error {
			if !p.shouldRun(gctx, branch, branchCtx, stepLabel(branch, branchIdx)) {
				return nil
			}
			out, err := p.executeStep(gctx, branch, branchCtx, stepLabel(branch, branchIdx))
			if err != nil {
				p.r.bus.UI(gctx, event.UIEvent{
					ParentEventID:  groupID,
					ThreadID:       threadID,
					Phase:          event.PhaseStepError,
					Skill:          p.req.sk.Name,
					PipelineStepID: stepLabel(branch, branchIdx),
					Detail:         map[string]any{"error": err.Error()},
				})
				return err
			}
			outputs[branchIdx] = out
			p.r.bus.UI(gctx, event.UIEvent{
				ParentEventID:  groupID,
				ThreadID:       threadID,
				Phase:          event.PhaseStepResult,
				Skill:          p.req.sk.Name,
				PipelineStepID: stepLabel(branch, branchIdx),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.r.bus.UI(ctx, event.UIEvent{
			ParentEventID:  groupID,
			ThreadID:       threadID,
			Phase:          event.PhaseParallelEnd,
			Skill:          p.req.sk.Name,
			PipelineStepID: label,
			Detail:         map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("pipeline step %s: %w", label, err)
	}

	for _, out := range outputs {
		for k, v := range out {
			pctx[k] = v
		}
	}
	p.r.bus.UI(ctx, event.UIEvent{
		ParentEventID:  groupID,
		ThreadID:       threadID,
		Phase:          event.PhaseParallelEnd,
		Skill:          p.req.sk.Name,
		PipelineStepID: label,
	})
	return nil
}

// mapStepOutput applies the step output spec. A single key stores the
// whole value; multiple keys index into a dict result by name or into a
// list result by position.
func mapStepOutput(step *skill.PipelineStep, label string, result any) (map[string]any, error) {
	keys := step.Output.Keys
	if len(keys) == 0 {
		return nil, fmt.Errorf("pipeline step %s declares no output", label)
	}
	if len(keys) == 1 {
		return map[string]any{keys[0]: result}, nil
	}
	switch t := result.(type) {
	case map[string]any:
		out := make(map[string]any, len(keys))
		var missing []string
		for _, key := range keys {
			v, ok := t[key]
			if !ok {
				missing = append(missing, key)
				continue
			}
			out[key] = v
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("pipeline step %s: result is missing output keys: %s", label, strings.Join(missing, ", "))
		}
		return out, nil
	case []any:
		if len(t) != len(keys) {
			return nil, fmt.Errorf("pipeline step %s: result list has %d values for %d output keys", label, len(t), len(keys))
		}
		out := make(map[string]any, len(keys))
		for i, key := range keys {
			out[key] = t[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("pipeline step %s: result of type %T cannot satisfy %d output keys", label, result, len(keys))
	}
}
