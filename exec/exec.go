// Package exec implements skill execution: the shared input/output
// contract and the five executor variants (LLM, REST, inline function,
// data query, data pipeline).
//
// Every variant receives the values gathered for the skill's requires
// keys and returns a raw result map; the shared contract then maps that
// map onto the declared produces keys. A missing requires key or a
// missing produces key is fatal for the run. REST skills are the
// exception: their first phase returns a pending sentinel instead of
// outputs, and their outputs arrive later through the public callback
// endpoint.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/state"
	"github.com/dshills/skillflow/tool"
)

// DefaultToolRounds caps how many tool-call rounds the LLM executor
// grants a model before truncating.
const DefaultToolRounds = 2

// maxPipelineDepth bounds nested-skill recursion inside pipelines so a
// self-referencing pipeline fails instead of overflowing the stack.
const maxPipelineDepth = 10

// Config wires a Runner.
type Config struct {
	Registry *skill.Registry
	Models   *model.Factory
	Bus      *event.Bus

	// Tools are the agent-level tools offered to LLM skills.
	Tools tool.Set

	// Vault resolves credential references for data queries; nil means
	// credential_ref lookups fail.
	Vault Vault

	// QueryDefaults maps a query source (postgres, mysql, sqlite,
	// mongodb, redis) to the global fallback connection string used
	// when a skill names no credential.
	QueryDefaults map[string]string

	// CallbackURL is the public URL remote REST services post results
	// back to.
	CallbackURL string

	// ToolRounds caps LLM tool-call rounds; zero selects the default.
	ToolRounds int

	// QueryTimeout bounds a single data query; zero selects 30s.
	QueryTimeout time.Duration

	Retry      model.RetryPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Runner executes skills. One Runner serves every run on the process;
// it is safe for concurrent use.
type Runner struct {
	registry   *skill.Registry
	models     *model.Factory
	bus        *event.Bus
	tools      tool.Set
	queries    *queryRunner
	callback   string
	toolRounds int
	retry      model.RetryPolicy
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRunner builds a Runner from the config, applying defaults for
// everything optional.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus(nil, nil, logger)
	}
	rounds := cfg.ToolRounds
	if rounds <= 0 {
		rounds = DefaultToolRounds
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = model.DefaultRetryPolicy()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		registry:   cfg.Registry,
		models:     cfg.Models,
		bus:        bus,
		tools:      cfg.Tools,
		queries:    newQueryRunner(cfg.Vault, cfg.QueryDefaults, timeout, bus, logger),
		callback:   cfg.CallbackURL,
		toolRounds: rounds,
		retry:      retry,
		httpClient: client,
		logger:     logger,
	}
}

// Close releases every connection the query executor opened.
func (r *Runner) Close(ctx context.Context) error {
	return r.queries.Close(ctx)
}

// Result is the outcome of executing one skill.
type Result struct {
	// Outputs holds the mapped produces values ready to merge into the
	// data store. Empty for pending REST skills.
	Outputs map[string]any

	// Pending marks a REST skill awaiting its callback; the engine
	// routes to the await-callback interrupt instead of merging.
	Pending bool
}

// request carries one skill invocation through the executor variants.
type request struct {
	sk     *skill.Skill
	st     *state.RunState
	inputs map[string]any

	// parentEvent is the UI event this execution nests under.
	parentEvent string

	// depth counts nested-skill re-entry inside pipelines.
	depth int
}

// Execute runs the skill against the run state and returns the outputs
// to merge. The error is fatal for the run: missing required inputs,
// missing declared outputs, or an execution failure.
func (r *Runner) Execute(ctx context.Context, sk *skill.Skill, st *state.RunState, parentEvent string) (*Result, error) {
	inputs, err := gatherInputs(sk, st)
	if err != nil {
		return nil, err
	}
	req := &request{sk: sk, st: st, inputs: inputs, parentEvent: parentEvent}

	if sk.EffectiveExecutor() == skill.ExecutorREST {
		return r.runREST(ctx, req)
	}

	raw, err := r.runVariant(ctx, req)
	if err != nil {
		return nil, err
	}
	outputs, warnings, err := mapOutputs(sk, raw)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		r.bus.Warning(ctx, st.ThreadID, w)
		r.logger.Warn(w, "thread_id", st.ThreadID, "skill", sk.Name)
	}
	return &Result{Outputs: outputs}, nil
}

// runVariant dispatches the non-REST variants. Pipelines re-enter here
// for nested skill steps.
func (r *Runner) runVariant(ctx context.Context, req *request) (map[string]any, error) {
	sk := req.sk
	if sk.CompileError != "" {
		return nil, fmt.Errorf("skill %q has a compile error: %s", sk.Name, sk.CompileError)
	}
	switch sk.EffectiveExecutor() {
	case skill.ExecutorLLM:
		return r.runLLM(ctx, req)
	case skill.ExecutorAction:
		if sk.Action == nil {
			return nil, fmt.Errorf("skill %q: action executor without an action block", sk.Name)
		}
		switch sk.Action.Type {
		case skill.ActionFunction:
			return r.runFunction(ctx, req)
		case skill.ActionQuery:
			return r.runQuery(ctx, req)
		case skill.ActionPipeline:
			return r.runPipeline(ctx, req)
		default:
			return nil, fmt.Errorf("skill %q: unknown action type %q", sk.Name, sk.Action.Type)
		}
	case skill.ExecutorREST:
		return nil, fmt.Errorf("skill %q: rest skills cannot run inside a pipeline", sk.Name)
	default:
		return nil, fmt.Errorf("skill %q: unknown executor %q", sk.Name, sk.Executor)
	}
}

// gatherInputs resolves every requires key against the data store.
// Values are keyed by the full dot path. Any missing key is fatal.
func gatherInputs(sk *skill.Skill, st *state.RunState) (map[string]any, error) {
	inputs := make(map[string]any, len(sk.Requires))
	var missing []string
	for _, key := range sk.Requires {
		v, ok := state.GetPath(st.DataStore, key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		inputs[key] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("skill %q missing required inputs: %s", sk.Name, strings.Join(missing, ", "))
	}
	return inputs, nil
}

// mapOutputs applies the shared output contract: every produces key
// must appear in the raw result, optional keys are copied when present,
// and undeclared keys are dropped with a warning.
func mapOutputs(sk *skill.Skill, raw map[string]any) (map[string]any, []string, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	outputs := make(map[string]any, len(sk.Produces)+len(sk.OptionalProduces))

	var missing []string
	for _, key := range sk.Produces {
		v, ok := raw[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		outputs[key] = v
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("skill %q output missing declared produces keys: %s", sk.Name, strings.Join(missing, ", "))
	}

	declared := make(map[string]bool, len(sk.Produces)+len(sk.OptionalProduces))
	for _, key := range sk.Produces {
		declared[key] = true
	}
	for _, key := range sk.OptionalProduces {
		declared[key] = true
		if v, ok := raw[key]; ok {
			outputs[key] = v
		}
	}

	var extra []string
	for key := range raw {
		if !declared[key] {
			extra = append(extra, key)
		}
	}
	var warnings []string
	if len(extra) > 0 {
		sort.Strings(extra)
		warnings = append(warnings, fmt.Sprintf("skill %q returned undeclared keys (ignored): %s", sk.Name, strings.Join(extra, ", ")))
	}
	return outputs, warnings, nil
}
