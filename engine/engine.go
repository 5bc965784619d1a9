package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/exec"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/state"
)

// Graph nodes. The planner and executor do work; human_review and
// await_callback are passive interrupts the engine pauses before.
const (
	NodePlanner       = "planner"
	NodeExecutor      = "executor"
	NodeHumanReview   = "human_review"
	NodeAwaitCallback = "await_callback"
)

// Executor runs one chosen skill. *exec.Runner is the production
// implementation; tests substitute scripted ones.
type Executor interface {
	Execute(ctx context.Context, sk *skill.Skill, st *state.RunState, parentEvent string) (*exec.Result, error)
}

// Config wires an Engine.
type Config struct {
	Registry    *skill.Registry
	Executor    Executor
	Models      *model.Factory
	Checkpoints *checkpoint.Buffered
	Bus         *event.Bus
	Metrics     *Metrics
	Retry       model.RetryPolicy
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Engine drives one planner-executor loop per run. It is stateless
// between calls: everything a run needs lives in its checkpoints, so
// one Engine serves every run on the process.
type Engine struct {
	registry    *skill.Registry
	executor    Executor
	models      *model.Factory
	checkpoints *checkpoint.Buffered
	bus         *event.Bus
	metrics     *Metrics
	retry       model.RetryPolicy
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New builds an Engine, applying defaults for everything optional.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus(nil, nil, logger)
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = model.DefaultRetryPolicy()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("skillflow/engine")
	}
	return &Engine{
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		models:      cfg.Models,
		checkpoints: cfg.Checkpoints,
		bus:         bus,
		metrics:     cfg.Metrics,
		retry:       retry,
		logger:      logger,
		tracer:      tracer,
	}
}

// Outcome is where a drive of the loop came to rest: the state as
// checkpointed, and the node the run stopped at, either an interrupt
// node when paused or the END sentinel.
type Outcome struct {
	State state.RunState
	Next  string
}

// Paused reports whether the run stopped at an interrupt rather than
// finishing.
func (o *Outcome) Paused() bool {
	return o.Next == NodeHumanReview || o.Next == NodeAwaitCallback
}

// Start seeds the thread's first checkpoint from st and drives the
// loop until the run ends or pauses at an interrupt.
func (e *Engine) Start(ctx context.Context, st state.RunState) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "skillflow.run",
		trace.WithAttributes(attribute.String("thread_id", st.ThreadID)))
	defer span.End()

	seed := &checkpoint.Checkpoint{
		ThreadID:  st.ThreadID,
		State:     stateToMap(st),
		NextNodes: []string{NodePlanner},
		Metadata:  checkpoint.Metadata{Source: checkpoint.SourceInput, Step: 0},
	}
	if err := e.checkpoints.Put(ctx, seed); err != nil {
		return nil, engineErr(CodeCheckpoint, "seed checkpoint", err)
	}
	e.metrics.CheckpointWritten()

	return e.loop(ctx, st, NodePlanner, 1, seed.ID)
}

// Resume reloads the thread's latest checkpoint and continues the loop
// from its recorded next node. Resuming past an interrupt means the
// external event (approval or callback) has arrived, so both interrupt
// nodes continue into the planner.
func (e *Engine) Resume(ctx context.Context, threadID string) (*Outcome, error) {
	cp, err := e.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return nil, engineErr(CodeCheckpoint, "load latest checkpoint", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, threadID)
	}
	st, err := stateFromMap(cp.State)
	if err != nil {
		return nil, engineErr(CodeCheckpoint, "decode checkpointed state", err)
	}

	node := NodePlanner
	if len(cp.NextNodes) > 0 {
		node = cp.NextNodes[0]
	}
	switch node {
	case state.EndSentinel:
		return &Outcome{State: st, Next: state.EndSentinel}, nil
	case NodeHumanReview, NodeAwaitCallback:
		node = NodePlanner
	}

	ctx, span := e.tracer.Start(ctx, "skillflow.resume",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	return e.loop(ctx, st, node, cp.Metadata.Step+1, cp.ID)
}

// UpdateState applies an external mutation (an approval edit or a REST
// callback merge) and checkpoints it with source "update" so the audit
// chain records who changed what between transitions.
func (e *Engine) UpdateState(ctx context.Context, threadID string, mutate func(*state.RunState) error) (*state.RunState, error) {
	cp, err := e.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return nil, engineErr(CodeCheckpoint, "load latest checkpoint", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, threadID)
	}
	st, err := stateFromMap(cp.State)
	if err != nil {
		return nil, engineErr(CodeCheckpoint, "decode checkpointed state", err)
	}
	if err := mutate(&st); err != nil {
		return nil, err
	}

	next := cp.NextNodes
	updated := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		ParentID:  cp.ID,
		State:     stateToMap(st),
		NextNodes: next,
		Metadata:  checkpoint.Metadata{Source: checkpoint.SourceUpdate, Step: cp.Metadata.Step},
	}
	if err := e.checkpoints.Put(ctx, updated); err != nil {
		return nil, engineErr(CodeCheckpoint, "write update checkpoint", err)
	}
	e.metrics.CheckpointWritten()
	return &st, nil
}

// Snapshot returns the thread's latest state and the nodes the engine
// would enter next.
func (e *Engine) Snapshot(ctx context.Context, threadID string) (*state.RunState, []string, error) {
	cp, err := e.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return nil, nil, engineErr(CodeCheckpoint, "load latest checkpoint", err)
	}
	if cp == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoRun, threadID)
	}
	st, err := stateFromMap(cp.State)
	if err != nil {
		return nil, nil, engineErr(CodeCheckpoint, "decode checkpointed state", err)
	}
	return &st, cp.NextNodes, nil
}

// loop runs the state machine from node until END or an interrupt.
// Every transition is checkpointed before the loop moves on, so a
// crash at any point resumes from the last completed node.
func (e *Engine) loop(ctx context.Context, st state.RunState, node string, step int, parentID string) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return &Outcome{State: st, Next: node}, err
		}

		var (
			next   string
			writes []checkpoint.Write
		)
		switch node {
		case NodePlanner:
			_, span := e.tracer.Start(ctx, "skillflow.planner")
			d := e.plan(ctx, &st)
			span.SetAttributes(attribute.String("choice", d.Choice), attribute.String("outcome", d.Outcome))
			span.End()

			e.metrics.PlannerDecision(d.Outcome)
			st.ActiveSkill = d.Choice
			st.AppendHistory("Planner chose " + d.Choice)
			e.bus.Info(ctx, st.ThreadID, "Planner chose "+d.Choice)
			e.emitPlannerDecision(ctx, &st, d)

			if d.Choice == state.EndSentinel {
				next = state.EndSentinel
			} else {
				next = NodeExecutor
			}

		case NodeExecutor:
			next, writes = e.executeActive(ctx, &st)

		default:
			return nil, engineErr(CodeExecutor, "unknown node "+node, nil)
		}

		cp := &checkpoint.Checkpoint{
			ThreadID:  st.ThreadID,
			ParentID:  parentID,
			State:     stateToMap(st),
			NextNodes: []string{next},
			Writes:    writes,
			Metadata:  checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: step, Node: node},
		}
		if err := e.checkpoints.Put(ctx, cp); err != nil {
			return nil, engineErr(CodeCheckpoint, "write checkpoint", err)
		}
		e.metrics.CheckpointWritten()
		parentID = cp.ID
		step++

		switch next {
		case state.EndSentinel:
			return &Outcome{State: st, Next: state.EndSentinel}, nil
		case NodeHumanReview, NodeAwaitCallback:
			// Interrupt-before: pause without entering the node.
			return &Outcome{State: st, Next: next}, nil
		}
		node = next
	}
}

// executeActive runs the planner's chosen skill and routes afterwards:
// a pending REST dispatch parks at await_callback, a HITL skill parks
// at human_review, everything else returns to the planner. Fatal
// failures mark the run failed and route to END.
func (e *Engine) executeActive(ctx context.Context, st *state.RunState) (string, []checkpoint.Write) {
	name := st.ActiveSkill
	st.ExecutionSequence = append(st.ExecutionSequence, name)

	if msg, looping := DetectLoop(st.ExecutionSequence); looping {
		st.MarkFailed(name, msg)
		st.AppendHistory(msg)
		e.bus.Error(ctx, st.ThreadID, msg)
		e.logger.Warn("run failed on loop detection", "thread_id", st.ThreadID, "skill", name)
		return state.EndSentinel, nil
	}

	sk, err := e.registry.Get(name, st.WorkspaceID)
	if err != nil {
		msg := fmt.Sprintf("Skill %s failed: %v", name, err)
		st.MarkFailed(name, err.Error())
		st.AppendHistory(msg)
		e.bus.Error(ctx, st.ThreadID, msg)
		return state.EndSentinel, nil
	}

	var parentEvent string
	if st.Broadcast {
		parentEvent = e.bus.UI(ctx, event.UIEvent{
			ThreadID: st.ThreadID,
			Phase:    event.PhaseAgentStart,
			Skill:    sk.Name,
		})
	}

	ctx, span := e.tracer.Start(ctx, "skillflow.skill",
		trace.WithAttributes(
			attribute.String("skill", sk.Name),
			attribute.String("executor", sk.EffectiveExecutor()),
		))
	started := time.Now()
	res, err := e.executor.Execute(ctx, sk, st, parentEvent)
	elapsed := time.Since(started).Seconds()
	span.End()

	if err != nil {
		e.metrics.SkillExecuted(sk.EffectiveExecutor(), "error", elapsed)
		msg := fmt.Sprintf("Skill %s failed: %v", sk.Name, err)
		st.MarkFailed(sk.Name, err.Error())
		st.AppendHistory(msg)
		e.bus.Error(ctx, st.ThreadID, msg)
		if st.Broadcast {
			e.bus.UI(ctx, event.UIEvent{
				ParentEventID: parentEvent,
				ThreadID:      st.ThreadID,
				Phase:         event.PhaseAgentError,
				Skill:         sk.Name,
				Detail:        map[string]any{"error": err.Error()},
			})
		}
		return state.EndSentinel, nil
	}

	if res.Pending {
		e.metrics.SkillExecuted(sk.EffectiveExecutor(), "pending", elapsed)
		st.AppendHistory("Dispatched " + sk.Name + "; awaiting callback")
		return NodeAwaitCallback, nil
	}

	keys := make([]string, 0, len(res.Outputs))
	for key := range res.Outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	writes := make([]checkpoint.Write, 0, len(keys))
	for _, key := range keys {
		// Outputs come from query drivers and Starlark actions, which can
		// hand back NaN or Inf floats; null them before they reach the
		// data store and the checkpoint chain.
		val := state.Sanitize(res.Outputs[key])
		if err := state.SetPath(st.DataStore, key, val); err != nil {
			e.metrics.SkillExecuted(sk.EffectiveExecutor(), "error", elapsed)
			msg := fmt.Sprintf("Skill %s failed: cannot store output %s: %v", sk.Name, key, err)
			st.MarkFailed(sk.Name, msg)
			st.AppendHistory(msg)
			e.bus.Error(ctx, st.ThreadID, msg)
			return state.EndSentinel, nil
		}
		writes = append(writes, checkpoint.Write{Key: key, Value: val})
	}

	e.metrics.SkillExecuted(sk.EffectiveExecutor(), "success", elapsed)
	marker := fmt.Sprintf("Executed %s (%s)", sk.Name, sk.EffectiveExecutor())
	st.AppendHistory(marker)
	e.bus.Info(ctx, st.ThreadID, marker)
	if st.Broadcast {
		e.bus.UI(ctx, event.UIEvent{
			ParentEventID: parentEvent,
			ThreadID:      st.ThreadID,
			Phase:         event.PhaseAgentResult,
			Skill:         sk.Name,
			Detail:        map[string]any{"output_keys": keys},
		})
	}

	if sk.HITLEnabled {
		st.AppendHistory("Paused for human review after " + sk.Name)
		return NodeHumanReview, nil
	}
	return NodePlanner, nil
}

// stateToMap renders the run state as the generic map checkpoints
// store. Map nulls non-finite floats first, so a NaN that slipped into
// the data store through an update merge can never abort a checkpoint.
func stateToMap(st state.RunState) map[string]any {
	return st.Map()
}

// stateFromMap rebuilds a run state from a checkpoint payload.
func stateFromMap(m map[string]any) (state.RunState, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return state.RunState{}, err
	}
	var st state.RunState
	if err := json.Unmarshal(raw, &st); err != nil {
		return state.RunState{}, err
	}
	if st.DataStore == nil {
		st.DataStore = make(map[string]any)
	}
	return st, nil
}
