package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/dbpool"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/exec"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/state"
)

// scriptedExecutor substitutes for the real runner: each skill name
// maps to a function producing its result.
type scriptedExecutor struct {
	scripts map[string]func(*state.RunState) (*exec.Result, error)
	calls   []string
}

func (s *scriptedExecutor) Execute(ctx context.Context, sk *skill.Skill, st *state.RunState, parentEvent string) (*exec.Result, error) {
	s.calls = append(s.calls, sk.Name)
	fn, ok := s.scripts[sk.Name]
	if !ok {
		return &exec.Result{Outputs: map[string]any{}}, nil
	}
	return fn(st)
}

type harness struct {
	engine      *Engine
	registry    *skill.Registry
	checkpoints *checkpoint.Buffered
	executor    *scriptedExecutor
	mock        *model.MockChatModel
}

// newHarness wires an engine over an in-memory checkpoint tier, a
// sqlite-backed registry, and a scripted planner model.
func newHarness(t *testing.T, mock *model.MockChatModel) *harness {
	t.Helper()
	if mock == nil {
		mock = &model.MockChatModel{}
	}

	db, err := dbpool.Open(context.Background(), dbpool.RelationalConfig{
		Dialect: dbpool.DialectSQLite,
		DSN:     ":memory:",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := skill.NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("create skill store: %v", err)
	}
	registry := skill.NewRegistry("", store, nil)
	if err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	catalog := model.DefaultCatalog()
	catalog.Register("mock-model", "mock")
	factory := model.NewFactory(catalog, "mock-model")
	factory.RegisterProvider("mock", func(ctx context.Context, name string) (model.ChatModel, error) {
		return mock, nil
	})

	executor := &scriptedExecutor{scripts: make(map[string]func(*state.RunState) (*exec.Result, error))}
	checkpoints := checkpoint.NewBuffered(nil, nil, nil, nil)

	eng := New(Config{
		Registry:    registry,
		Executor:    executor,
		Models:      factory,
		Checkpoints: checkpoints,
		Bus:         event.NewBus(nil, nil, nil),
	})
	return &harness{engine: eng, registry: registry, checkpoints: checkpoints, executor: executor, mock: mock}
}

func (h *harness) saveSkill(t *testing.T, sk *skill.Skill) {
	t.Helper()
	if _, err := h.registry.Save(context.Background(), sk); err != nil {
		t.Fatalf("save skill %s: %v", sk.Name, err)
	}
}

func (h *harness) script(name string, fn func(*state.RunState) (*exec.Result, error)) {
	h.executor.scripts[name] = fn
}

func choose(skills ...string) []model.ChatOut {
	out := make([]model.ChatOut, len(skills))
	for i, name := range skills {
		out[i] = model.ChatOut{Text: `{"next_agent": "` + name + `", "reasoning": "test"}`}
	}
	return out
}

func TestEngine_RunToCompletion(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("sum")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("sum", []string{"a", "b"}, []string{"total"}))
	h.script("sum", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{"total": float64(5)}}, nil
	})

	st := state.New("t1", "", "add a and b", map[string]any{"a": 2, "b": 3}, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next != state.EndSentinel {
		t.Fatalf("expected END, got %s", out.Next)
	}
	if out.State.DataStore["total"] != float64(5) {
		t.Errorf("expected total=5 in data store, got %v", out.State.DataStore["total"])
	}
	if out.State.Failed() {
		t.Errorf("run must not be failed: %v", out.State.FailureError())
	}

	wantHistory := []string{"Process Started", "Planner chose sum", "Executed sum (llm)", "Planner chose END"}
	for _, entry := range wantHistory {
		if !contains(out.State.History, entry) {
			t.Errorf("history missing %q: %v", entry, out.State.History)
		}
	}

	cp, err := h.checkpoints.Latest(context.Background(), "t1")
	if err != nil || cp == nil {
		t.Fatalf("latest checkpoint: %v %v", cp, err)
	}
	if len(cp.NextNodes) != 1 || cp.NextNodes[0] != state.EndSentinel {
		t.Errorf("final checkpoint must point at END, got %v", cp.NextNodes)
	}
}

func TestEngine_RecordsWritesPerCheckpoint(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("fetch")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("fetch", nil, []string{"record.name", "record.id"}))
	h.script("fetch", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{"record.name": "ada", "record.id": float64(7)}}, nil
	})

	st := state.New("t1", "", "fetch the record", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, ok := out.State.DataStore["record"].(map[string]any)
	if !ok || rec["name"] != "ada" || rec["id"] != float64(7) {
		t.Fatalf("dot-path outputs did not land: %v", out.State.DataStore)
	}

	list, err := h.checkpoints.List(context.Background(), "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var writes []checkpoint.Write
	for _, cp := range list {
		if cp.Metadata.Node == NodeExecutor {
			writes = cp.Writes
		}
	}
	if len(writes) != 2 || writes[0].Key != "record.id" || writes[1].Key != "record.name" {
		t.Errorf("executor checkpoint must record sorted writes, got %+v", writes)
	}
}

// TestEngine_NonFiniteOutputsStoredAsNull pushes NaN and Inf floats
// through a skill result, the kind a query driver or Starlark action
// can produce, and verifies they land as nulls instead of aborting the
// run's checkpoints.
func TestEngine_NonFiniteOutputsStoredAsNull(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("measure")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("measure", nil, []string{"metric"}))
	h.script("measure", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{
			"metric": map[string]any{
				"ratio":   math.NaN(),
				"ceiling": math.Inf(1),
				"count":   float64(3),
			},
		}}, nil
	})

	st := state.New("t1", "", "measure things", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next != state.EndSentinel {
		t.Fatalf("expected END, got %s", out.Next)
	}
	if out.State.Failed() {
		t.Fatalf("run must not fail on non-finite floats: %v", out.State.FailureError())
	}

	metric, ok := out.State.DataStore["metric"].(map[string]any)
	if !ok {
		t.Fatalf("metric output missing: %v", out.State.DataStore)
	}
	if metric["ratio"] != nil || metric["ceiling"] != nil {
		t.Errorf("non-finite floats must become null, got %v", metric)
	}
	if metric["count"] != float64(3) {
		t.Errorf("finite values must pass through, got %v", metric["count"])
	}

	cp, err := h.checkpoints.Latest(context.Background(), "t1")
	if err != nil || cp == nil {
		t.Fatalf("latest checkpoint: %v %v", cp, err)
	}
	if _, err := json.Marshal(cp.State); err != nil {
		t.Errorf("checkpointed state must survive a strict encoder: %v", err)
	}
}

func TestEngine_LoopDetectionFailsRun(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("noisy")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("noisy", nil, []string{"out"}))
	// Never produces its key, so it stays runnable forever.
	h.script("noisy", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{}}, nil
	})

	st := state.New("t1", "", "never finishes", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next != state.EndSentinel {
		t.Fatalf("expected END, got %s", out.Next)
	}
	if !out.State.Failed() {
		t.Fatal("expected run to be marked failed")
	}
	if !strings.Contains(out.State.FailureError(), "executed 3 times in a row") {
		t.Errorf("unexpected failure message: %q", out.State.FailureError())
	}
	if got := len(h.executor.calls); got != 2 {
		t.Errorf("third dispatch must be caught before executing, got %d calls", got)
	}
}

func TestEngine_ExecutorFailureEndsRun(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("flaky")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("flaky", nil, []string{"out"}))
	h.script("flaky", func(st *state.RunState) (*exec.Result, error) {
		return nil, errors.New("upstream exploded")
	})

	st := state.New("t1", "", "sop", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("engine must absorb skill failures: %v", err)
	}
	if out.Next != state.EndSentinel || !out.State.Failed() {
		t.Fatalf("expected failed END, got %s failed=%v", out.Next, out.State.Failed())
	}
	if out.State.FailedSkill() != "flaky" {
		t.Errorf("expected flaky as failed skill, got %q", out.State.FailedSkill())
	}
	if !contains(out.State.History, "Skill flaky failed: upstream exploded") {
		t.Errorf("history missing failure entry: %v", out.State.History)
	}
}

func TestEngine_HumanReviewPauseAndResume(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("draft")}
	h := newHarness(t, mock)
	reviewed := testSkill("draft", nil, []string{"draft"})
	reviewed.HITLEnabled = true
	h.saveSkill(t, reviewed)
	h.script("draft", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{"draft": "v1"}}, nil
	})

	st := state.New("t1", "", "draft and review", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next != NodeHumanReview || !out.Paused() {
		t.Fatalf("expected pause at human_review, got %s", out.Next)
	}
	if !contains(out.State.History, "Paused for human review after draft") {
		t.Errorf("history missing pause entry: %v", out.State.History)
	}

	// An approval edits the draft, then resumes.
	_, err = h.engine.UpdateState(context.Background(), "t1", func(st *state.RunState) error {
		st.DataStore["draft"] = "v2"
		return nil
	})
	if err != nil {
		t.Fatalf("update state: %v", err)
	}

	resumed, err := h.engine.Resume(context.Background(), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Next != state.EndSentinel {
		t.Fatalf("expected END after resume, got %s", resumed.Next)
	}
	if resumed.State.DataStore["draft"] != "v2" {
		t.Errorf("edited data must survive resume, got %v", resumed.State.DataStore["draft"])
	}
}

func TestEngine_PendingParksAtAwaitCallback(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("dispatch")}
	h := newHarness(t, mock)
	h.saveSkill(t, testSkill("dispatch", nil, []string{"result"}))
	h.script("dispatch", func(st *state.RunState) (*exec.Result, error) {
		st.AddRestPending("dispatch")
		return &exec.Result{Pending: true}, nil
	})

	st := state.New("t1", "", "dispatch and wait", nil, "mock-model", false)
	out, err := h.engine.Start(context.Background(), st)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next != NodeAwaitCallback {
		t.Fatalf("expected await_callback, got %s", out.Next)
	}
	if !contains(out.State.History, "Dispatched dispatch; awaiting callback") {
		t.Errorf("history missing dispatch entry: %v", out.State.History)
	}

	// The callback clears the pending marker and merges the result.
	_, err = h.engine.UpdateState(context.Background(), "t1", func(st *state.RunState) error {
		st.RemoveRestPending("dispatch")
		st.DataStore["result"] = "done"
		st.AppendHistory("Executed dispatch (REST callback)")
		return nil
	})
	if err != nil {
		t.Fatalf("update state: %v", err)
	}

	resumed, err := h.engine.Resume(context.Background(), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Next != state.EndSentinel {
		t.Fatalf("expected END, got %s", resumed.Next)
	}
	if resumed.State.Failed() {
		t.Errorf("run must complete cleanly: %v", resumed.State.FailureError())
	}
}

func TestEngine_ResumeUnknownThread(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Resume(context.Background(), "ghost"); !errors.Is(err, ErrNoRun) {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
}

func TestEngine_SnapshotReflectsProgress(t *testing.T) {
	mock := &model.MockChatModel{Responses: choose("draft")}
	h := newHarness(t, mock)
	reviewed := testSkill("draft", nil, []string{"draft"})
	reviewed.HITLEnabled = true
	h.saveSkill(t, reviewed)
	h.script("draft", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{"draft": "v1"}}, nil
	})

	st := state.New("t1", "", "sop", nil, "mock-model", false)
	if _, err := h.engine.Start(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	snap, next, err := h.engine.Snapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(next) != 1 || next[0] != NodeHumanReview {
		t.Errorf("expected next human_review, got %v", next)
	}
	if snap.DataStore["draft"] != "v1" {
		t.Errorf("snapshot missing executed output: %v", snap.DataStore)
	}
}

func contains(history []string, entry string) bool {
	for _, h := range history {
		if h == entry {
			return true
		}
	}
	return false
}
