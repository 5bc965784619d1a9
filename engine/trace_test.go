package engine

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/skillflow/exec"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/state"
)

// TestEngine_EmitsSpansPerRun runs one workflow under an in-memory span
// exporter and verifies the run, planner, and skill spans show up.
func TestEngine_EmitsSpansPerRun(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	mock := &model.MockChatModel{Responses: choose("sum")}
	h := newHarness(t, mock)
	h.engine.tracer = tp.Tracer("engine-test")
	h.saveSkill(t, testSkill("sum", []string{"a", "b"}, []string{"total"}))
	h.script("sum", func(st *state.RunState) (*exec.Result, error) {
		return &exec.Result{Outputs: map[string]any{"total": float64(5)}}, nil
	})

	st := state.New("t1", "", "add a and b", map[string]any{"a": 2, "b": 3}, "mock-model", false)
	if _, err := h.engine.Start(context.Background(), st); err != nil {
		t.Fatalf("start: %v", err)
	}

	counts := map[string]int{}
	var runSpan tracetest.SpanStub
	for _, span := range exporter.GetSpans() {
		counts[span.Name]++
		if span.Name == "skillflow.run" {
			runSpan = span
		}
	}
	if counts["skillflow.run"] != 1 {
		t.Errorf("expected one run span, got %d", counts["skillflow.run"])
	}
	if counts["skillflow.skill"] != 1 {
		t.Errorf("expected one skill span, got %d", counts["skillflow.skill"])
	}
	if counts["skillflow.planner"] < 1 {
		t.Error("expected at least one planner span")
	}

	var found bool
	for _, attr := range runSpan.Attributes {
		if attr.Key == attribute.Key("thread_id") && attr.Value.AsString() == "t1" {
			found = true
		}
	}
	if !found {
		t.Errorf("run span missing thread_id attribute: %v", runSpan.Attributes)
	}
}
