package exec

import (
	"context"
	"strings"
	"testing"

	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/tool"
)

func llmSkill() *skill.Skill {
	return &skill.Skill{
		Name:        "summarize",
		Description: "summarizes the record",
		Requires:    []string{"record"},
		Produces:    []string{"summary"},
		Executor:    skill.ExecutorLLM,
		Prompt:      "Summarize {record} briefly.",
	}
}

func TestExecute_LLMStructuredOutput(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"summary": "two items, both shipped"}`},
	}}
	r, registry := newTestRunner(t, mock)
	sk := saveSkill(t, registry, llmSkill())

	st := runState(map[string]any{"record": "order 1: shipped; order 2: shipped"})
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outputs["summary"] != "two items, both shipped" {
		t.Errorf("structured output not mapped: %v", res.Outputs)
	}

	call, ok := mock.LastCall()
	if !ok {
		t.Fatal("model was never called")
	}
	user := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(user, "Summarize order 1: shipped; order 2: shipped briefly.") {
		t.Errorf("prompt placeholders must render from inputs:\n%s", user)
	}
	if !strings.Contains(user, "test sop") {
		t.Errorf("user prompt must carry the procedure:\n%s", user)
	}
	if !strings.Contains(call.Messages[0].Content, "Do not call tools") {
		t.Errorf("system prompt must lead with the tool rule: %q", call.Messages[0].Content)
	}
}

func TestExecute_LLMEscapedDotKeys(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "```json\n{\"stats__count\": 3}\n```"},
	}}
	r, registry := newTestRunner(t, mock)
	sk := saveSkill(t, registry, &skill.Skill{
		Name:        "counter",
		Description: "counts things",
		Produces:    []string{"stats.count"},
		Executor:    skill.ExecutorLLM,
	})

	st := runState(nil)
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outputs["stats.count"] != float64(3) {
		t.Errorf("escaped key must map back to its dot path: %v", res.Outputs)
	}

	call, _ := mock.LastCall()
	user := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(user, "stats__count") {
		t.Errorf("schema must advertise the escaped key:\n%s", user)
	}
}

func TestExecute_LLMGarbageOutput(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "Sure! The summary is: everything is fine."},
	}}
	r, registry := newTestRunner(t, mock)
	sk := saveSkill(t, registry, llmSkill())

	st := runState(map[string]any{"record": "r"})
	_, err := r.Execute(context.Background(), sk, st, "")
	if err == nil || !strings.Contains(err.Error(), "no JSON object") {
		t.Errorf("non-JSON model output must be fatal, got %v", err)
	}
}

func TestExecute_LLMToolRounds(t *testing.T) {
	lookup := &tool.MockTool{
		ToolName:  "lookup",
		Responses: []map[string]any{{"value": "found"}},
	}
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup", Args: `{"key":"a"}`}}},
		{Text: `{"summary": "used the tool"}`},
	}}
	r, registry := newTestRunner(t, mock, func(cfg *Config) {
		cfg.Tools = tool.NewSet(lookup)
	})
	sk := saveSkill(t, registry, llmSkill())

	st := runState(map[string]any{"record": "r"})
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outputs["summary"] != "used the tool" {
		t.Errorf("unexpected outputs: %v", res.Outputs)
	}
	if lookup.CallCount() != 1 {
		t.Errorf("expected one tool invocation, got %d", lookup.CallCount())
	}

	// The second model call must carry the tool result back.
	if mock.CallCount() != 2 {
		t.Fatalf("expected 2 model calls, got %d", mock.CallCount())
	}
	last, _ := mock.LastCall()
	var toolMsg *model.Message
	for i := range last.Messages {
		if last.Messages[i].Role == model.RoleTool {
			toolMsg = &last.Messages[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "found") {
		t.Errorf("tool result must be replayed to the model: %+v", toolMsg)
	}
}

func TestExecute_LLMToolRoundLimit(t *testing.T) {
	greedy := &tool.MockTool{ToolName: "lookup", Responses: []map[string]any{{"v": 1}}}
	// The model asks for a tool on every turn until tools are withdrawn.
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup", Args: `{}`}}},
		{ToolCalls: []model.ToolCall{{ID: "c2", Name: "lookup", Args: `{}`}}},
		{ToolCalls: []model.ToolCall{{ID: "c3", Name: "lookup", Args: `{}`}}},
		{Text: `{"summary": "gave up on tools"}`},
	}}
	r, registry := newTestRunner(t, mock, func(cfg *Config) {
		cfg.Tools = tool.NewSet(greedy)
		cfg.ToolRounds = 2
	})
	sk := saveSkill(t, registry, llmSkill())

	st := runState(map[string]any{"record": "r"})
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outputs["summary"] != "gave up on tools" {
		t.Errorf("unexpected outputs: %v", res.Outputs)
	}
	if got := greedy.CallCount(); got != 2 {
		t.Errorf("tool must run at most ToolRounds times, got %d", got)
	}
}

func TestExecute_LLMUnknownTool(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "ghost", Args: `{}`}}},
		{Text: `{"summary": "recovered"}`},
	}}
	r, registry := newTestRunner(t, mock, func(cfg *Config) {
		cfg.Tools = tool.NewSet(&tool.MockTool{ToolName: "real"})
	})
	sk := saveSkill(t, registry, llmSkill())

	st := runState(map[string]any{"record": "r"})
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("an unknown tool call must not be fatal: %v", err)
	}
	if res.Outputs["summary"] != "recovered" {
		t.Errorf("unexpected outputs: %v", res.Outputs)
	}
	last, _ := mock.LastCall()
	var toolMsg string
	for _, m := range last.Messages {
		if m.Role == model.RoleTool {
			toolMsg = m.Content
		}
	}
	if !strings.Contains(toolMsg, "unknown tool") {
		t.Errorf("model must see the tool failure: %q", toolMsg)
	}
}
