package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/tool"
)

// hardToolRule leads every LLM skill's system prompt. Models offered
// tools will otherwise reach for them on tasks that never asked.
const hardToolRule = "Do not call tools unless the task instructions explicitly tell you to. " +
	"When the instructions do not mention a tool, answer from the provided inputs only."

// toolLimitResult is the synthetic tool result injected for calls
// rejected after the round cap.
const toolLimitResult = `{"error":"tool call limit reached"}`

// runLLM executes an LLM skill: one structured-output conversation,
// with at most toolRounds rounds of tool use before truncation.
func (r *Runner) runLLM(ctx context.Context, req *request) (map[string]any, error) {
	sk, st := req.sk, req.st

	name := sk.LLMModel
	if name == "" {
		name = st.LLMModel
	}
	m, err := r.models.For(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", sk.Name, err)
	}

	prompt := sk.Prompt
	if prompt != "" {
		prompt, err = renderTemplate(prompt, req.inputs)
		if err != nil {
			return nil, fmt.Errorf("skill %q prompt: %w", sk.Name, err)
		}
	}

	schema, keyMap := outputSchema(sk)
	system := hardToolRule
	if sk.SystemPrompt != "" {
		system += "\n\n" + sk.SystemPrompt
	}
	messages := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: buildUserPrompt(st.LaymanSOP, sk, prompt, req.inputs, schema)},
	}

	specs := toolSpecs(r.tools)
	for round := 0; ; round++ {
		out, err := model.ChatWithRetry(ctx, m, r.retry, messages, specs)
		if err != nil {
			return nil, fmt.Errorf("skill %q: model call failed: %w", sk.Name, err)
		}
		if len(out.ToolCalls) == 0 || specs == nil {
			return parseStructured(sk, out.Text, keyMap)
		}

		assistant := model.Message{
			Role:      model.RoleAssistant,
			Content:   out.Text,
			ToolCalls: out.ToolCalls,
			Raw:       out.Raw,
		}
		messages = append(messages, assistant)

		if round >= r.toolRounds {
			warn := fmt.Sprintf("skill %q exceeded the %d tool round limit; remaining tool calls rejected", sk.Name, r.toolRounds)
			r.bus.Warning(ctx, st.ThreadID, warn)
			r.logger.Warn(warn, "thread_id", st.ThreadID)
			for _, call := range out.ToolCalls {
				messages = append(messages, model.Message{
					Role:       model.RoleTool,
					ToolCallID: call.ID,
					Content:    toolLimitResult,
				})
			}
			specs = nil
			continue
		}

		for _, call := range out.ToolCalls {
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				ToolCallID: call.ID,
				Content:    r.invokeTool(ctx, call),
			})
		}
	}
}

// invokeTool runs one requested tool call and packages the result (or
// failure) as a JSON payload for the tool message.
func (r *Runner) invokeTool(ctx context.Context, call model.ToolCall) string {
	t, ok := r.tools.Lookup(call.Name)
	if !ok {
		return toolErrorPayload(fmt.Sprintf("unknown tool %q", call.Name))
	}
	args := map[string]any{}
	if call.Args != "" {
		if err := json.Unmarshal([]byte(call.Args), &args); err != nil {
			return toolErrorPayload(fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}
	out, err := t.Call(ctx, args)
	if err != nil {
		return toolErrorPayload(err.Error())
	}
	b, err := json.Marshal(out)
	if err != nil {
		return toolErrorPayload(fmt.Sprintf("unencodable tool result: %v", err))
	}
	return string(b)
}

func toolErrorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// outputSchema builds the structured-output JSON schema from the
// skill's declared outputs. Dots in key names are escaped to "__"
// because schema property names cannot carry path separators; keyMap
// translates the escaped names back.
func outputSchema(sk *skill.Skill) (map[string]any, map[string]string) {
	props := map[string]any{}
	keyMap := map[string]string{}
	required := make([]string, 0, len(sk.Produces))
	for _, key := range sk.Produces {
		esc := escapeKey(key)
		keyMap[esc] = key
		props[esc] = map[string]any{"description": "value for " + key}
		required = append(required, esc)
	}
	for _, key := range sk.OptionalProduces {
		esc := escapeKey(key)
		keyMap[esc] = key
		props[esc] = map[string]any{"description": "optional value for " + key}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, keyMap
}

func escapeKey(key string) string {
	return strings.ReplaceAll(key, ".", "__")
}

// buildUserPrompt assembles the single user turn: procedure, task,
// inputs, and the output contract.
func buildUserPrompt(sop string, sk *skill.Skill, prompt string, inputs map[string]any, schema map[string]any) string {
	var b strings.Builder
	if sop != "" {
		b.WriteString("Standard operating procedure:\n")
		b.WriteString(sop)
		b.WriteString("\n\n")
	}
	b.WriteString("Current task: ")
	b.WriteString(sk.Name)
	if sk.Description != "" {
		b.WriteString(" - ")
		b.WriteString(sk.Description)
	}
	b.WriteString("\n")
	if prompt != "" {
		b.WriteString("\n")
		b.WriteString(prompt)
		b.WriteString("\n")
	}
	if len(inputs) > 0 {
		b.WriteString("\nInputs:\n")
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(formatValue(inputs[k]))
			b.WriteString("\n")
		}
	}
	sb, _ := json.Marshal(schema)
	b.WriteString("\nRespond with a single JSON object and nothing else. Schema:\n")
	b.Write(sb)
	return b.String()
}

// parseStructured decodes the model's final text as the output object,
// tolerating markdown fences, and restores escaped key names.
func parseStructured(sk *skill.Skill, text string, keyMap map[string]string) (map[string]any, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, fmt.Errorf("skill %q: model returned no JSON object: %q", sk.Name, truncate(text, 200))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fmt.Errorf("skill %q: model output is not valid JSON: %w", sk.Name, err)
	}
	out := make(map[string]any, len(decoded))
	for k, v := range decoded {
		if orig, ok := keyMap[k]; ok {
			out[orig] = v
			continue
		}
		out[strings.ReplaceAll(k, "__", ".")] = v
	}
	return out, nil
}

// extractJSON returns the outermost JSON object embedded in text.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func toolSpecs(set tool.Set) []model.ToolSpec {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		t := set[name]
		specs = append(specs, model.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}
