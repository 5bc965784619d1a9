// Package gemini adapts Google's generative-ai-go SDK to the
// model.ChatModel interface.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/skillflow/model"
)

// Client is a model.ChatModel backed by the Gemini API.
// Safe for concurrent use.
type Client struct {
	client   *genai.Client
	model    string
	jsonMode bool
}

// Option configures a Client.
type Option func(*Client)

// WithJSONMode toggles application/json response MIME. It is suppressed
// automatically on exchanges that declare tools: Gemini does not combine
// forced-JSON output with function calling.
func WithJSONMode(enabled bool) Option {
	return func(c *Client) { c.jsonMode = enabled }
}

// New creates a Client for the given API key and model name
// (e.g. "gemini-1.5-flash"). JSON mode is on by default.
func New(ctx context.Context, apiKey, modelName string, opts ...Option) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c := &Client{client: client, model: modelName, jsonMode: true}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	gm := c.client.GenerativeModel(c.model)

	if sys := collectSystem(messages); sys != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Schema),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	} else if c.jsonMode {
		gm.ResponseMIMEType = "application/json"
	}

	history, last, err := convertConversation(messages)
	if err != nil {
		return model.ChatOut{}, err
	}
	cs := gm.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return model.ChatOut{}, model.ClassifyProviderError("gemini", err)
	}
	return parseResponse(resp)
}

// collectSystem joins all system turns into one instruction block.
func collectSystem(messages []model.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertConversation splits the provider-neutral turns into chat history
// plus the final parts to send. Gemini keys function responses by name,
// so the executor's ToolCallID (set to the function name by this adapter)
// rides through unchanged.
func convertConversation(messages []model.Message) (history []*genai.Content, last []genai.Part, err error) {
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if len(m.ToolCalls) > 0 {
				for _, call := range m.ToolCalls {
					content.Parts = append(content.Parts, genai.FunctionCall{
						Name: call.Name,
						Args: parseArgs(call.Args),
					})
				}
			} else {
				content.Parts = []genai.Part{genai.Text(m.Content)}
			}
			contents = append(contents, content)
		case model.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     m.ToolCallID,
					Response: parseResult(m.Content),
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("gemini: conversation has no sendable turns")
	}
	tail := contents[len(contents)-1]
	return contents[:len(contents)-1], tail.Parts, nil
}

func parseArgs(raw string) map[string]any {
	out := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func parseResult(content string) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return map[string]any{"result": content}
	}
	return out
}

func parseResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	out := model.ChatOut{}
	if resp == nil {
		return out, &model.ProviderError{Code: "parse_error", Message: "gemini returned nil response"}
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			out.Text += string(p)
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   p.Name,
				Name: p.Name,
				Args: string(args),
			})
		}
	}
	return out, nil
}

// toSchema converts a JSON-Schema style map into the SDK's Schema type.
// Only the subset the orchestrator's tool specs use is covered: object,
// string, number, integer, boolean, array.
func toSchema(spec map[string]any) *genai.Schema {
	if spec == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{Type: schemaType(spec["type"])}
	if desc, ok := spec["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := spec["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if child, ok := raw.(map[string]any); ok {
				s.Properties[name] = toSchema(child)
			}
		}
	}
	if items, ok := spec["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if req, ok := spec["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if req, ok := spec["required"].([]string); ok {
		s.Required = append(s.Required, req...)
	}
	return s
}

func schemaType(t any) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeObject
	}
}
