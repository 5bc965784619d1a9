// Package anthropic adapts the official anthropic-sdk-go SDK to the
// model.ChatModel interface, including tool-use blocks.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/skillflow/model"
)

// defaultMaxTokens is the completion cap when none is configured. The
// Messages API requires an explicit value.
const defaultMaxTokens = 4096

// Client is a model.ChatModel backed by the Anthropic Messages API.
// Safe for concurrent use.
type Client struct {
	client    *ant.Client
	model     string
	maxTokens int64
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a Client for the given API key and model name
// (e.g. "claude-3-5-sonnet-20241022").
func New(apiKey, modelName string, opts ...Option) *Client {
	client := ant.NewClient(option.WithAPIKey(apiKey))
	c := &Client{
		client:    &client,
		model:     modelName,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat implements model.ChatModel.
//
// System messages are lifted out of the conversation into the API's
// dedicated system field; the Messages API rejects a system role inside
// the turn list.
func (c *Client) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := ant.MessageNewParams{
		Model:     ant.Model(c.model),
		MaxTokens: c.maxTokens,
	}

	for _, m := range messages {
		if m.Role == model.RoleSystem {
			params.System = append(params.System, ant.TextBlockParam{Text: m.Content})
		}
	}
	params.Messages = convertMessages(messages)

	for _, t := range tools {
		props, _ := t.Schema["properties"].(map[string]any)
		params.Tools = append(params.Tools, ant.ToolUnionParam{
			OfTool: &ant.ToolParam{
				Name:        t.Name,
				Description: ant.String(t.Description),
				InputSchema: ant.ToolInputSchemaParam{Properties: props},
			},
		})
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, model.ClassifyProviderError("anthropic", err)
	}

	out := model.ChatOut{
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		Raw: message,
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: rawJSON(block.Input),
			})
		}
	}
	return out, nil
}

// rawJSON renders a tool-use input block as its JSON text regardless of
// how the SDK surfaces it (raw message or decoded map).
func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// convertMessages maps provider-neutral turns onto MessageParams. System
// turns are skipped here (handled by the caller); assistant turns with
// tool calls replay via the native message's ToParam when available.
func convertMessages(messages []model.Message) []ant.MessageParam {
	out := make([]ant.MessageParam, 0, len(messages))
	nativeCalls := false
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleAssistant:
			if native, ok := m.Raw.(*ant.Message); ok {
				out = append(out, native.ToParam())
				nativeCalls = len(m.ToolCalls) > 0
				continue
			}
			nativeCalls = false
			text := m.Content
			if len(m.ToolCalls) > 0 {
				text = describeToolCalls(m.ToolCalls)
			}
			out = append(out, ant.NewAssistantMessage(ant.NewTextBlock(text)))
		case model.RoleTool:
			if nativeCalls {
				out = append(out, ant.NewUserMessage(ant.NewToolResultBlock(m.ToolCallID, m.Content, false)))
				continue
			}
			out = append(out, ant.NewUserMessage(ant.NewTextBlock("Tool result: "+m.Content)))
		default:
			out = append(out, ant.NewUserMessage(ant.NewTextBlock(m.Content)))
		}
	}
	return out
}

func describeToolCalls(calls []model.ToolCall) string {
	s := "Requested tool calls:"
	for _, c := range calls {
		s += fmt.Sprintf(" %s(%s)", c.Name, c.Args)
	}
	return s
}
