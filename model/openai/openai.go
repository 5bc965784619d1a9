// Package openai adapts the official openai-go SDK to the model.ChatModel
// interface. It supports JSON-object response mode (the structured-output
// contract the planner and the LLM executor rely on) and function tools.
package openai

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/skillflow/model"
)

// Client is a model.ChatModel backed by the OpenAI Chat Completions API.
//
// Safe for concurrent use. One Client serves every run on the process; the
// per-run model override is applied by constructing a Client per catalog
// model at startup, not per request.
type Client struct {
	client    *oai.Client
	model     string
	jsonMode  bool
	maxTokens int64
}

// Option configures a Client.
type Option func(*Client)

// WithJSONMode toggles the response_format=json_object request. The
// orchestrator leaves this on: every prompt it sends demands a JSON object
// back. Disable it for free-form usage.
func WithJSONMode(enabled bool) Option {
	return func(c *Client) { c.jsonMode = enabled }
}

// WithMaxTokens caps the completion length. Zero leaves the provider
// default in place.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a Client for the given API key and model name
// (e.g. "gpt-4o-mini"). JSON mode is on by default.
func New(apiKey, modelName string, opts ...Option) *Client {
	client := oai.NewClient(option.WithAPIKey(apiKey))
	c := &Client{
		client:   &client,
		model:    modelName,
		jsonMode: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if c.jsonMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: oai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(c.maxTokens)
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: oai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, model.ClassifyProviderError("openai", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, &model.ProviderError{
			Code:    "parse_error",
			Message: "openai returned no choices",
		}
	}

	msg := completion.Choices[0].Message
	out := model.ChatOut{
		Text: msg.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
		Raw: msg,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: call.Function.Arguments,
		})
	}
	return out, nil
}

// convertMessages maps provider-neutral messages onto the SDK's union
// params. Assistant turns carrying tool calls replay through the SDK's
// ToParam conversion when the native message is available; without it the
// turn and its results degrade to plain text, because a tool-role message
// with no structured tool_calls turn before it is a protocol violation.
func convertMessages(messages []model.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	nativeCalls := false
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case model.RoleAssistant:
			if native, ok := m.Raw.(oai.ChatCompletionMessage); ok {
				out = append(out, native.ToParam())
				nativeCalls = len(m.ToolCalls) > 0
				continue
			}
			nativeCalls = false
			if len(m.ToolCalls) > 0 {
				out = append(out, oai.AssistantMessage(describeToolCalls(m.ToolCalls)))
				continue
			}
			out = append(out, oai.AssistantMessage(m.Content))
		case model.RoleTool:
			if nativeCalls {
				out = append(out, oai.ToolMessage(m.Content, m.ToolCallID))
				continue
			}
			out = append(out, oai.UserMessage("Tool result: "+m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
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
