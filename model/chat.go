// Package model defines the chat-model abstraction the planner and the LLM
// executor speak, the provider-neutral message and tool types, the known-model
// catalog used to validate run requests, and a retry helper for transient
// provider failures.
//
// Concrete providers live in the subpackages model/openai, model/anthropic,
// and model/gemini. Tests use MockChatModel.
package model

import "context"

// ChatModel is the minimal interface to a conversational LLM.
//
// Implementations must be safe for concurrent use: the orchestrator shares
// one ChatModel across every run on the process.
//
// The tools parameter advertises callable tools for this exchange; pass nil
// to disable tool use. When the model chooses to call a tool, ChatOut.
// ToolCalls is non-empty and Text may be empty; the caller executes the
// tool, appends a RoleTool message with the result, and calls Chat again.
type ChatModel interface {
	// Chat sends the conversation and returns the model's reply.
	//
	// Returns an error for transport or provider failures. Provider
	// implementations normalize failures to *ProviderError so callers can
	// retry transient ones (rate limits, timeouts, 5xx).
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text. For RoleTool messages it carries the
	// tool's result payload.
	Content string

	// ToolCalls is set on RoleAssistant messages in which the model
	// requested tool invocations.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool result back to the assistant's request.
	ToolCallID string

	// Raw optionally carries the provider-native message this Message was
	// built from. Adapters use it to replay assistant tool-call turns
	// faithfully (via the SDK's ToParam-style conversion) instead of
	// reconstructing them field by field. Opaque to everything else.
	Raw any
}

// Message roles.
const (
	// RoleSystem sets context or instructions for the model.
	RoleSystem = "system"

	// RoleUser is input from the application.
	RoleUser = "user"

	// RoleAssistant is a reply from the model.
	RoleAssistant = "assistant"

	// RoleTool carries the result of a tool invocation back to the model.
	RoleTool = "tool"
)

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	// Name is the tool identifier the model uses to call it.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// Schema is a JSON-Schema object describing the tool's arguments,
	// e.g. {"type":"object","properties":{"url":{"type":"string"}}}.
	Schema map[string]any
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back on the
	// RoleTool result message. Providers without call IDs leave it empty.
	ID string

	// Name is the requested tool.
	Name string

	// Args is the raw JSON argument object.
	Args string
}

// Usage reports token consumption for one exchange.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ChatOut is the model's reply.
type ChatOut struct {
	// Text is the assistant's textual reply. Empty when the model chose to
	// call tools instead.
	Text string

	// ToolCalls holds requested tool invocations, in order.
	ToolCalls []ToolCall

	// Usage is the provider-reported token accounting, when available.
	Usage Usage

	// Raw is the provider-native assistant message, for faithful replay of
	// tool-call turns. Copy it onto the assistant Message you append to
	// the conversation. May be nil (mocks).
	Raw any
}
