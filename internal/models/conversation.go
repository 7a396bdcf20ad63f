// Package models contains shared types for the codex-temporal-go project.
package models

// ConversationItemType represents the type of a conversation item.
type ConversationItemType string

const (
	ItemTypeUserMessage       ConversationItemType = "user_message"
	ItemTypeAssistantMessage  ConversationItemType = "assistant_message"
	ItemTypeFunctionCall      ConversationItemType = "function_call"
	ItemTypeFunctionCallOutput ConversationItemType = "function_call_output"

	// ItemTypeTurnStarted and ItemTypeTurnComplete are synthetic markers
	// recorded into history so CLI clients can segment a resumed
	// transcript into turns without re-deriving turn boundaries from
	// user-message positions.
	ItemTypeTurnStarted ConversationItemType = "turn_started"
	ItemTypeTurnComplete ConversationItemType = "turn_complete"

	// ItemTypeModelSwitch records a mid-session model change so a resumed
	// transcript shows which model produced the items on either side of it.
	ItemTypeModelSwitch ConversationItemType = "model_switch"
)

// ConversationItem is one entry in a session's conversation history. It
// doubles as the wire shape sent to LLM clients and as the rollout's
// per-line record payload, so every item type the engine produces —
// messages, function calls, function call outputs, and turn/model
// bookkeeping markers — share this one struct with type-specific fields
// left zero.
type ConversationItem struct {
	Type ConversationItemType `json:"type"`

	// Seq is the item's position in the session's full history, assigned
	// by ConversationHistory on insert. Monotonic within a session;
	// re-assigned after history compaction drops older items. CLI clients
	// use it as a cursor for incremental long-poll reads.
	Seq int `json:"seq"`

	// TurnID identifies the turn that produced this item. Set on every
	// item type, including the user_message that starts a turn.
	TurnID string `json:"turn_id,omitempty"`

	// Content holds the text body for user_message and assistant_message
	// items.
	Content string `json:"content,omitempty"`

	// CallID, Name and Arguments are set on function_call items and echoed
	// back on the matching function_call_output item so the two can be
	// paired. Arguments is the raw JSON the model produced, not a decoded
	// map, so it round-trips through history and the rollout file exactly
	// as the model emitted it.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Output carries the result of a function_call_output item.
	Output *FunctionCallOutputPayload `json:"output,omitempty"`

	// Model is set on model_switch items to the newly active model name.
	Model string `json:"model,omitempty"`
}

// FunctionCallOutputPayload is the result of executing a tool call, attached
// to a function_call_output ConversationItem.
type FunctionCallOutputPayload struct {
	Content string `json:"content"`

	// Success is a pointer so "unknown" (nil) is distinguishable from an
	// explicit false; tool handlers that don't report a pass/fail signal
	// leave it nil and renderers treat nil as success.
	Success *bool `json:"success,omitempty"`
}

// FinishReason indicates why the LLM stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"           // Natural completion
	FinishReasonToolCalls     FinishReason = "tool_calls"     // LLM wants to call tools
	FinishReasonLength        FinishReason = "length"         // Hit token limit
	FinishReasonContentFilter FinishReason = "content_filter" // Content filtered
)

// TokenUsage tracks token consumption for one LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// CachedTokens is the portion of PromptTokens served from a provider's
	// prompt cache (Anthropic's cache_read_input_tokens, OpenAI's
	// cached_tokens).
	CachedTokens int `json:"cached_tokens,omitempty"`

	// CacheCreationTokens is the portion of PromptTokens newly written to
	// the provider's prompt cache on this call (Anthropic's
	// cache_creation_input_tokens). OpenAI has no equivalent and leaves
	// this zero.
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// WebSearchMode controls whether and how an LLM call may use a provider's
// hosted web search tool. The zero value (WebSearchModeOff) disables it.
type WebSearchMode string

const (
	WebSearchModeOff  WebSearchMode = ""
	WebSearchModeAuto WebSearchMode = "auto"
	WebSearchModeOn   WebSearchMode = "on"
)
