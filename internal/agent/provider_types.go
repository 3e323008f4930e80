package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/operative/pkg/models"
)

// LLMProvider defines the interface for chat-completion backends.
//
// Implementations handle the specifics of one wire API and present a
// streaming interface to the loop. Provider-side retries should be disabled;
// the loop owns retry and classifies failures through RetryableError.
//
// Thread Safety:
// Implementations must be safe for concurrent use.
//
// See Also:
//   - providers.AnthropicProvider for the Anthropic, Bedrock and Vertex backends
//   - tape.Replayer for deterministic playback in tests
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for one provider call.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "claude-3-7-sonnet-20250219",
//	    System:    "You are operating a Linux desktop.",
//	    Messages:  conv.Messages(),
//	    Tools:     registry.Specs(),
//	    MaxTokens: 4096,
//	}
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the tool specs the model may call.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the length of the generated response.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ThinkingBudget enables extended thinking with the given token budget when positive.
	ThinkingBudget int `json:"thinking_budget,omitempty"`

	// Betas lists provider beta flags to send with the request.
	Betas []string `json:"betas,omitempty"`

	// CacheBreakpoints holds indexes into Messages whose last block should
	// carry a prompt-cache marker. Providers without prompt caching ignore it.
	CacheBreakpoints []int `json:"cache_breakpoints,omitempty"`

	// CacheSystem asks the provider to mark the system prompt cacheable.
	CacheSystem bool `json:"cache_system,omitempty"`
}

// CompletionChunk represents a single event in a streaming response.
//
// Text and Thinking are display deltas. Block carries a content block once
// the provider has closed it; only closed blocks become part of the
// assistant message.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// Thinking contains partial reasoning text.
	Thinking string `json:"thinking,omitempty"`

	// Block is a completed content block.
	Block *models.Block `json:"block,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// StopReason is set on the final chunk.
	StopReason string `json:"stop_reason,omitempty"`

	// Error contains any error that occurred (streaming is terminated).
	Error error `json:"-"`

	// Usage figures, populated on the final chunk.
	InputTokens         int `json:"input_tokens,omitempty"`
	OutputTokens        int `json:"output_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// ToolSpec describes a tool offered to the model. It is immutable once registered.
type ToolSpec struct {
	// Name is the function name the model uses to call the tool.
	Name string `json:"name"`

	// Type is the provider-facing tool type, such as "computer_20250124".
	// Empty for plain custom tools.
	Type string `json:"type,omitempty"`

	// Version is the protocol version the tool belongs to.
	Version string `json:"version,omitempty"`

	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`

	// Display is set for the computer tool.
	Display *DisplaySpec `json:"display,omitempty"`
}

// DisplaySpec advertises the model-space screen to the provider.
type DisplaySpec struct {
	WidthPx       int `json:"display_width_px"`
	HeightPx      int `json:"display_height_px"`
	DisplayNumber int `json:"display_number,omitempty"`
}

// Executor runs one tool. Input has already passed schema validation.
//
// An executor reports failures either by returning an error, which becomes
// an error result, or by returning a ToolResult with Error set.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (*ToolResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	return f(ctx, input)
}

// ToolResult is what an executor produces.
type ToolResult struct {
	// Output is the textual output.
	Output string `json:"output,omitempty"`

	// Error marks the result as failed and carries the message.
	Error string `json:"error,omitempty"`

	// Image is a base64 encoded PNG.
	Image string `json:"image,omitempty"`

	// System is a note from the harness rather than the tool, such as a
	// restart notice. It is prefixed to the text sent to the model.
	System string `json:"system,omitempty"`
}

// IsError reports whether the result represents a failure.
func (r *ToolResult) IsError() bool {
	return r != nil && r.Error != ""
}

// ErrorResult builds a failed ToolResult from err.
func ErrorResult(err error) *ToolResult {
	return &ToolResult{Error: err.Error()}
}

// ToBlock converts r into the tool_result block answering toolUseID.
// A failed result carries only its error text; otherwise the output text and
// the screenshot are attached.
func (r *ToolResult) ToBlock(toolUseID string) models.Block {
	if r == nil {
		return models.ToolResultBlock(toolUseID, nil, false)
	}
	if r.Error != "" {
		return models.ToolResultBlock(toolUseID, []models.ContentPart{
			models.TextPart(withSystemPrefix(r.System, r.Error)),
		}, true)
	}

	var parts []models.ContentPart
	if r.Output != "" {
		parts = append(parts, models.TextPart(withSystemPrefix(r.System, r.Output)))
	} else if r.System != "" {
		parts = append(parts, models.TextPart(withSystemPrefix(r.System, "")))
	}
	if r.Image != "" {
		parts = append(parts, models.ImagePart("image/png", r.Image))
	}
	return models.ToolResultBlock(toolUseID, parts, false)
}

func withSystemPrefix(system, text string) string {
	if system == "" {
		return text
	}
	if text == "" {
		return "<system>" + system + "</system>"
	}
	return "<system>" + system + "</system>\n" + text
}
