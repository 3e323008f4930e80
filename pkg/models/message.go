package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// BlockType tags the variant held by a Block.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
)

// PartType tags a piece of tool result content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// OmittedImagePlaceholder replaces screenshots dropped by retention trimming.
const OmittedImagePlaceholder = "[screenshot omitted]"

// Message is one conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Block is a tagged union. Exactly one of the variant fields is populated,
// selected by Type.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking: encrypted reasoning that must be replayed verbatim.
	Data string `json:"data,omitempty"`

	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse is a model request to run a tool.
type ToolUse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Input   json.RawMessage `json:"input"`
}

// ToolResult answers exactly one ToolUse.
type ToolResult struct {
	ToolUseID string        `json:"tool_use_id"`
	Content   []ContentPart `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
}

// ContentPart is a text or image fragment of a tool result.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	// Data is base64 encoded image data.
	Data    string `json:"data,omitempty"`
	Omitted bool   `json:"omitted,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking block. The signature must be sent back
// to the provider unchanged.
func ThinkingBlock(thinking, signature string) Block {
	return Block{Type: BlockThinking, Thinking: thinking, Signature: signature}
}

// RedactedThinkingBlock wraps an encrypted thinking payload.
func RedactedThinkingBlock(data string) Block {
	return Block{Type: BlockRedactedThinking, Data: data}
}

// ToolUseBlock builds a tool_use block.
func ToolUseBlock(id, name, version string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Version: version, Input: input}}
}

// ToolResultBlock builds a tool_result block.
func ToolResultBlock(toolUseID string, content []ContentPart, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds a base64 image content part.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{Type: PartImage, MediaType: mediaType, Data: data}
}

// NewUserMessage wraps plain text in a user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock(text)}, CreatedAt: time.Now()}
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// IsUserTurn reports whether the message is sent with the provider's user role.
func (m Message) IsUserTurn() bool {
	return m.Role == RoleUser || m.Role == RoleToolResult
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, CreatedAt: m.CreatedAt, Blocks: make([]Block, len(m.Blocks))}
	for i, b := range m.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	out := b
	if b.ToolUse != nil {
		tu := *b.ToolUse
		tu.Input = append(json.RawMessage(nil), b.ToolUse.Input...)
		out.ToolUse = &tu
	}
	if b.ToolResult != nil {
		tr := *b.ToolResult
		tr.Content = append([]ContentPart(nil), b.ToolResult.Content...)
		out.ToolResult = &tr
	}
	return out
}
