package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleToolResult, "tool_result"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_ToolUsesPreservesOrder(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []Block{
			TextBlock("clicking then typing"),
			ToolUseBlock("tu_1", "computer", "computer_20250124", json.RawMessage(`{"action":"left_click"}`)),
			ThinkingBlock("hmm", "sig"),
			ToolUseBlock("tu_2", "computer", "computer_20250124", json.RawMessage(`{"action":"type","text":"hi"}`)),
		},
	}

	uses := msg.ToolUses()
	if len(uses) != 2 {
		t.Fatalf("ToolUses() len = %d, want 2", len(uses))
	}
	if uses[0].ID != "tu_1" || uses[1].ID != "tu_2" {
		t.Errorf("ToolUses() ids = %q,%q, want tu_1,tu_2", uses[0].ID, uses[1].ID)
	}
	if got := msg.Text(); got != "clicking then typing" {
		t.Errorf("Text() = %q, want %q", got, "clicking then typing")
	}
}

func TestMessage_IsUserTurn(t *testing.T) {
	if !NewUserMessage("hi").IsUserTurn() {
		t.Error("user message should be a user turn")
	}
	if !(Message{Role: RoleToolResult}).IsUserTurn() {
		t.Error("tool_result message should be a user turn")
	}
	if (Message{Role: RoleAssistant}).IsUserTurn() {
		t.Error("assistant message should not be a user turn")
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := Message{
		Role: RoleToolResult,
		Blocks: []Block{
			ToolResultBlock("tu_1", []ContentPart{ImagePart("image/png", "AAAA")}, false),
		},
	}
	clone := orig.Clone()
	clone.Blocks[0].ToolResult.Content[0].Data = ""
	clone.Blocks[0].ToolResult.Content[0].Omitted = true

	if orig.Blocks[0].ToolResult.Content[0].Data != "AAAA" {
		t.Error("Clone() shares tool result content with the original")
	}
}

func TestBlock_JSONShape(t *testing.T) {
	block := ToolUseBlock("tu_1", "bash", "bash_20250124", json.RawMessage(`{"command":"ls"}`))
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Block
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Type != BlockToolUse {
		t.Errorf("Type = %q, want %q", decoded.Type, BlockToolUse)
	}
	if decoded.ToolUse == nil || decoded.ToolUse.Name != "bash" {
		t.Errorf("ToolUse = %+v, want name bash", decoded.ToolUse)
	}
}

func TestToolEvent_Duration(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	event := ToolEvent{StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)}
	if got := event.Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", got)
	}
	if got := (ToolEvent{StartedAt: start}).Duration(); got != 0 {
		t.Errorf("Duration() unfinished = %v, want 0", got)
	}
}
