package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/operative/pkg/models"
)

func staticTool(name string, result *ToolResult, err error) RegisteredTool {
	return RegisteredTool{
		Spec: ToolSpec{
			Name:        name,
			Version:     "test_v1",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
		Executor: ExecutorFunc(func(context.Context, json.RawMessage) (*ToolResult, error) {
			return result, err
		}),
	}
}

func TestNewToolRegistry_Validation(t *testing.T) {
	okExec := ExecutorFunc(func(context.Context, json.RawMessage) (*ToolResult, error) { return nil, nil })

	tests := []struct {
		name    string
		bundle  []RegisteredTool
		wantErr string
	}{
		{
			name:    "empty name",
			bundle:  []RegisteredTool{{Spec: ToolSpec{Name: " "}, Executor: okExec}},
			wantErr: "tool name is required",
		},
		{
			name:    "name too long",
			bundle:  []RegisteredTool{{Spec: ToolSpec{Name: strings.Repeat("x", MaxToolNameLength+1)}, Executor: okExec}},
			wantErr: "exceeds maximum length",
		},
		{
			name:    "missing executor",
			bundle:  []RegisteredTool{{Spec: ToolSpec{Name: "bash"}}},
			wantErr: "has no executor",
		},
		{
			name: "duplicate",
			bundle: []RegisteredTool{
				{Spec: ToolSpec{Name: "bash"}, Executor: okExec},
				{Spec: ToolSpec{Name: "bash"}, Executor: okExec},
			},
			wantErr: "registered twice",
		},
		{
			name:    "bad schema",
			bundle:  []RegisteredTool{{Spec: ToolSpec{Name: "bash", InputSchema: json.RawMessage(`{"type":12}`)}, Executor: okExec}},
			wantErr: "compile schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewToolRegistry(tt.bundle)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewToolRegistry() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestToolRegistry_SpecsKeepBundleOrder(t *testing.T) {
	registry, err := NewToolRegistry([]RegisteredTool{
		staticTool("computer", nil, nil),
		staticTool("bash", nil, nil),
		staticTool("str_replace_editor", nil, nil),
	})
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}

	specs := registry.Specs()
	want := []string{"computer", "bash", "str_replace_editor"}
	if len(specs) != len(want) {
		t.Fatalf("Specs() len = %d, want %d", len(specs), len(want))
	}
	for i, name := range want {
		if specs[i].Name != name {
			t.Errorf("Specs()[%d] = %q, want %q", i, specs[i].Name, name)
		}
	}
	if registry.Len() != 3 {
		t.Errorf("Len() = %d, want 3", registry.Len())
	}
	if _, ok := registry.Get("missing"); ok {
		t.Error("Get(missing) found a tool")
	}
}

func TestToolRegistry_Dispatch(t *testing.T) {
	registry, err := NewToolRegistry([]RegisteredTool{
		staticTool("ok", &ToolResult{Output: "hello", Image: "aW1n"}, nil),
		staticTool("fails", nil, errors.New("exit status 1")),
		staticTool("soft_fail", &ToolResult{Error: "file not found", System: "note"}, nil),
		staticTool("empty", nil, nil),
		{
			Spec: ToolSpec{Name: "panics", InputSchema: json.RawMessage(`{"type":"object"}`)},
			Executor: ExecutorFunc(func(context.Context, json.RawMessage) (*ToolResult, error) {
				panic("nil map write")
			}),
		},
	})
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}

	tests := []struct {
		name      string
		use       models.ToolUse
		wantError bool
		wantText  string
		wantParts int
	}{
		{"success with image", models.ToolUse{ID: "1", Name: "ok", Input: json.RawMessage(`{"command":"ls"}`)}, false, "hello", 2},
		{"executor error", models.ToolUse{ID: "2", Name: "fails", Input: json.RawMessage(`{"command":"ls"}`)}, true, "exit status 1", 1},
		{"result error", models.ToolUse{ID: "3", Name: "soft_fail", Input: json.RawMessage(`{"command":"ls"}`)}, true, "<system>note</system>\nfile not found", 1},
		{"nil result", models.ToolUse{ID: "4", Name: "empty", Input: json.RawMessage(`{"command":"ls"}`)}, false, "", 0},
		{"unknown tool", models.ToolUse{ID: "5", Name: "teleport", Input: json.RawMessage(`{}`)}, true, "unknown tool", 1},
		{"schema violation", models.ToolUse{ID: "6", Name: "ok", Input: json.RawMessage(`{}`)}, true, "invalid tool input", 1},
		{"malformed json", models.ToolUse{ID: "7", Name: "ok", Input: json.RawMessage(`{"command":`)}, true, "invalid tool input", 1},
		{"empty input uses object", models.ToolUse{ID: "8", Name: "panics"}, true, "tool panicked", 1},
		{"oversized input", models.ToolUse{ID: "9", Name: "ok", Input: make(json.RawMessage, MaxToolParamsSize+1)}, true, "exceed maximum size", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := registry.Dispatch(context.Background(), tt.use)
			if block.Type != models.BlockToolResult || block.ToolResult == nil {
				t.Fatalf("Dispatch() block = %+v, want tool_result", block)
			}
			tr := block.ToolResult
			if tr.ToolUseID != tt.use.ID {
				t.Errorf("ToolUseID = %q, want %q", tr.ToolUseID, tt.use.ID)
			}
			if tr.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", tr.IsError, tt.wantError)
			}
			if len(tr.Content) != tt.wantParts {
				t.Fatalf("content parts = %d, want %d", len(tr.Content), tt.wantParts)
			}
			if tt.wantParts > 0 && !strings.Contains(tr.Content[0].Text, tt.wantText) {
				t.Errorf("text = %q, want containing %q", tr.Content[0].Text, tt.wantText)
			}
		})
	}
}

func TestInterruptedResult(t *testing.T) {
	block := InterruptedResult(models.ToolUse{ID: "tu_9", Name: "bash"})
	tr := block.ToolResult
	if tr == nil || tr.ToolUseID != "tu_9" || !tr.IsError {
		t.Fatalf("InterruptedResult() = %+v, want error result for tu_9", tr)
	}
	if tr.Content[0].Text != "human stopped or interrupted tool execution" {
		t.Errorf("text = %q", tr.Content[0].Text)
	}
}

func TestToolResult_ToBlock(t *testing.T) {
	tests := []struct {
		name   string
		result *ToolResult
		want   []models.ContentPart
		err    bool
	}{
		{
			name:   "output only",
			result: &ToolResult{Output: "total 0"},
			want:   []models.ContentPart{models.TextPart("total 0")},
		},
		{
			name:   "image only",
			result: &ToolResult{Image: "cG5n"},
			want:   []models.ContentPart{models.ImagePart("image/png", "cG5n")},
		},
		{
			name:   "system note without output",
			result: &ToolResult{System: "restarted"},
			want:   []models.ContentPart{models.TextPart("<system>restarted</system>")},
		},
		{
			name:   "error drops image",
			result: &ToolResult{Error: "boom", Image: "cG5n"},
			want:   []models.ContentPart{models.TextPart("boom")},
			err:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := tt.result.ToBlock("id")
			tr := block.ToolResult
			if tr.IsError != tt.err {
				t.Errorf("IsError = %v, want %v", tr.IsError, tt.err)
			}
			if len(tr.Content) != len(tt.want) {
				t.Fatalf("Content = %+v, want %+v", tr.Content, tt.want)
			}
			for i := range tt.want {
				if tr.Content[i] != tt.want[i] {
					t.Errorf("Content[%d] = %+v, want %+v", i, tr.Content[i], tt.want[i])
				}
			}
		})
	}
}
