package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/operative/pkg/models"
)

func assistantWithUses(ids ...string) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	for _, id := range ids {
		msg.Blocks = append(msg.Blocks, models.ToolUseBlock(id, "computer", "", json.RawMessage(`{"action":"screenshot"}`)))
	}
	return msg
}

func screenshotResults(ids ...string) models.Message {
	msg := models.Message{Role: models.RoleToolResult}
	for _, id := range ids {
		msg.Blocks = append(msg.Blocks, models.ToolResultBlock(id, []models.ContentPart{
			models.TextPart("took screenshot"),
			models.ImagePart("image/png", "img-"+id),
		}, false))
	}
	return msg
}

func TestConversation_AppendRequiresAnswers(t *testing.T) {
	conv := NewConversation(RetentionPolicy{})
	if err := conv.Append(models.NewUserMessage("open firefox")); err != nil {
		t.Fatalf("Append(user) error = %v", err)
	}
	if err := conv.Append(assistantWithUses("a", "b")); err != nil {
		t.Fatalf("Append(assistant) error = %v", err)
	}

	if got := len(conv.PendingToolUses()); got != 2 {
		t.Errorf("PendingToolUses() = %d, want 2", got)
	}
	if err := conv.Append(models.NewUserMessage("hurry up")); err == nil {
		t.Error("Append(user) with pending tool uses should fail")
	}
	if err := conv.Append(screenshotResults("a")); err == nil {
		t.Error("Append() answering only one of two uses should fail")
	}
	if err := conv.Append(screenshotResults("a", "zzz")); err == nil {
		t.Error("Append() answering an unknown use should fail")
	}
	if err := conv.Append(models.Message{Role: models.RoleToolResult, Blocks: []models.Block{models.TextBlock("hi")}}); err == nil {
		t.Error("Append() with a text block in a tool_result message should fail")
	}
	if err := conv.Append(screenshotResults("b", "a")); err != nil {
		t.Fatalf("Append(results) error = %v", err)
	}
	if got := len(conv.PendingToolUses()); got != 0 {
		t.Errorf("PendingToolUses() = %d, want 0", got)
	}
	if conv.Len() != 3 || conv.Turns() != 1 {
		t.Errorf("Len() = %d, Turns() = %d, want 3 and 1", conv.Len(), conv.Turns())
	}
}

func TestConversation_AppendRejectsDuplicateUseIDs(t *testing.T) {
	tests := []struct {
		name    string
		history []models.Message
		msg     models.Message
		wantErr string
	}{
		{
			name:    "repeated within a reply",
			msg:     assistantWithUses("a", "a"),
			wantErr: `duplicate tool use id "a"`,
		},
		{
			name:    "reused from an earlier turn",
			history: []models.Message{assistantWithUses("a"), screenshotResults("a")},
			msg:     assistantWithUses("b", "a"),
			wantErr: `duplicate tool use id "a"`,
		},
		{
			name:    "missing id",
			msg:     assistantWithUses(""),
			wantErr: "has no id",
		},
		{
			name:    "fresh ids",
			history: []models.Message{assistantWithUses("a"), screenshotResults("a")},
			msg:     assistantWithUses("b", "c"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewConversation(RetentionPolicy{})
			for _, m := range append([]models.Message{models.NewUserMessage("go")}, tt.history...) {
				if err := conv.Append(m); err != nil {
					t.Fatalf("Append(history) error = %v", err)
				}
			}
			before := conv.Len()

			err := conv.Append(tt.msg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Append() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Append() error = %v, want %q", err, tt.wantErr)
			}
			if conv.Len() != before {
				t.Errorf("Len() = %d, want %d after a rejected append", conv.Len(), before)
			}
		})
	}
}

func TestConversation_MessagesAreCopies(t *testing.T) {
	conv := NewConversation(RetentionPolicy{})
	msg := models.NewUserMessage("original")
	if err := conv.Append(msg); err != nil {
		t.Fatal(err)
	}
	msg.Blocks[0].Text = "mutated by caller"

	got := conv.Messages()
	got[0].Blocks[0].Text = "mutated by reader"

	if text := conv.Messages()[0].Text(); text != "original" {
		t.Errorf("stored text = %q, want original", text)
	}
}

func TestTrimImages(t *testing.T) {
	build := func(n int) []models.Message {
		var msgs []models.Message
		for i := 0; i < n; i++ {
			msgs = append(msgs, screenshotResults(fmt.Sprintf("t%d", i)))
		}
		return msgs
	}
	kept := func(msgs []models.Message) []string {
		var out []string
		for _, m := range msgs {
			for _, part := range m.Blocks[0].ToolResult.Content {
				if part.Type == models.PartImage {
					out = append(out, part.Data)
				}
			}
		}
		return out
	}

	tests := []struct {
		name   string
		images int
		policy RetentionPolicy
		want   []string
	}{
		{"disabled", 4, RetentionPolicy{}, []string{"img-t0", "img-t1", "img-t2", "img-t3"}},
		{"under limit", 3, RetentionPolicy{KeepImages: 3}, []string{"img-t0", "img-t1", "img-t2"}},
		{"one over, chunk of three waits", 4, RetentionPolicy{KeepImages: 3}, []string{"img-t0", "img-t1", "img-t2", "img-t3"}},
		{"three over removes chunk", 6, RetentionPolicy{KeepImages: 3}, []string{"img-t3", "img-t4", "img-t5"}},
		{"threshold of one", 5, RetentionPolicy{KeepImages: 2, MinRemovalThreshold: 1}, []string{"img-t3", "img-t4"}},
		{"threshold of two", 5, RetentionPolicy{KeepImages: 2, MinRemovalThreshold: 2}, []string{"img-t2", "img-t3", "img-t4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := build(tt.images)
			out := TrimImages(in, tt.policy)
			got := kept(out)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("kept images = %v, want %v", got, tt.want)
			}
			if len(kept(in)) != tt.images {
				t.Error("TrimImages modified its input")
			}
		})
	}
}

func TestTrimImages_Placeholder(t *testing.T) {
	msgs := []models.Message{screenshotResults("a"), screenshotResults("b")}
	out := TrimImages(msgs, RetentionPolicy{KeepImages: 1})

	part := out[0].Blocks[0].ToolResult.Content[1]
	if part.Type != models.PartText || part.Text != models.OmittedImagePlaceholder || !part.Omitted {
		t.Errorf("trimmed part = %+v, want omitted placeholder", part)
	}
	if text := out[0].Blocks[0].ToolResult.Content[0].Text; text != "took screenshot" {
		t.Errorf("text part = %q, want it kept", text)
	}
}

func TestConversation_AppendTrims(t *testing.T) {
	conv := NewConversation(RetentionPolicy{KeepImages: 1})
	if err := conv.Append(models.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b"} {
		if err := conv.Append(assistantWithUses(id)); err != nil {
			t.Fatal(err)
		}
		if err := conv.Append(screenshotResults(id)); err != nil {
			t.Fatal(err)
		}
	}

	msgs := conv.Messages()
	if !msgs[2].Blocks[0].ToolResult.Content[1].Omitted {
		t.Error("first screenshot should have been trimmed")
	}
	if msgs[4].Blocks[0].ToolResult.Content[1].Type != models.PartImage {
		t.Error("latest screenshot should be kept")
	}
}

func TestCacheBreakpoints(t *testing.T) {
	msgs := []models.Message{
		models.NewUserMessage("go"),
		assistantWithUses("a"),
		screenshotResults("a"),
		assistantWithUses("b"),
		screenshotResults("b"),
		{Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock("done")}},
	}

	tests := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{1, []int{4}},
		{2, []int{4, 2}},
		{3, []int{4, 2, 0}},
		{5, []int{4, 2, 0}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			got := CacheBreakpoints(msgs, tt.n)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("CacheBreakpoints(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestConversation_MarkCacheBoundaries(t *testing.T) {
	conv := NewConversation(RetentionPolicy{})
	_ = conv.Append(models.NewUserMessage("go"))

	if got := conv.MarkCacheBoundaries(3); fmt.Sprint(got) != "[0]" {
		t.Errorf("MarkCacheBoundaries() = %v, want [0]", got)
	}
	if got := conv.CacheBoundaries(); fmt.Sprint(got) != "[0]" {
		t.Errorf("CacheBoundaries() = %v, want [0]", got)
	}
}
