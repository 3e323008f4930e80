package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

func sseServer(t *testing.T, status int, events []string, capture func(r *http.Request, body []byte)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if capture != nil {
			capture(r, body)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("request-id", "req_test_1")
			w.WriteHeader(status)
			fmt.Fprint(w, events[0])
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintln(w, event)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func sseEvent(data string) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(data), &head)
	return "event: " + head.Type + "\ndata: " + data + "\n"
}

func newTestProvider(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(context.Background(), AnthropicConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	return p
}

func collect(t *testing.T, ch <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AnthropicConfig
		wantErr string
		model   string
	}{
		{name: "missing key", cfg: AnthropicConfig{}, wantErr: "API key is required"},
		{name: "default model", cfg: AnthropicConfig{APIKey: "k"}, model: "claude-3-7-sonnet-20250219"},
		{name: "explicit model", cfg: AnthropicConfig{APIKey: "k", DefaultModel: "claude-x"}, model: "claude-x"},
		{name: "vertex needs project", cfg: AnthropicConfig{Backend: BackendVertex, VertexRegion: "us-east5"}, wantErr: "region and project id are required"},
		{name: "vertex bad credentials file", cfg: AnthropicConfig{Backend: BackendVertex, VertexRegion: "r", VertexProjectID: "p", VertexCredentialsFile: "/nonexistent/creds.json"}, wantErr: "read credentials"},
		{name: "unknown backend", cfg: AnthropicConfig{Backend: "azure"}, wantErr: "unknown provider backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAnthropicProvider(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if p.defaultModel != tt.model {
				t.Errorf("defaultModel = %q, want %q", p.defaultModel, tt.model)
			}
			if p.Name() != "anthropic" {
				t.Errorf("Name() = %q, want anthropic", p.Name())
			}
		})
	}
}

func TestDefaultModel(t *testing.T) {
	tests := map[Backend]string{
		BackendAnthropic: "claude-3-7-sonnet-20250219",
		BackendBedrock:   "anthropic.claude-3-5-sonnet-20241022-v2:0",
		BackendVertex:    "claude-3-5-sonnet-v2@20241022",
	}
	for backend, want := range tests {
		if got := DefaultModel(backend); got != want {
			t.Errorf("DefaultModel(%s) = %q, want %q", backend, got, want)
		}
	}
}

func TestComplete_StreamsBlocks(t *testing.T) {
	events := []string{
		sseEvent(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":42,"output_tokens":1,"cache_read_input_tokens":7}}}`),
		sseEvent(`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`),
		sseEvent(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Need a screenshot."}}`),
		sseEvent(`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}`),
		sseEvent(`{"type":"content_block_stop","index":0}`),
		sseEvent(`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		sseEvent(`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Taking"}}`),
		sseEvent(`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" a look"}}`),
		sseEvent(`{"type":"content_block_stop","index":1}`),
		sseEvent(`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"computer","input":{}}}`),
		sseEvent(`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"action\":"}}`),
		sseEvent(`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"screenshot\"}"}}`),
		sseEvent(`{"type":"content_block_stop","index":2}`),
		sseEvent(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`),
		sseEvent(`{"type":"message_stop"}`),
	}
	server := sseServer(t, http.StatusOK, events, nil)
	p := newTestProvider(t, server.URL)

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.NewUserMessage("open the browser")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	chunks := collect(t, ch)

	var text, thinking strings.Builder
	var blocks []models.Block
	var done *agent.CompletionChunk
	for _, c := range chunks {
		if c.Error != nil {
			t.Fatalf("chunk error = %v", c.Error)
		}
		text.WriteString(c.Text)
		thinking.WriteString(c.Thinking)
		if c.Block != nil {
			blocks = append(blocks, *c.Block)
		}
		if c.Done {
			done = c
		}
	}

	if text.String() != "Taking a look" {
		t.Errorf("text deltas = %q", text.String())
	}
	if thinking.String() != "Need a screenshot." {
		t.Errorf("thinking deltas = %q", thinking.String())
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	if blocks[0].Type != models.BlockThinking || blocks[0].Signature != "sig-abc" {
		t.Errorf("thinking block = %+v, want signature sig-abc", blocks[0])
	}
	if blocks[1].Text != "Taking a look" {
		t.Errorf("text block = %q", blocks[1].Text)
	}
	use := blocks[2].ToolUse
	if use == nil || use.ID != "toolu_1" || use.Name != "computer" || string(use.Input) != `{"action":"screenshot"}` {
		t.Errorf("tool use = %+v", use)
	}
	if done == nil {
		t.Fatal("no Done chunk")
	}
	if done.InputTokens != 42 || done.OutputTokens != 30 || done.CacheReadTokens != 7 || done.StopReason != "tool_use" {
		t.Errorf("done = %+v", done)
	}
}

func TestComplete_KeepsRedactedThinking(t *testing.T) {
	events := []string{
		sseEvent(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":5,"output_tokens":1}}}`),
		sseEvent(`{"type":"content_block_start","index":0,"content_block":{"type":"redacted_thinking","data":"enc-xyz"}}`),
		sseEvent(`{"type":"content_block_stop","index":0}`),
		sseEvent(`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		sseEvent(`{"type":"content_block_stop","index":1}`),
		sseEvent(`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"computer","input":{}}}`),
		sseEvent(`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"action\":\"screenshot\"}"}}`),
		sseEvent(`{"type":"content_block_stop","index":2}`),
		sseEvent(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`),
		sseEvent(`{"type":"message_stop"}`),
	}
	server := sseServer(t, http.StatusOK, events, nil)
	p := newTestProvider(t, server.URL)

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.NewUserMessage("open the browser")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var blocks []models.Block
	for _, c := range collect(t, ch) {
		if c.Error != nil {
			t.Fatalf("chunk error = %v", c.Error)
		}
		if c.Block != nil {
			blocks = append(blocks, *c.Block)
		}
	}

	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2 (empty text dropped)", len(blocks))
	}
	if blocks[0].Type != models.BlockRedactedThinking || blocks[0].Data != "enc-xyz" {
		t.Errorf("blocks[0] = %+v, want redacted_thinking enc-xyz", blocks[0])
	}
	if blocks[1].Type != models.BlockToolUse {
		t.Errorf("blocks[1].Type = %v, want %v", blocks[1].Type, models.BlockToolUse)
	}
}

func TestConvertMessages_ReplaysRedactedThinking(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage("hi"),
		{Role: models.RoleAssistant, Blocks: []models.Block{
			models.RedactedThinkingBlock("enc-xyz"),
			models.TextBlock("hello"),
		}},
	}
	params, err := convertMessages(messages, nil)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"redacted_thinking"`) || !strings.Contains(string(raw), `"data":"enc-xyz"`) {
		t.Errorf("request = %s, want redacted_thinking block with data", raw)
	}
}

func TestComplete_ErrorStatusIsClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		reason    FailoverReason
		retryable bool
	}{
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, FailoverServerError, true},
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, FailoverRateLimit, true},
		{"bad request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"messages: roles must alternate"}}`, FailoverInvalidRequest, false},
		{"auth", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, FailoverAuth, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := sseServer(t, tt.status, []string{tt.body}, nil)
			p := newTestProvider(t, server.URL)

			ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []models.Message{models.NewUserMessage("hi")},
			})
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			chunks := collect(t, ch)
			if len(chunks) == 0 || chunks[len(chunks)-1].Error == nil {
				t.Fatalf("chunks = %+v, want trailing error", chunks)
			}
			streamErr := chunks[len(chunks)-1].Error

			pe, ok := GetProviderError(streamErr)
			if !ok {
				t.Fatalf("error = %T %v, want *ProviderError", streamErr, streamErr)
			}
			if pe.Reason != tt.reason {
				t.Errorf("Reason = %v, want %v", pe.Reason, tt.reason)
			}
			if pe.Status != tt.status {
				t.Errorf("Status = %d, want %d", pe.Status, tt.status)
			}
			if agent.IsRetryable(streamErr) != tt.retryable {
				t.Errorf("agent.IsRetryable() = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestComplete_RequestShape(t *testing.T) {
	var body map[string]any
	var betaHeader string
	events := []string{
		sseEvent(`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`),
		sseEvent(`{"type":"message_stop"}`),
	}
	server := sseServer(t, http.StatusOK, events, func(r *http.Request, raw []byte) {
		betaHeader = r.Header.Get("anthropic-beta")
		_ = json.Unmarshal(raw, &body)
	})
	p := newTestProvider(t, server.URL)

	messages := []models.Message{
		models.NewUserMessage("click the button"),
		{Role: models.RoleAssistant, Blocks: []models.Block{
			models.ToolUseBlock("toolu_1", "computer", "computer_use_20250124", json.RawMessage(`{"action":"screenshot"}`)),
		}},
		{Role: models.RoleToolResult, Blocks: []models.Block{
			models.ToolResultBlock("toolu_1", []models.ContentPart{
				models.TextPart("done"),
				models.ImagePart("image/png", "iVBORw0KGgo="),
				{Type: models.PartText, Text: models.OmittedImagePlaceholder, Omitted: true},
			}, false),
		}},
	}
	req := &agent.CompletionRequest{
		System:           "You control a desktop.",
		Messages:         messages,
		MaxTokens:        8192,
		ThinkingBudget:   512,
		Betas:            []string{"computer-use-2025-01-24"},
		CacheBreakpoints: []int{2, 0},
		CacheSystem:      true,
		Tools: []agent.ToolSpec{
			{Name: "computer", Type: "computer_20250124", Display: &agent.DisplaySpec{WidthPx: 1366, HeightPx: 768, DisplayNumber: 1}},
			{Name: "bash", Type: "bash_20250124"},
			{Name: "str_replace_editor", Type: "text_editor_20250124"},
		},
	}

	ch, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	collect(t, ch)

	if !strings.Contains(betaHeader, "computer-use-2025-01-24") || !strings.Contains(betaHeader, "prompt-caching-2024-07-31") {
		t.Errorf("anthropic-beta = %q, want computer use and prompt caching", betaHeader)
	}
	if body["max_tokens"].(float64) != 8192 {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	thinking := body["thinking"].(map[string]any)
	if thinking["budget_tokens"].(float64) != minThinkingBudget {
		t.Errorf("thinking budget = %v, want raised to %d", thinking["budget_tokens"], minThinkingBudget)
	}

	system := body["system"].([]any)[0].(map[string]any)
	if system["cache_control"] == nil {
		t.Error("system prompt has no cache_control")
	}

	msgs := body["messages"].([]any)
	roles := []string{}
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Errorf("roles = %v, want user,assistant,user", roles)
	}
	lastBlock := func(i int) map[string]any {
		content := msgs[i].(map[string]any)["content"].([]any)
		return content[len(content)-1].(map[string]any)
	}
	if lastBlock(0)["cache_control"] == nil || lastBlock(2)["cache_control"] == nil {
		t.Error("cache_control missing on marked user turns")
	}
	if lastBlock(1)["cache_control"] != nil {
		t.Error("cache_control set on unmarked assistant turn")
	}

	result := lastBlock(2)
	parts := result["content"].([]any)
	if len(parts) != 3 {
		t.Fatalf("tool_result content = %v, want text, image, placeholder", parts)
	}
	if parts[1].(map[string]any)["type"] != "image" || parts[2].(map[string]any)["text"] != models.OmittedImagePlaceholder {
		t.Errorf("tool_result content = %v", parts)
	}

	tools := body["tools"].([]any)
	wantTypes := []string{"computer_20250124", "bash_20250124", "text_editor_20250124"}
	for i, want := range wantTypes {
		if got := tools[i].(map[string]any)["type"]; got != want {
			t.Errorf("tools[%d].type = %v, want %s", i, got, want)
		}
	}
	computer := tools[0].(map[string]any)
	if computer["display_width_px"].(float64) != 1366 || computer["display_number"].(float64) != 1 {
		t.Errorf("computer tool = %v", computer)
	}
}

func TestBuildParams_NoCachingOffAnthropic(t *testing.T) {
	p := &AnthropicProvider{backend: BackendBedrock, defaultModel: DefaultModel(BackendBedrock)}
	params, err := p.buildParams(&agent.CompletionRequest{
		System:           "sys",
		Messages:         []models.Message{models.NewUserMessage("hi")},
		CacheBreakpoints: []int{0},
		CacheSystem:      true,
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	for _, b := range params.Betas {
		if b == anthropic.AnthropicBetaPromptCaching2024_07_31 {
			t.Error("prompt caching beta sent to bedrock")
		}
	}
	raw, _ := json.Marshal(params)
	if strings.Contains(string(raw), "cache_control") {
		t.Errorf("params carry cache_control for bedrock: %s", raw)
	}
	if string(params.Model) != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("Model = %q", params.Model)
	}
}

func TestConvertTools(t *testing.T) {
	tests := []struct {
		name    string
		spec    agent.ToolSpec
		wantErr string
	}{
		{"legacy computer", agent.ToolSpec{Name: "computer", Type: "computer_20241022", Display: &agent.DisplaySpec{WidthPx: 1024, HeightPx: 768}}, ""},
		{"legacy bash", agent.ToolSpec{Name: "bash", Type: "bash_20241022"}, ""},
		{"legacy editor", agent.ToolSpec{Name: "str_replace_editor", Type: "text_editor_20241022"}, ""},
		{"custom", agent.ToolSpec{Name: "notes", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`), Description: "Take notes"}, ""},
		{"computer without display", agent.ToolSpec{Name: "computer", Type: "computer_20250124"}, "no display size"},
		{"unknown type", agent.ToolSpec{Name: "web", Type: "web_search_20250305"}, "unsupported tool type"},
		{"bad schema", agent.ToolSpec{Name: "notes", InputSchema: json.RawMessage(`[`)}, "invalid tool schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := convertTools([]agent.ToolSpec{tt.spec})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("convertTools() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("convertTools() error = %v", err)
			}
			if len(params) != 1 {
				t.Errorf("len = %d, want 1", len(params))
			}
		})
	}
}

func TestConvertMessages_Errors(t *testing.T) {
	tests := []struct {
		name string
		msgs []models.Message
	}{
		{"empty message", []models.Message{{Role: models.RoleUser}}},
		{"invalid tool input", []models.Message{{Role: models.RoleAssistant, Blocks: []models.Block{
			models.ToolUseBlock("t", "bash", "", json.RawMessage(`{"command":`)),
		}}}},
		{"tool result without payload", []models.Message{{Role: models.RoleToolResult, Blocks: []models.Block{{Type: models.BlockToolResult}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := convertMessages(tt.msgs, nil); err == nil {
				t.Error("convertMessages() error = nil, want error")
			}
		})
	}
}

func TestWrapErrorExtractsRequestID(t *testing.T) {
	p := newTestProvider(t, "")

	apiErr := &anthropic.Error{StatusCode: 500, RequestID: "req_test_123"}
	providerErr, ok := GetProviderError(p.wrapError(apiErr, "claude"))
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if providerErr.RequestID != "req_test_123" || providerErr.Reason != FailoverServerError {
		t.Errorf("wrapped = %+v", providerErr)
	}

	if p.wrapError(nil, "claude") != nil {
		t.Error("wrapError(nil) != nil")
	}
	already := NewProviderError("anthropic", "m", fmt.Errorf("x"))
	if p.wrapError(already, "m") != error(already) {
		t.Error("wrapError re-wrapped a ProviderError")
	}
}
