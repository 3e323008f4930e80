package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/operative/internal/backoff"
	"github.com/haasonsaas/operative/pkg/models"
)

// scriptedProvider returns whatever script produces for each call.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    int
	requests []*CompletionRequest
	script   func(call int, req *CompletionRequest) ([]*CompletionChunk, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	chunks, err := p.script(call, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testProviderError struct {
	msg       string
	retryable bool
}

func (e *testProviderError) Error() string { return e.msg }
func (e *testProviderError) Retryable() bool { return e.retryable }

func textReply(text string) []*CompletionChunk {
	block := models.TextBlock(text)
	return []*CompletionChunk{
		{Text: text},
		{Block: &block},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolReply(uses ...models.ToolUse) []*CompletionChunk {
	var chunks []*CompletionChunk
	for _, use := range uses {
		block := models.ToolUseBlock(use.ID, use.Name, "", use.Input)
		chunks = append(chunks, &CompletionChunk{Block: &block})
	}
	return append(chunks, &CompletionChunk{Done: true})
}

func echoTool(name string, calls *[]string) RegisteredTool {
	return RegisteredTool{
		Spec: ToolSpec{
			Name:        name,
			Version:     "test_v1",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"fail":{"type":"boolean"}}}`),
		},
		Executor: ExecutorFunc(func(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
			var in struct {
				Fail bool `json:"fail"`
			}
			_ = json.Unmarshal(input, &in)
			if calls != nil {
				*calls = append(*calls, name+":"+string(input))
			}
			if in.Fail {
				return nil, errors.New("requested failure")
			}
			return &ToolResult{Output: "ok"}, nil
		}),
	}
}

func fastLoopConfig(maxSteps int) *LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.MaxSteps = maxSteps
	cfg.Retry = backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	return cfg
}

func newTestLoop(t *testing.T, provider LLMProvider, tools []RegisteredTool, cfg *LoopConfig, opts ...LoopOption) *Loop {
	t.Helper()
	registry, err := NewToolRegistry(tools)
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}
	loop, err := NewLoop(provider, registry, cfg, opts...)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	return loop
}

func newTestConversation(t *testing.T, text string) *Conversation {
	t.Helper()
	conv := NewConversation(RetentionPolicy{})
	if err := conv.Append(models.NewUserMessage(text)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return conv
}

func assertNoOrphans(t *testing.T, conv *Conversation) {
	t.Helper()
	messages := conv.Messages()
	for i, msg := range messages {
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}
		if i+1 >= len(messages) || messages[i+1].Role != models.RoleToolResult {
			t.Fatalf("message %d has %d tool uses and no tool_result message after it", i, len(uses))
		}
		answered := map[string]bool{}
		for _, b := range messages[i+1].Blocks {
			answered[b.ToolResult.ToolUseID] = true
		}
		for _, use := range uses {
			if !answered[use.ID] {
				t.Errorf("tool use %s has no result", use.ID)
			}
		}
	}
}

func TestLoop_CompletesWithoutTools(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		return textReply("all done"), nil
	}}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5))
	conv := newTestConversation(t, "hello")

	result, err := loop.Run(context.Background(), conv)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeCompleted)
	}
	if result.Steps != 1 || provider.callCount() != 1 {
		t.Errorf("Steps = %d, calls = %d, want 1 and 1", result.Steps, provider.callCount())
	}
	if result.InputTokens != 10 || result.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", result.InputTokens, result.OutputTokens)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[1].Text() != "all done" {
		t.Errorf("conversation = %+v, want user + assistant 'all done'", msgs)
	}
}

func TestLoop_BudgetExceededAfterExactlyMaxSteps(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		return toolReply(models.ToolUse{ID: "tu_" + string(rune('a'+call)), Name: "echo", Input: json.RawMessage(`{}`)}), nil
	}}
	loop := newTestLoop(t, provider, []RegisteredTool{echoTool("echo", nil)}, fastLoopConfig(3))
	conv := newTestConversation(t, "loop forever")

	result, err := loop.Run(context.Background(), conv)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Run() error = %v, want ErrBudgetExceeded", err)
	}
	if result.Outcome != OutcomeBudgetExceeded {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeBudgetExceeded)
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("provider calls = %d, want exactly 3", got)
	}
	assertNoOrphans(t, conv)
}

func TestLoop_RetriesTransientFailures(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call < 2 {
			return nil, &testProviderError{msg: "overloaded", retryable: true}
		}
		return textReply("recovered"), nil
	}}

	var retries []int
	observer := &recordingObserver{onRetry: func(attempt int) { retries = append(retries, attempt) }}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5), WithObserver(observer))

	result, err := loop.Run(context.Background(), newTestConversation(t, "hi"))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeCompleted)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
	if result.Steps != 1 {
		t.Errorf("Steps = %d, want 1 (retries do not count as steps)", result.Steps)
	}
	if len(retries) != 2 {
		t.Errorf("retries observed = %v, want 2", retries)
	}
}

func TestLoop_RetryExhaustion(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		return []*CompletionChunk{{Error: &testProviderError{msg: "rate limited", retryable: true}}}, nil
	}}
	cfg := fastLoopConfig(5)
	cfg.MaxProviderAttempts = 3
	loop := newTestLoop(t, provider, nil, cfg)

	result, err := loop.Run(context.Background(), newTestConversation(t, "hi"))
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Run() error = %v, want ErrProviderUnavailable", err)
	}
	if result.Outcome != OutcomeProviderUnavailable {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeProviderUnavailable)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestLoop_RejectedRequestIsNotRetried(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		return nil, &testProviderError{msg: "messages: field required"}
	}}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5))

	result, err := loop.Run(context.Background(), newTestConversation(t, "hi"))
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("Run() error = %v, want ErrProviderRejected", err)
	}
	if !strings.Contains(err.Error(), "messages: field required") {
		t.Errorf("Run() error = %v, want provider message surfaced", err)
	}
	if result.Outcome != OutcomeProviderRejected {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeProviderRejected)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStream {
		t.Errorf("Run() error = %#v, want *LoopError at stream phase", err)
	}
}

func TestLoop_IncompleteStreamIsRetried(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call == 0 {
			block := models.TextBlock("partial")
			return []*CompletionChunk{{Block: &block}}, nil
		}
		return textReply("whole"), nil
	}}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5))
	conv := newTestConversation(t, "hi")

	if _, err := loop.Run(context.Background(), conv); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	msgs := conv.Messages()
	if got := msgs[len(msgs)-1].Text(); got != "whole" {
		t.Errorf("reply = %q, want only the completed stream", got)
	}
}

func TestLoop_UnknownToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call == 0 {
			return toolReply(models.ToolUse{ID: "tu_1", Name: "teleport", Input: json.RawMessage(`{}`)}), nil
		}
		return textReply("ok then"), nil
	}}
	loop := newTestLoop(t, provider, []RegisteredTool{echoTool("echo", nil)}, fastLoopConfig(5))
	conv := newTestConversation(t, "hi")

	result, err := loop.Run(context.Background(), conv)
	if err != nil || result.Outcome != OutcomeCompleted {
		t.Fatalf("Run() = %v, %v, want completed", result.Outcome, err)
	}

	msgs := conv.Messages()
	tr := msgs[2].Blocks[0].ToolResult
	if tr == nil || !tr.IsError {
		t.Fatalf("tool result = %+v, want error result", tr)
	}
	if !strings.Contains(tr.Content[0].Text, "unknown tool") {
		t.Errorf("tool result text = %q, want unknown tool", tr.Content[0].Text)
	}
}

func TestLoop_DispatchesSequentiallyAndContinuesAfterFailure(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call == 0 {
			return toolReply(
				models.ToolUse{ID: "tu_1", Name: "click", Input: json.RawMessage(`{"fail":true}`)},
				models.ToolUse{ID: "tu_2", Name: "type", Input: json.RawMessage(`{}`)},
			), nil
		}
		return textReply("done"), nil
	}}

	var calls []string
	loop := newTestLoop(t, provider, []RegisteredTool{echoTool("click", &calls), echoTool("type", &calls)}, fastLoopConfig(5))
	conv := newTestConversation(t, "click then type")

	if _, err := loop.Run(context.Background(), conv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{`click:{"fail":true}`, `type:{}`}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("dispatch order = %v, want %v", calls, want)
	}

	msgs := conv.Messages()
	results := msgs[2]
	if results.Role != models.RoleToolResult || len(results.Blocks) != 2 {
		t.Fatalf("tool_result message = %+v, want one message with 2 results", results)
	}
	if !results.Blocks[0].ToolResult.IsError || results.Blocks[1].ToolResult.IsError {
		t.Errorf("is_error = %v,%v, want true,false",
			results.Blocks[0].ToolResult.IsError, results.Blocks[1].ToolResult.IsError)
	}
	if msgs[1].Blocks[0].ToolUse.Version != "test_v1" {
		t.Errorf("tool use version = %q, want test_v1", msgs[1].Blocks[0].ToolUse.Version)
	}
}

func TestLoop_CancelBetweenToolsAnswersRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		return toolReply(
			models.ToolUse{ID: "tu_1", Name: "stop", Input: json.RawMessage(`{}`)},
			models.ToolUse{ID: "tu_2", Name: "never", Input: json.RawMessage(`{}`)},
			models.ToolUse{ID: "tu_3", Name: "never", Input: json.RawMessage(`{}`)},
		), nil
	}}

	neverRan := true
	tools := []RegisteredTool{
		{
			Spec: ToolSpec{Name: "stop", InputSchema: json.RawMessage(`{"type":"object"}`)},
			Executor: ExecutorFunc(func(context.Context, json.RawMessage) (*ToolResult, error) {
				cancel()
				return &ToolResult{Output: "finished anyway"}, nil
			}),
		},
		{
			Spec: ToolSpec{Name: "never", InputSchema: json.RawMessage(`{"type":"object"}`)},
			Executor: ExecutorFunc(func(context.Context, json.RawMessage) (*ToolResult, error) {
				neverRan = false
				return &ToolResult{Output: "should not run"}, nil
			}),
		},
	}

	var events []models.ToolEvent
	observer := &recordingObserver{onTool: func(e models.ToolEvent) { events = append(events, e) }}
	loop := newTestLoop(t, provider, tools, fastLoopConfig(5), WithObserver(observer))
	conv := newTestConversation(t, "go")

	result, err := loop.Run(ctx, conv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeCancelled)
	}
	if !neverRan {
		t.Error("tool dispatched after cancellation")
	}
	assertNoOrphans(t, conv)
	if pending := conv.PendingToolUses(); len(pending) != 0 {
		t.Errorf("PendingToolUses() = %v, want none", pending)
	}

	msgs := conv.Messages()
	results := msgs[len(msgs)-1].Blocks
	if results[0].ToolResult.IsError {
		t.Error("in-flight tool result should not be an error")
	}
	for _, b := range results[1:] {
		if !b.ToolResult.IsError || b.ToolResult.Content[0].Text != ErrInterrupted.Error() {
			t.Errorf("result %s = %+v, want interrupted error", b.ToolResult.ToolUseID, b.ToolResult)
		}
	}

	interrupted := 0
	for _, e := range events {
		if e.Stage == models.ToolEventInterrupted {
			interrupted++
		}
	}
	if interrupted != 2 {
		t.Errorf("interrupted events = %d, want 2", interrupted)
	}
}

func TestLoop_ReusedToolUseIDIsRejected(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		return toolReply(models.ToolUse{ID: "tu_1", Name: "echo", Input: json.RawMessage(`{}`)}), nil
	}}
	loop := newTestLoop(t, provider, []RegisteredTool{echoTool("echo", nil)}, fastLoopConfig(5))
	conv := newTestConversation(t, "hi")

	result, err := loop.Run(context.Background(), conv)
	if result.Outcome != OutcomeProviderRejected {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeProviderRejected)
	}
	if err == nil || !strings.Contains(err.Error(), "duplicate tool use id") {
		t.Errorf("Run() error = %v, want duplicate tool use id", err)
	}
	if got := len(conv.PendingToolUses()); got != 0 {
		t.Errorf("PendingToolUses() = %d, want 0", got)
	}
}

func TestLoop_CancelDuringToolLetsItFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call > 0 {
			return textReply("unexpected"), nil
		}
		return toolReply(models.ToolUse{ID: "tu_1", Name: "slow", Input: json.RawMessage(`{}`)}), nil
	}}

	tools := []RegisteredTool{{
		Spec: ToolSpec{Name: "slow", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Executor: ExecutorFunc(func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
				return &ToolResult{Output: "finished"}, nil
			}
		}),
	}}

	loop := newTestLoop(t, provider, tools, fastLoopConfig(5))
	conv := newTestConversation(t, "go")

	result, err := loop.Run(ctx, conv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeCancelled)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	assertNoOrphans(t, conv)

	msgs := conv.Messages()
	tr := msgs[len(msgs)-1].Blocks[0].ToolResult
	if tr == nil || tr.IsError || tr.Content[0].Text != "finished" {
		t.Errorf("tool result = %+v, want the tool's own output", tr)
	}
}

func TestLoop_CancelledBeforeProviderCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		return textReply("unreachable"), nil
	}}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5))

	result, _ := loop.Run(ctx, newTestConversation(t, "hi"))
	if result.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeCancelled)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.callCount())
	}
}

func TestLoop_PromptCachingMarksRecentUserTurns(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *CompletionRequest) ([]*CompletionChunk, error) {
		if call < 3 {
			return toolReply(models.ToolUse{ID: "tu_" + string(rune('a'+call)), Name: "echo", Input: json.RawMessage(`{}`)}), nil
		}
		return textReply("done"), nil
	}}
	cfg := fastLoopConfig(10)
	cfg.PromptCaching = true
	cfg.System = "system prompt"
	loop := newTestLoop(t, provider, []RegisteredTool{echoTool("echo", nil)}, cfg)

	if _, err := loop.Run(context.Background(), newTestConversation(t, "hi")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	last := provider.requests[len(provider.requests)-1]
	// user(0) assistant(1) result(2) assistant(3) result(4) assistant(5) result(6)
	want := []int{6, 4, 2}
	if len(last.CacheBreakpoints) != len(want) {
		t.Fatalf("CacheBreakpoints = %v, want %v", last.CacheBreakpoints, want)
	}
	for i := range want {
		if last.CacheBreakpoints[i] != want[i] {
			t.Errorf("CacheBreakpoints = %v, want %v", last.CacheBreakpoints, want)
			break
		}
	}
	if !last.CacheSystem || last.System != "system prompt" {
		t.Errorf("CacheSystem = %v, System = %q, want cached system prompt", last.CacheSystem, last.System)
	}
}

func TestLoop_ObserverSeesDeltasAndClosedBlocks(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *CompletionRequest) ([]*CompletionChunk, error) {
		thinking := models.ThinkingBlock("let me see", "sig-1")
		text := models.TextBlock("hello world")
		return []*CompletionChunk{
			{Thinking: "let me "},
			{Thinking: "see"},
			{Block: &thinking},
			{Text: "hello "},
			{Text: "world"},
			{Block: &text},
			{Done: true},
		}, nil
	}}

	observer := &recordingObserver{}
	loop := newTestLoop(t, provider, nil, fastLoopConfig(5), WithObserver(observer))
	conv := newTestConversation(t, "hi")
	if _, err := loop.Run(context.Background(), conv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if observer.text.String() != "hello world" {
		t.Errorf("observed text = %q, want %q", observer.text.String(), "hello world")
	}
	if observer.thinking.String() != "let me see" {
		t.Errorf("observed thinking = %q, want %q", observer.thinking.String(), "let me see")
	}
	if len(observer.messages) != 1 || len(observer.messages[0].Blocks) != 2 {
		t.Fatalf("observed messages = %+v, want one message with 2 blocks", observer.messages)
	}
	if got := conv.Thinking(); len(got) != 1 || got[0] != "let me see" {
		t.Errorf("Thinking() = %v, want [let me see]", got)
	}
	if sig := conv.Messages()[1].Blocks[0].Signature; sig != "sig-1" {
		t.Errorf("signature = %q, want sig-1", sig)
	}
}

func TestNewLoop_RequiresProvider(t *testing.T) {
	if _, err := NewLoop(nil, nil, nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("NewLoop(nil) error = %v, want ErrNoProvider", err)
	}
}

func TestSanitizeLoopConfig(t *testing.T) {
	cfg := sanitizeLoopConfig(&LoopConfig{MaxSteps: -1, ThinkingBudget: -5})
	if cfg.MaxSteps != 50 {
		t.Errorf("MaxSteps = %d, want 50", cfg.MaxSteps)
	}
	if cfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.ThinkingBudget != 0 {
		t.Errorf("ThinkingBudget = %d, want 0", cfg.ThinkingBudget)
	}
	if cfg.MaxProviderAttempts != 4 {
		t.Errorf("MaxProviderAttempts = %d, want 4", cfg.MaxProviderAttempts)
	}
	if cfg.Retry != backoff.DefaultPolicy() {
		t.Errorf("Retry = %+v, want default policy", cfg.Retry)
	}
}

type recordingObserver struct {
	NopObserver
	text     strings.Builder
	thinking strings.Builder
	messages []models.Message
	onRetry  func(attempt int)
	onTool   func(models.ToolEvent)
}

func (o *recordingObserver) OnText(delta string) { o.text.WriteString(delta) }
func (o *recordingObserver) OnThinking(delta string) { o.thinking.WriteString(delta) }

func (o *recordingObserver) OnAssistantMessage(msg models.Message) {
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) OnToolEvent(e models.ToolEvent) {
	if o.onTool != nil {
		o.onTool(e)
	}
}

func (o *recordingObserver) OnRetry(attempt int, _ error, _ time.Duration) {
	if o.onRetry != nil {
		o.onRetry(attempt)
	}
}
