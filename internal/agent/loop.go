package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/operative/internal/backoff"
	"github.com/haasonsaas/operative/internal/observability"
	"github.com/haasonsaas/operative/pkg/models"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeBudgetExceeded      Outcome = "budget_exceeded"
	OutcomeProviderUnavailable Outcome = "provider_unavailable"
	OutcomeProviderRejected    Outcome = "provider_rejected"
	OutcomeCancelled           Outcome = "cancelled"
)

// LoopConfig configures the agentic loop behavior including step limits,
// token budgets, and provider retry settings.
type LoopConfig struct {
	// MaxSteps limits the number of provider calls per run
	// Default: 50
	MaxSteps int

	// Model is sent with every request; empty lets the provider choose
	Model string

	// System is the system prompt
	System string

	// MaxTokens is the max tokens for each reply
	// Default: 4096
	MaxTokens int

	// ThinkingBudget enables extended thinking when positive
	ThinkingBudget int

	// Betas are provider beta flags sent with every request
	Betas []string

	// Retry is the backoff policy for retryable provider errors
	// Default: backoff.DefaultPolicy()
	Retry backoff.Policy

	// MaxProviderAttempts caps attempts per provider call, including the first
	// Default: 4
	MaxProviderAttempts int

	// PromptCaching marks the system prompt and the most recent user turns cacheable
	PromptCaching bool

	// CacheBreakpoints is the number of user turns marked when PromptCaching is set
	// Default: DefaultCacheBreakpoints
	CacheBreakpoints int
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:            50,
		MaxTokens:           4096,
		Retry:               backoff.DefaultPolicy(),
		MaxProviderAttempts: 4,
		CacheBreakpoints:    DefaultCacheBreakpoints,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxProviderAttempts <= 0 {
		cfg.MaxProviderAttempts = defaults.MaxProviderAttempts
	}
	if cfg.CacheBreakpoints <= 0 {
		cfg.CacheBreakpoints = defaults.CacheBreakpoints
	}
	if cfg.ThinkingBudget < 0 {
		cfg.ThinkingBudget = 0
	}
	cfg.Retry = cfg.Retry.Normalize()
	return &cfg
}

// Loop drives the request/respond/act cycle of one conversation.
//
// The loop operates as a strictly sequential state machine:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                                                            │
//	│   ┌─────────┐     ┌──────────┐     ┌───────────────────┐   │
//	│   │ Budget  │────▶│  Stream  │────▶│  Execute Tools    │   │
//	│   └─────────┘     └──────────┘     └───────────────────┘   │
//	│        ▲                │                    │             │
//	│        │                │ (no tool uses)     │             │
//	│        │                ▼                    │             │
//	│        │          ┌──────────┐               │             │
//	│        │          │ Complete │               │             │
//	│        │          └──────────┘               │             │
//	│        │                                     │             │
//	│        └─────────────────────────────────────┘             │
//	│                  (one tool_result message)                 │
//	│                                                            │
//	└────────────────────────────────────────────────────────────┘
//
// Cancellation is checked before each provider call and before each tool
// dispatch. An in-flight tool always finishes; tool uses that were not
// started get an interrupted error result so no tool use is left without an
// answer.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	config   *LoopConfig

	observer Observer
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithObserver sets the observer receiving deltas and tool events.
func WithObserver(o Observer) LoopOption {
	return func(l *Loop) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger.With("component", "agent_loop")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop creates a loop over the given provider and registry.
// If config is nil, DefaultLoopConfig is used.
func NewLoop(provider LLMProvider, registry *ToolRegistry, config *LoopConfig, opts ...LoopOption) (*Loop, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if registry == nil {
		var err error
		if registry, err = NewToolRegistry(nil); err != nil {
			return nil, err
		}
	}
	l := &Loop{
		provider: provider,
		registry: registry,
		config:   sanitizeLoopConfig(config),
		observer: NopObserver{},
		logger:   slog.Default().With("component", "agent_loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig {
	return *l.config
}

// RunResult reports how a run ended. The conversation holds everything
// that happened up to that point.
type RunResult struct {
	RunID   string
	Outcome Outcome
	// Steps is the number of provider calls made.
	Steps int
	// Err is nil for OutcomeCompleted.
	Err error

	InputTokens  int
	OutputTokens int
}

// Run drives conv until the model stops asking for tools or a limit trips.
// The returned error equals result.Err; it is nil only for OutcomeCompleted.
func (l *Loop) Run(ctx context.Context, conv *Conversation) (*RunResult, error) {
	result := &RunResult{RunID: uuid.NewString()}
	ctx = observability.AddRunID(ctx, result.RunID)
	ctx, span := l.tracer.TraceRun(ctx, result.RunID, l.config.Model)
	defer span.End()

	finish := func(outcome Outcome, err error) (*RunResult, error) {
		result.Outcome = outcome
		result.Err = err
		l.metrics.RecordOutcome(string(outcome), result.Steps)
		l.tracer.SetAttributes(span, "loop.outcome", string(outcome), "loop.steps", result.Steps)
		if err != nil {
			l.tracer.RecordError(span, err)
			l.logger.WarnContext(ctx, "run finished", "outcome", outcome, "steps", result.Steps, "error", err)
		} else {
			l.logger.InfoContext(ctx, "run finished", "outcome", outcome, "steps", result.Steps)
		}
		return result, err
	}

	if conv == nil {
		return finish(OutcomeProviderRejected, &LoopError{Phase: PhaseInit, Message: "conversation is required"})
	}
	if pending := conv.PendingToolUses(); len(pending) > 0 {
		return finish(OutcomeProviderRejected, &LoopError{
			Phase:   PhaseInit,
			Message: fmt.Sprintf("conversation has %d tool uses without results", len(pending)),
		})
	}

	for {
		if result.Steps >= l.config.MaxSteps {
			return finish(OutcomeBudgetExceeded, &LoopError{Phase: PhaseComplete, Iteration: result.Steps, Cause: ErrBudgetExceeded})
		}
		if err := ctx.Err(); err != nil {
			return finish(OutcomeCancelled, &LoopError{Phase: PhaseStream, Iteration: result.Steps, Cause: err})
		}

		req := l.buildRequest(conv)
		result.Steps++

		reply, usage, err := l.complete(ctx, req)
		result.InputTokens += usage.InputTokens
		result.OutputTokens += usage.OutputTokens
		if err != nil {
			return finish(l.classifyProviderFailure(ctx, err), l.providerLoopError(ctx, result.Steps, err))
		}

		if len(reply.Blocks) == 0 {
			return finish(OutcomeCompleted, nil)
		}
		l.stampToolVersions(&reply)
		if err := conv.Append(reply); err != nil {
			return finish(OutcomeProviderRejected, &LoopError{Phase: PhaseStream, Iteration: result.Steps, Cause: err})
		}
		l.observer.OnAssistantMessage(reply)

		uses := reply.ToolUses()
		if len(uses) == 0 {
			return finish(OutcomeCompleted, nil)
		}

		blocks, cancelled := l.executeTools(ctx, uses)
		if err := conv.Append(models.Message{Role: models.RoleToolResult, Blocks: blocks}); err != nil {
			return finish(OutcomeProviderRejected, &LoopError{Phase: PhaseExecuteTools, Iteration: result.Steps, Cause: err})
		}
		if cancelled {
			return finish(OutcomeCancelled, &LoopError{Phase: PhaseExecuteTools, Iteration: result.Steps, Cause: ctx.Err()})
		}
	}
}

func (l *Loop) buildRequest(conv *Conversation) *CompletionRequest {
	req := &CompletionRequest{
		Model:          l.config.Model,
		System:         l.config.System,
		Messages:       conv.Messages(),
		Tools:          l.registry.Specs(),
		MaxTokens:      l.config.MaxTokens,
		ThinkingBudget: l.config.ThinkingBudget,
		Betas:          append([]string(nil), l.config.Betas...),
	}
	if l.config.PromptCaching {
		req.CacheBreakpoints = conv.MarkCacheBoundaries(l.config.CacheBreakpoints)
		req.CacheSystem = true
	}
	return req
}

type replyUsage struct {
	InputTokens  int
	OutputTokens int
}

// complete performs one provider call, retrying retryable failures.
func (l *Loop) complete(ctx context.Context, req *CompletionRequest) (models.Message, replyUsage, error) {
	var usage replyUsage
	opts := backoff.Options{
		Policy:      l.config.Retry,
		MaxAttempts: l.config.MaxProviderAttempts,
		ShouldRetry: IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			l.metrics.RecordRetry(l.provider.Name())
			l.logger.WarnContext(ctx, "provider call failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			l.tracer.AddEvent(trace.SpanFromContext(ctx), "provider.retry",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			l.observer.OnRetry(attempt, err, delay)
		},
	}

	res, err := backoff.Retry(ctx, opts, func(ctx context.Context, attempt int) (models.Message, error) {
		msg, u, err := l.streamOnce(ctx, req)
		usage.InputTokens += u.InputTokens
		usage.OutputTokens += u.OutputTokens
		return msg, err
	})
	return res.Value, usage, err
}

// streamOnce reads one reply. Deltas go to the observer as they arrive;
// only closed blocks become part of the reply.
func (l *Loop) streamOnce(ctx context.Context, req *CompletionRequest) (models.Message, replyUsage, error) {
	providerName := l.provider.Name()
	ctx, span := l.tracer.TraceLLMRequest(ctx, providerName, req.Model)
	defer span.End()

	start := time.Now()
	var usage replyUsage

	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.recordRequest(span, providerName, req.Model, start, err)
		return models.Message{}, usage, err
	}

	reply := models.Message{Role: models.RoleAssistant}
	var streamErr error
	done := false
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			if streamErr == nil {
				streamErr = chunk.Error
			}
			continue
		}
		if chunk.Text != "" {
			l.observer.OnText(chunk.Text)
		}
		if chunk.Thinking != "" {
			l.observer.OnThinking(chunk.Thinking)
		}
		if chunk.Block != nil {
			reply.Blocks = append(reply.Blocks, chunk.Block.Clone())
		}
		if chunk.Done {
			done = true
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
			l.metrics.RecordTokens(providerName, req.Model, chunk.InputTokens, chunk.OutputTokens, chunk.CacheReadTokens, chunk.CacheCreationTokens)
		}
	}
	if streamErr == nil && !done {
		if err := ctx.Err(); err != nil {
			streamErr = err
		} else {
			streamErr = errIncompleteStream
		}
	}

	l.recordRequest(span, providerName, req.Model, start, streamErr)
	if streamErr != nil {
		return models.Message{}, usage, streamErr
	}
	reply.CreatedAt = time.Now()
	return reply, usage, nil
}

func (l *Loop) recordRequest(span trace.Span, provider, model string, start time.Time, err error) {
	l.tracer.RecordError(span, err)
	status := "success"
	switch {
	case err == nil:
	case IsRetryable(err):
		status = "retryable"
	default:
		status = "rejected"
	}
	l.metrics.RecordLLMRequest(provider, model, status, time.Since(start).Seconds())
}

// incompleteStreamError reports a stream that closed without a final chunk.
type incompleteStreamError struct{}

func (incompleteStreamError) Error() string { return "provider stream ended before completion" }
func (incompleteStreamError) Retryable() bool { return true }

var errIncompleteStream error = incompleteStreamError{}

func (l *Loop) classifyProviderFailure(ctx context.Context, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		return OutcomeCancelled
	case errors.Is(err, backoff.ErrMaxAttemptsExhausted), IsRetryable(err):
		return OutcomeProviderUnavailable
	default:
		return OutcomeProviderRejected
	}
}

func (l *Loop) providerLoopError(ctx context.Context, step int, err error) error {
	var cause error
	switch l.classifyProviderFailure(ctx, err) {
	case OutcomeCancelled:
		cause = ctx.Err()
	case OutcomeProviderUnavailable:
		cause = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	default:
		cause = fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	return &LoopError{Phase: PhaseStream, Iteration: step, Cause: cause}
}

// stampToolVersions records the protocol version of each tool use.
func (l *Loop) stampToolVersions(reply *models.Message) {
	for i := range reply.Blocks {
		use := reply.Blocks[i].ToolUse
		if use == nil || use.Version != "" {
			continue
		}
		if spec, ok := l.registry.Get(use.Name); ok {
			use.Version = spec.Version
		}
	}
}

// executeTools dispatches uses in order. A failed tool does not stop later
// ones. Once ctx is cancelled the remaining uses are answered with an
// interrupted error result.
func (l *Loop) executeTools(ctx context.Context, uses []models.ToolUse) ([]models.Block, bool) {
	blocks := make([]models.Block, 0, len(uses))
	for i, use := range uses {
		if ctx.Err() != nil {
			for _, rest := range uses[i:] {
				block := InterruptedResult(rest)
				now := time.Now()
				l.metrics.RecordToolExecution(rest.Name, "interrupted", 0)
				l.observer.OnToolEvent(models.ToolEvent{
					ToolUseID:  rest.ID,
					ToolName:   rest.Name,
					Stage:      models.ToolEventInterrupted,
					Input:      rest.Input,
					Result:     block.ToolResult,
					StartedAt:  now,
					FinishedAt: now,
				})
				blocks = append(blocks, block)
			}
			return blocks, true
		}
		blocks = append(blocks, l.dispatch(ctx, use))
	}
	return blocks, false
}

func (l *Loop) dispatch(ctx context.Context, use models.ToolUse) models.Block {
	ctx = observability.AddToolUseID(ctx, use.ID)
	ctx, span := l.tracer.TraceToolExecution(ctx, use.Name)
	defer span.End()

	started := time.Now()
	l.observer.OnToolEvent(models.ToolEvent{
		ToolUseID: use.ID,
		ToolName:  use.Name,
		Stage:     models.ToolEventStarted,
		Input:     use.Input,
		StartedAt: started,
	})

	// Cancellation is observed between dispatches; a started tool runs to
	// completion under its own timeouts.
	block := l.registry.Dispatch(context.WithoutCancel(ctx), use)
	finished := time.Now()

	stage := models.ToolEventSucceeded
	status := "success"
	if block.ToolResult != nil && block.ToolResult.IsError {
		stage = models.ToolEventFailed
		status = "error"
		l.tracer.SetAttributes(span, "tool.error", true)
		l.logger.InfoContext(ctx, "tool returned an error", "tool", use.Name, "error", toolErrorText(block))
	}
	l.metrics.RecordToolExecution(use.Name, status, finished.Sub(started).Seconds())
	l.observer.OnToolEvent(models.ToolEvent{
		ToolUseID:  use.ID,
		ToolName:   use.Name,
		Stage:      stage,
		Input:      use.Input,
		Result:     block.ToolResult,
		StartedAt:  started,
		FinishedAt: finished,
	})
	return block
}

func toolErrorText(block models.Block) string {
	if block.ToolResult == nil {
		return ""
	}
	for _, part := range block.ToolResult.Content {
		if part.Type == models.PartText {
			return part.Text
		}
	}
	return ""
}
