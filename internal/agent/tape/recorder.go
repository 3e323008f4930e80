package tape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

// Recorder wraps a provider and records every call. It is also an
// agent.Observer: registered with the loop, it records tool runs.
type Recorder struct {
	agent.NopObserver

	provider agent.LLMProvider
	tape     *Tape
	mu       sync.Mutex
	turnIdx  int
}

// NewRecorder creates a new recorder wrapping the given provider.
func NewRecorder(provider agent.LLMProvider) *Recorder {
	tape := NewTape()
	tape.Metadata["provider"] = provider.Name()

	return &Recorder{
		provider: provider,
		tape:     tape,
	}
}

// WithModel sets the model recorded on the tape.
func (r *Recorder) WithModel(model string) *Recorder {
	r.tape.Model = model
	return r
}

// WithSystemPrompt sets the system prompt recorded on the tape.
func (r *Recorder) WithSystemPrompt(system string) *Recorder {
	r.tape.SystemPrompt = system
	return r
}

// WithToolVersion sets the tool protocol version recorded on the tape.
func (r *Recorder) WithToolVersion(version string) *Recorder {
	r.tape.ToolVersion = version
	return r
}

// Complete implements agent.LLMProvider, recording the interaction.
func (r *Recorder) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	start := time.Now()

	upstream, err := r.provider.Complete(ctx, req)
	if err != nil {
		r.record(Turn{
			Request:  recordedRequest(req),
			Chunks:   []Chunk{{Error: err.Error()}},
			Duration: time.Since(start),
		})
		return nil, err
	}

	out := make(chan *agent.CompletionChunk, 10)

	go func() {
		defer close(out)

		turn := Turn{
			Request: recordedRequest(req),
			Chunks:  []Chunk{},
		}
		var text strings.Builder

		for chunk := range upstream {
			if chunk == nil {
				continue
			}
			turn.Chunks = append(turn.Chunks, ChunkFrom(chunk))
			text.WriteString(chunk.Text)
			if chunk.StopReason != "" {
				turn.StopReason = chunk.StopReason
			}
			out <- chunk
		}

		turn.Text = text.String()
		turn.Duration = time.Since(start)
		r.record(turn)
	}()

	return out, nil
}

func (r *Recorder) record(turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape.AddTurn(turn)
	r.turnIdx = len(r.tape.Turns)
}

func recordedRequest(req *agent.CompletionRequest) *agent.CompletionRequest {
	cp := *req
	cp.Messages = stripImages(req.Messages)
	return &cp
}

// Name implements agent.LLMProvider.
func (r *Recorder) Name() string {
	return "recorder:" + r.provider.Name()
}

// OnToolEvent records finished tool runs against the latest turn.
func (r *Recorder) OnToolEvent(event models.ToolEvent) {
	if event.Stage == models.ToolEventStarted {
		return
	}

	run := ToolRun{
		ToolUse: models.ToolUse{
			ID:    event.ToolUseID,
			Name:  event.ToolName,
			Input: append([]byte(nil), event.Input...),
		},
		Interrupted: event.Stage == models.ToolEventInterrupted,
		Duration:    event.Duration(),
	}
	if event.Result != nil {
		result := *event.Result
		result.Content = append([]models.ContentPart(nil), event.Result.Content...)
		stripResult(&result)
		run.Result = &result
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	run.TurnIndex = r.turnIdx - 1
	if run.TurnIndex < 0 {
		run.TurnIndex = 0
	}
	r.tape.AddToolRun(run)
}

// Tape returns a copy of the recorded tape.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Reset clears the recording and starts fresh.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	model, system, version := r.tape.Model, r.tape.SystemPrompt, r.tape.ToolVersion
	r.tape = NewTape()
	r.tape.Metadata["provider"] = r.provider.Name()
	r.tape.Model, r.tape.SystemPrompt, r.tape.ToolVersion = model, system, version
	r.turnIdx = 0
}
