package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

// Recorder collects tool events from a running loop and archives the run
// once it finishes.
type Recorder struct {
	agent.NopObserver

	store *Store
	mu    sync.Mutex
	run   Run
	evs   []models.ToolEvent
}

// NewRecorder starts recording a run of task.
func (s *Store) NewRecorder(task, model, toolVersion string) *Recorder {
	return &Recorder{
		store: s,
		run: Run{
			ID:          uuid.NewString(),
			Task:        task,
			Model:       model,
			ToolVersion: toolVersion,
			StartedAt:   time.Now(),
		},
	}
}

// ID returns the transcript id of the run.
func (r *Recorder) ID() string {
	return r.run.ID
}

// OnToolEvent keeps every finished tool event.
func (r *Recorder) OnToolEvent(event models.ToolEvent) {
	if event.Stage == models.ToolEventStarted {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, event)
}

// Finish archives the run with the final conversation.
func (r *Recorder) Finish(ctx context.Context, result *agent.RunResult, messages []models.Message) error {
	r.mu.Lock()
	run := r.run
	events := append([]models.ToolEvent(nil), r.evs...)
	r.mu.Unlock()

	run.FinishedAt = time.Now()
	if result != nil {
		run.Outcome = string(result.Outcome)
		run.Steps = result.Steps
		run.InputTokens = result.InputTokens
		run.OutputTokens = result.OutputTokens
		if result.Err != nil {
			run.Error = result.Err.Error()
		}
	}
	return r.store.Save(ctx, run, messages, events)
}
