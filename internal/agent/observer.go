package agent

import (
	"time"

	"github.com/haasonsaas/operative/pkg/models"
)

// Observer receives progress from a running loop. Callbacks run on the loop
// goroutine and must return quickly.
type Observer interface {
	// OnText receives a streamed text delta.
	OnText(delta string)

	// OnThinking receives a streamed thinking delta.
	OnThinking(delta string)

	// OnAssistantMessage receives each reply once it is complete.
	OnAssistantMessage(msg models.Message)

	// OnToolEvent receives tool lifecycle events.
	OnToolEvent(event models.ToolEvent)

	// OnRetry is called before the loop backs off after a retryable provider error.
	OnRetry(attempt int, err error, delay time.Duration)
}

// NopObserver ignores everything. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) OnText(string) {}
func (NopObserver) OnThinking(string) {}
func (NopObserver) OnAssistantMessage(models.Message) {}
func (NopObserver) OnToolEvent(models.ToolEvent) {}
func (NopObserver) OnRetry(int, error, time.Duration) {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnText(delta string) {
	for _, o := range m {
		o.OnText(delta)
	}
}

func (m MultiObserver) OnThinking(delta string) {
	for _, o := range m {
		o.OnThinking(delta)
	}
}

func (m MultiObserver) OnAssistantMessage(msg models.Message) {
	for _, o := range m {
		o.OnAssistantMessage(msg)
	}
}

func (m MultiObserver) OnToolEvent(event models.ToolEvent) {
	for _, o := range m {
		o.OnToolEvent(event)
	}
}

func (m MultiObserver) OnRetry(attempt int, err error, delay time.Duration) {
	for _, o := range m {
		o.OnRetry(attempt, err, delay)
	}
}
