package models

import (
	"encoding/json"
	"time"
)

// ToolEventStage describes the lifecycle stage of a tool invocation for observability.
type ToolEventStage string

const (
	ToolEventStarted     ToolEventStage = "started"
	ToolEventSucceeded   ToolEventStage = "succeeded"
	ToolEventFailed      ToolEventStage = "failed"
	ToolEventInterrupted ToolEventStage = "interrupted"
)

// ToolEvent represents a lifecycle event for a tool use including timing and results.
type ToolEvent struct {
	ToolUseID  string          `json:"tool_use_id"`
	ToolName   string          `json:"tool_name"`
	Stage      ToolEventStage  `json:"stage"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the tool ran, or zero if it has not finished.
func (e ToolEvent) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
