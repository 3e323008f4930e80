// Package tape provides recording and replay of agent runs.
// A recorded tape lets the loop run again without a model or a desktop.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

// FormatVersion is written into every new tape.
const FormatVersion = "1.0"

// Tape records a complete run.
type Tape struct {
	// Version of the tape format
	Version string `json:"version"`

	// CreatedAt is when the tape was recorded
	CreatedAt time.Time `json:"created_at"`

	// Model is the LLM model used
	Model string `json:"model,omitempty"`

	// SystemPrompt used for the conversation
	SystemPrompt string `json:"system_prompt,omitempty"`

	// ToolVersion is the tool protocol version the run used
	ToolVersion string `json:"tool_version,omitempty"`

	// Turns contains each provider request/response
	Turns []Turn `json:"turns"`

	// ToolRuns contains each tool dispatch
	ToolRuns []ToolRun `json:"tool_runs"`

	// Metadata holds arbitrary metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is one provider call.
type Turn struct {
	// Index is the 0-based turn number
	Index int `json:"index"`

	// Request is the request sent, with screenshot data removed
	Request *agent.CompletionRequest `json:"request"`

	// Chunks is the streamed response
	Chunks []Chunk `json:"chunks"`

	// Text is the accumulated text response
	Text string `json:"text,omitempty"`

	// StopReason indicates why the turn ended
	StopReason string `json:"stop_reason,omitempty"`

	// Duration is how long the turn took
	Duration time.Duration `json:"duration"`
}

// Chunk is the serializable form of agent.CompletionChunk.
type Chunk struct {
	Text         string        `json:"text,omitempty"`
	Thinking     string        `json:"thinking,omitempty"`
	Block        *models.Block `json:"block,omitempty"`
	Done         bool          `json:"done,omitempty"`
	StopReason   string        `json:"stop_reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`

	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// ChunkFrom copies a streamed chunk into its recorded form.
func ChunkFrom(c *agent.CompletionChunk) Chunk {
	out := Chunk{
		Text:         c.Text,
		Thinking:     c.Thinking,
		Done:         c.Done,
		StopReason:   c.StopReason,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,

		CacheReadTokens:     c.CacheReadTokens,
		CacheCreationTokens: c.CacheCreationTokens,
	}
	if c.Block != nil {
		b := c.Block.Clone()
		out.Block = &b
	}
	if c.Error != nil {
		out.Error = c.Error.Error()
	}
	return out
}

// CompletionChunk rebuilds the streamed chunk. A recorded error comes back
// as a *ReplayedError.
func (c Chunk) CompletionChunk() *agent.CompletionChunk {
	out := &agent.CompletionChunk{
		Text:         c.Text,
		Thinking:     c.Thinking,
		Done:         c.Done,
		StopReason:   c.StopReason,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,

		CacheReadTokens:     c.CacheReadTokens,
		CacheCreationTokens: c.CacheCreationTokens,
	}
	if c.Block != nil {
		b := c.Block.Clone()
		out.Block = &b
	}
	if c.Error != "" {
		out.Error = &ReplayedError{Message: c.Error}
	}
	return out
}

// ReplayedError stands in for a provider error captured on tape.
// It is never retryable, so a replay cannot loop on it.
type ReplayedError struct {
	Message string
}

func (e *ReplayedError) Error() string { return "replayed: " + e.Message }

// ToolRun is one tool dispatch.
type ToolRun struct {
	// TurnIndex is the turn whose reply asked for the tool
	TurnIndex int `json:"turn_index"`

	// ToolUse is the request from the model
	ToolUse models.ToolUse `json:"tool_use"`

	// Result is the tool_result that answered it, with screenshot data removed
	Result *models.ToolResult `json:"result"`

	// Interrupted marks a use answered without running because the run was cancelled
	Interrupted bool `json:"interrupted,omitempty"`

	// Duration is how long the tool took
	Duration time.Duration `json:"duration"`
}

// NewTape creates a new empty tape.
func NewTape() *Tape {
	return &Tape{
		Version:   FormatVersion,
		CreatedAt: time.Now(),
		Turns:     []Turn{},
		ToolRuns:  []ToolRun{},
		Metadata:  make(map[string]any),
	}
}

// AddTurn adds a turn to the tape.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// AddToolRun adds a tool run to the tape.
func (t *Tape) AddToolRun(run ToolRun) {
	t.ToolRuns = append(t.ToolRuns, run)
}

// GetTurn returns the turn at the given index.
func (t *Tape) GetTurn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// GetToolRuns returns all tool runs for a given turn.
func (t *Tape) GetToolRuns(turnIndex int) []ToolRun {
	var runs []ToolRun
	for _, run := range t.ToolRuns {
		if run.TurnIndex == turnIndex {
			runs = append(runs, run)
		}
	}
	return runs
}

// TotalTurns returns the number of turns in the tape.
func (t *Tape) TotalTurns() int {
	return len(t.Turns)
}

// TotalToolRuns returns the number of tool runs in the tape.
func (t *Tape) TotalToolRuns() int {
	return len(t.ToolRuns)
}

// Marshal serializes the tape to JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal deserializes a tape from JSON.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, err
	}
	if tape.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported tape version %q", tape.Version)
	}
	return &tape, nil
}

// Save writes the tape to path.
func (t *Tape) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("marshal tape: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a tape from path.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tape, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse tape %s: %w", path, err)
	}
	return tape, nil
}

// Clone creates a deep copy of the tape.
func (t *Tape) Clone() *Tape {
	data, err := t.Marshal()
	if err == nil {
		if clone, err := Unmarshal(data); err == nil {
			return clone
		}
	}
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	clone.Turns = append([]Turn(nil), t.Turns...)
	clone.ToolRuns = append([]ToolRun(nil), t.ToolRuns...)
	return &clone
}

// Summary returns a brief summary of the tape contents.
func (t *Tape) Summary() TapeSummary {
	var totalChunks, totalText int
	for _, turn := range t.Turns {
		totalChunks += len(turn.Chunks)
		totalText += len(turn.Text)
	}

	return TapeSummary{
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		Model:        t.Model,
		ToolVersion:  t.ToolVersion,
		TurnCount:    len(t.Turns),
		ToolRunCount: len(t.ToolRuns),
		TotalChunks:  totalChunks,
		TotalTextLen: totalText,
	}
}

// TapeSummary is a brief overview of a tape.
type TapeSummary struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	ToolVersion  string    `json:"tool_version,omitempty"`
	TurnCount    int       `json:"turn_count"`
	ToolRunCount int       `json:"tool_run_count"`
	TotalChunks  int       `json:"total_chunks"`
	TotalTextLen int       `json:"total_text_len"`
}

// stripImages returns a copy of messages with image data dropped. Tapes
// keep the shape of the conversation, not the screenshots.
func stripImages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
		for _, b := range out[i].Blocks {
			if b.ToolResult != nil {
				stripResult(b.ToolResult)
			}
		}
	}
	return out
}

func stripResult(tr *models.ToolResult) {
	for pi, part := range tr.Content {
		if part.Type == models.PartImage {
			tr.Content[pi].Data = ""
			tr.Content[pi].Omitted = true
		}
	}
}
