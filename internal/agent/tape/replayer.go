package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// ErrTapeMismatch indicates a mismatch between expected and actual requests.
var ErrTapeMismatch = errors.New("tape mismatch: request differs from recorded")

// ErrToolNotInTape indicates a tool use is not found in the tape.
var ErrToolNotInTape = errors.New("tool use not found in tape")

// ReplayMode controls how strictly the replayer matches requests.
type ReplayMode int

const (
	// ReplayStrict records a Mismatch for every request that differs from the tape
	ReplayStrict ReplayMode = iota

	// ReplayLoose ignores request differences and just returns recorded responses
	ReplayLoose
)

// Replayer replays a recorded tape as an agent.LLMProvider.
type Replayer struct {
	tape       *Tape
	mode       ReplayMode
	turnIdx    int
	toolRuns   map[string]ToolRun
	mu         sync.Mutex
	mismatches []Mismatch
}

// Mismatch records a difference between expected and actual values.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// NewReplayer creates a replayer from a tape.
func NewReplayer(tape *Tape) *Replayer {
	clone := tape.Clone()
	runs := make(map[string]ToolRun, len(clone.ToolRuns))
	for _, run := range clone.ToolRuns {
		runs[run.ToolUse.ID] = run
	}
	return &Replayer{
		tape:     clone,
		mode:     ReplayLoose,
		toolRuns: runs,
	}
}

// WithMode sets the replay mode.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// Complete implements agent.LLMProvider, returning recorded responses.
func (r *Replayer) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.mu.Lock()
	if r.turnIdx >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.turnIdx]
	currentTurn := r.turnIdx
	r.turnIdx++
	r.mu.Unlock()

	if r.mode == ReplayStrict && turn.Request != nil {
		r.checkMismatches(currentTurn, req, turn.Request)
	}

	out := make(chan *agent.CompletionChunk, len(turn.Chunks)+1)
	go func() {
		defer close(out)
		for _, chunk := range turn.Chunks {
			select {
			case <-ctx.Done():
				out <- &agent.CompletionChunk{Error: ctx.Err()}
				return
			case out <- chunk.CompletionChunk():
			}
		}
	}()
	return out, nil
}

// checkMismatches compares requests and records any differences.
func (r *Replayer) checkMismatches(turnIndex int, actual, expected *agent.CompletionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	add := func(field, want, got string) {
		r.mismatches = append(r.mismatches, Mismatch{TurnIndex: turnIndex, Field: field, Expected: want, Actual: got})
	}

	if expected.Model != "" && actual.Model != expected.Model {
		add("model", expected.Model, actual.Model)
	}
	if len(actual.Messages) != len(expected.Messages) {
		add("message_count", fmt.Sprint(len(expected.Messages)), fmt.Sprint(len(actual.Messages)))
	}
	if want, got := toolNames(expected.Tools), toolNames(actual.Tools); want != got {
		add("tools", want, got)
	}
}

func toolNames(specs []agent.ToolSpec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}

// Name implements agent.LLMProvider.
func (r *Replayer) Name() string {
	return "replayer"
}

// Mismatches returns any recorded mismatches from strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch{}, r.mismatches...)
}

// Reset resets the replayer to the beginning.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIdx = 0
	r.mismatches = nil
}

// CurrentTurn returns the index of the next turn to replay.
func (r *Replayer) CurrentTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIdx
}

// Tools returns a replay bundle with one tool per name found on the tape.
// Each executor answers a tool use with the result recorded for its id.
func (r *Replayer) Tools() []agent.RegisteredTool {
	var tools []agent.RegisteredTool
	seen := make(map[string]bool)
	for _, run := range r.tape.ToolRuns {
		name := run.ToolUse.Name
		if seen[name] {
			continue
		}
		seen[name] = true
		tools = append(tools, agent.RegisteredTool{
			Spec: agent.ToolSpec{
				Name:        name,
				Version:     r.tape.ToolVersion,
				Description: "Replays recorded results of " + name,
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			Executor: &replayExecutor{replayer: r, name: name},
		})
	}
	return tools
}

// replayExecutor returns recorded results. The registry does not pass the
// tool use id to executors, so results are matched by order of dispatch
// within the current turn.
type replayExecutor struct {
	replayer *Replayer
	name     string
}

func (e *replayExecutor) Execute(_ context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	r := e.replayer
	r.mu.Lock()
	defer r.mu.Unlock()

	turnIndex := r.turnIdx - 1
	if turnIndex < 0 {
		turnIndex = 0
	}
	for _, run := range r.tape.GetToolRuns(turnIndex) {
		if run.Interrupted {
			continue
		}
		if _, pending := r.toolRuns[run.ToolUse.ID]; !pending {
			continue
		}
		delete(r.toolRuns, run.ToolUse.ID)
		if run.ToolUse.Name != e.name {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrTapeMismatch, run.ToolUse.Name, e.name)
		}
		return resultFromBlock(run.Result), nil
	}
	return nil, fmt.Errorf("%w: %s at turn %d", ErrToolNotInTape, e.name, turnIndex)
}

// resultFromBlock turns a recorded tool_result back into executor output.
func resultFromBlock(tr *models.ToolResult) *agent.ToolResult {
	if tr == nil {
		return &agent.ToolResult{}
	}
	var texts []string
	for _, part := range tr.Content {
		if part.Type == models.PartText {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if tr.IsError {
		return &agent.ToolResult{Error: text}
	}
	return &agent.ToolResult{Output: text}
}
