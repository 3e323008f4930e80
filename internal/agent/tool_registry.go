package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/operative/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// RegisteredTool pairs a spec with the executor that serves it.
type RegisteredTool struct {
	Spec     ToolSpec
	Executor Executor
}

type registryEntry struct {
	spec     ToolSpec
	executor Executor
	schema   *jsonschema.Schema
}

// ToolRegistry holds the tool bundle for one session. It is built once from
// a static bundle and never changes afterwards, so lookups need no locking.
type ToolRegistry struct {
	entries []registryEntry
	byName  map[string]int
	logger  *slog.Logger
}

// NewToolRegistry validates the bundle and compiles every input schema.
// Names must be unique.
func NewToolRegistry(bundle []RegisteredTool) (*ToolRegistry, error) {
	r := &ToolRegistry{
		entries: make([]registryEntry, 0, len(bundle)),
		byName:  make(map[string]int, len(bundle)),
		logger:  slog.Default().With("component", "tool_registry"),
	}
	for _, tool := range bundle {
		name := tool.Spec.Name
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("tool name is required")
		}
		if len(name) > MaxToolNameLength {
			return nil, fmt.Errorf("tool name %q exceeds maximum length of %d characters", name, MaxToolNameLength)
		}
		if tool.Executor == nil {
			return nil, fmt.Errorf("tool %q has no executor", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}

		schema, err := compileToolSchema(name, tool.Spec.InputSchema)
		if err != nil {
			return nil, err
		}

		r.byName[name] = len(r.entries)
		r.entries = append(r.entries, registryEntry{spec: tool.Spec, executor: tool.Executor, schema: schema})
	}
	return r, nil
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString("tool_"+name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %q: %w", name, err)
	}
	return compiled, nil
}

// WithLogger sets the logger used for dispatch diagnostics.
func (r *ToolRegistry) WithLogger(logger *slog.Logger) *ToolRegistry {
	if logger != nil {
		r.logger = logger.With("component", "tool_registry")
	}
	return r
}

// Specs returns the registered specs in bundle order.
func (r *ToolRegistry) Specs() []ToolSpec {
	specs := make([]ToolSpec, len(r.entries))
	for i, e := range r.entries {
		specs[i] = e.spec
	}
	return specs
}

// Get returns a spec by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (ToolSpec, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return ToolSpec{}, false
	}
	return r.entries[idx].spec, true
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	return len(r.entries)
}

// Dispatch runs a tool use and returns the tool_result block answering it.
// It never fails: unknown tools, invalid input, executor errors and panics
// all come back as error results so the model can react to them.
func (r *ToolRegistry) Dispatch(ctx context.Context, use models.ToolUse) models.Block {
	result := r.dispatch(ctx, use)
	return result.ToBlock(use.ID)
}

func (r *ToolRegistry) dispatch(ctx context.Context, use models.ToolUse) (result *ToolResult) {
	if len(use.Input) > MaxToolParamsSize {
		return ErrorResult(NewToolError(use.Name, ErrInvalidToolInput).
			WithToolUseID(use.ID).
			WithMessage(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)))
	}

	idx, ok := r.byName[use.Name]
	if !ok {
		return ErrorResult(NewToolError(use.Name, fmt.Errorf("%w: %s", ErrUnknownTool, use.Name)).WithToolUseID(use.ID))
	}
	entry := r.entries[idx]

	input := use.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	if err := validateToolInput(entry.schema, input); err != nil {
		return ErrorResult(NewToolError(use.Name, fmt.Errorf("%w: %v", ErrInvalidToolInput, err)).WithToolUseID(use.ID))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", use.Name,
				"tool_use_id", use.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = ErrorResult(NewToolError(use.Name, fmt.Errorf("%w: %v", ErrToolPanic, rec)).WithToolUseID(use.ID))
		}
	}()

	res, err := entry.executor.Execute(ctx, input)
	if err != nil {
		return ErrorResult(NewToolError(use.Name, err).WithToolUseID(use.ID))
	}
	if res == nil {
		return &ToolResult{}
	}
	return res
}

func validateToolInput(schema *jsonschema.Schema, input json.RawMessage) error {
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(payload)
}

// InterruptedResult is the block recorded for a tool use that was never
// dispatched because the run was cancelled.
func InterruptedResult(use models.ToolUse) models.Block {
	return ErrorResult(ErrInterrupted).ToBlock(use.ID)
}
