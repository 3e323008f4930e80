// Package files implements the text editor tool: viewing files and
// directories, creating files, exact string replacement, line insertion and
// undo.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/tools"
)

// snippetContext is the number of lines shown around an edit.
const snippetContext = 4

var (
	// ErrAlreadyExists indicates create was asked to overwrite a path.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrNoMatch indicates old_str is absent or occurs more than once.
	ErrNoMatch = errors.New("no unique match")

	// ErrNoHistory indicates there is no edit to undo.
	ErrNoHistory = errors.New("no edit history")

	// ErrNotFound indicates the path does not exist.
	ErrNotFound = errors.New("path does not exist")

	// ErrInvalidPath indicates a relative, escaping or wrongly typed path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidRange indicates a bad view_range or insert_line.
	ErrInvalidRange = errors.New("invalid line range")
)

// Command names.
const (
	CommandView       = "view"
	CommandCreate     = "create"
	CommandStrReplace = "str_replace"
	CommandInsert     = "insert"
	CommandUndoEdit   = "undo_edit"
)

// SchemaJSON is the input schema of the editor tool.
const SchemaJSON = `{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "enum": ["view", "create", "str_replace", "insert", "undo_edit"]
    },
    "path": {
      "type": "string",
      "description": "Absolute path to a file or directory."
    },
    "file_text": {
      "type": "string",
      "description": "Content of the file to create."
    },
    "view_range": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 2,
      "maxItems": 2
    },
    "old_str": {
      "type": "string",
      "description": "Text to replace. Must occur exactly once."
    },
    "new_str": {
      "type": "string"
    },
    "insert_line": {
      "type": "integer",
      "minimum": 0,
      "description": "new_str is inserted after this line."
    }
  },
  "required": ["command", "path"]
}`

// Config configures the editor tool.
type Config struct {
	// Type is the provider-facing tool type, such as "text_editor_20250124".
	Type string

	// Root confines edits to a directory tree. Empty allows any absolute path.
	Root string

	// History records pre-images for undo. A fresh one is created when nil.
	History *EditHistory

	Logger *slog.Logger
}

// EditorTool is the str_replace_editor tool.
type EditorTool struct {
	resolver Resolver
	history  *EditHistory
	config   Config
	logger   *slog.Logger
}

// NewEditorTool creates an editor tool.
func NewEditorTool(cfg Config) *EditorTool {
	history := cfg.History
	if history == nil {
		history = NewEditHistory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EditorTool{
		resolver: Resolver{Root: cfg.Root},
		history:  history,
		config:   cfg,
		logger:   logger.With("component", "editor_tool"),
	}
}

// Name returns the tool name.
func (t *EditorTool) Name() string {
	return "str_replace_editor"
}

// History returns the tool's edit history.
func (t *EditorTool) History() *EditHistory {
	return t.history
}

// Spec describes the tool to the provider.
func (t *EditorTool) Spec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        t.Name(),
		Type:        t.config.Type,
		Description: "View, create and edit files.",
		InputSchema: json.RawMessage(SchemaJSON),
	}
}

type editorInput struct {
	Command    string  `json:"command"`
	Path       string  `json:"path"`
	FileText   *string `json:"file_text"`
	ViewRange  []int   `json:"view_range"`
	OldStr     *string `json:"old_str"`
	NewStr     *string `json:"new_str"`
	InsertLine *int    `json:"insert_line"`
}

// Execute implements agent.Executor.
func (t *EditorTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var in editorInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidToolInput, err)
	}
	path, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return nil, err
	}

	var out string
	switch in.Command {
	case CommandView:
		out, err = t.view(path, in.ViewRange)
	case CommandCreate:
		if in.FileText == nil {
			return nil, fmt.Errorf("%w: file_text is required for create", agent.ErrInvalidToolInput)
		}
		out, err = t.create(path, *in.FileText)
	case CommandStrReplace:
		if in.OldStr == nil {
			return nil, fmt.Errorf("%w: old_str is required for str_replace", agent.ErrInvalidToolInput)
		}
		newStr := ""
		if in.NewStr != nil {
			newStr = *in.NewStr
		}
		out, err = t.strReplace(path, *in.OldStr, newStr)
	case CommandInsert:
		if in.InsertLine == nil || in.NewStr == nil {
			return nil, fmt.Errorf("%w: insert_line and new_str are required for insert", agent.ErrInvalidToolInput)
		}
		out, err = t.insert(path, *in.InsertLine, *in.NewStr)
	case CommandUndoEdit:
		out, err = t.undo(path)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", agent.ErrInvalidToolInput, in.Command)
	}
	if err != nil {
		return nil, err
	}
	if in.Command != CommandView {
		t.logger.Debug("file edited", "command", in.Command, "path", path)
	}
	return &agent.ToolResult{Output: tools.Truncate(out, 0)}, nil
}

func (t *EditorTool) view(path string, rng []int) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if info.IsDir() {
		if len(rng) > 0 {
			return "", fmt.Errorf("%w: view_range is not allowed for a directory", ErrInvalidRange)
		}
		listing, err := listDir(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Here are the files and directories up to %d levels deep in %s, excluding hidden items:\n%s\n", listDepth, path, listing), nil
	}

	content, err := readFile(path)
	if err != nil {
		return "", err
	}
	lines, first, err := viewRange(splitLines(content), rng)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Here's the result of running `cat -n` on %s:\n%s\n", path, number(lines, first)), nil
}

func (t *EditorTool) create(path, text string) (string, error) {
	if exists(path) {
		return "", fmt.Errorf("%w: %s, use str_replace to edit it", ErrAlreadyExists, path)
	}
	t.history.push(path, snapshot{absent: true})
	if err := writeFile(path, text); err != nil {
		t.history.pop(path)
		return "", err
	}
	return fmt.Sprintf("File created successfully at: %s", path), nil
}

func (t *EditorTool) strReplace(path, oldStr, newStr string) (string, error) {
	if oldStr == "" {
		return "", fmt.Errorf("%w: old_str must not be empty", ErrNoMatch)
	}
	content, err := readFile(path)
	if err != nil {
		return "", err
	}

	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return "", fmt.Errorf("%w: old_str did not appear verbatim in %s", ErrNoMatch, path)
	case n > 1:
		return "", fmt.Errorf("%w: old_str occurs %d times in %s, on lines %v; make it unique", ErrNoMatch, n, path, matchLines(content, oldStr))
	}

	idx := strings.Index(content, oldStr)
	updated := content[:idx] + newStr + content[idx+len(oldStr):]
	if err := t.mutate(path, content, updated); err != nil {
		return "", err
	}

	line := strings.Count(content[:idx], "\n")
	end := line + strings.Count(newStr, "\n")
	return fmt.Sprintf("The file %s has been edited. %s", path, snippet(path, updated, line, end)), nil
}

func (t *EditorTool) insert(path string, after int, newStr string) (string, error) {
	content, err := readFile(path)
	if err != nil {
		return "", err
	}
	lines := splitLines(content)
	if after < 0 || after > len(lines) {
		return "", fmt.Errorf("%w: insert_line %d should be within [0, %d]", ErrInvalidRange, after, len(lines))
	}

	inserted := splitLines(newStr)
	if len(inserted) == 0 {
		inserted = []string{""}
	}
	merged := make([]string, 0, len(lines)+len(inserted))
	merged = append(merged, lines[:after]...)
	merged = append(merged, inserted...)
	merged = append(merged, lines[after:]...)

	updated := strings.Join(merged, "\n")
	if content == "" || strings.HasSuffix(content, "\n") {
		updated += "\n"
	}
	if err := t.mutate(path, content, updated); err != nil {
		return "", err
	}
	return fmt.Sprintf("The file %s has been edited. %s", path, snippet(path, updated, after, after+len(inserted)-1)), nil
}

func (t *EditorTool) undo(path string) (string, error) {
	snap, ok := t.history.pop(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHistory, path)
	}
	if snap.absent {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.history.push(path, snap)
			return "", fmt.Errorf("remove file: %w", err)
		}
		return fmt.Sprintf("Last edit to %s undone successfully. The file was removed.", path), nil
	}
	if err := writeFile(path, snap.content); err != nil {
		t.history.push(path, snap)
		return "", err
	}
	return fmt.Sprintf("Last edit to %s undone successfully. Here's the result of running `cat -n` on %s:\n%s\n",
		path, path, number(splitLines(snap.content), 1)), nil
}

// mutate records the pre-image and writes the new content.
func (t *EditorTool) mutate(path, before, after string) error {
	t.history.push(path, snapshot{content: before})
	if err := writeFile(path, after); err != nil {
		t.history.pop(path)
		return err
	}
	return nil
}

// snippet renders the lines [first-snippetContext, last+snippetContext],
// 0-based, of content.
func snippet(path, content string, first, last int) string {
	lines := splitLines(content)
	start := max(first-snippetContext, 0)
	end := min(last+snippetContext+1, len(lines))
	if start > end {
		start = end
	}
	return fmt.Sprintf("Here's the result of running `cat -n` on a snippet of %s:\n%s\nReview the changes and make sure they are as expected. Edit the file again if necessary.",
		path, number(lines[start:end], start+1))
}

// matchLines returns the 1-based lines on which sub starts.
func matchLines(content, sub string) []int {
	var lines []int
	offset := 0
	for {
		i := strings.Index(content[offset:], sub)
		if i < 0 {
			return lines
		}
		lines = append(lines, strings.Count(content[:offset+i], "\n")+1)
		offset += i + 1
	}
}
