package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ToolDisplay contains formatted display info for a tool use.
type ToolDisplay struct {
	Name   string
	Emoji  string
	Title  string
	Label  string
	Detail string
}

// ToolDisplaySpec defines how a tool is shown.
type ToolDisplaySpec struct {
	Emoji      string
	Title      string
	Label      string
	DetailKeys []string

	// Actions override the label and detail keys per value of the
	// tool's action or command field.
	Actions map[string]ToolDisplayAction
}

// ToolDisplayAction defines action-specific display overrides.
type ToolDisplayAction struct {
	Label      string
	DetailKeys []string
}

// MaxDetailEntries limits the number of detail items shown.
const MaxDetailEntries = 4

// maxDetailLen clips long details such as typed text or shell commands.
const maxDetailLen = 80

var fallbackDisplay = ToolDisplaySpec{Emoji: "🧩"}

var toolDisplays = map[string]ToolDisplaySpec{
	"computer": {
		Emoji:      "🖥️",
		Title:      "Computer",
		DetailKeys: []string{"coordinate"},
		Actions: map[string]ToolDisplayAction{
			"screenshot":      {Label: "Taking screenshot"},
			"cursor_position": {Label: "Reading cursor"},
			"key":             {Label: "Pressing", DetailKeys: []string{"text"}},
			"hold_key":        {Label: "Holding", DetailKeys: []string{"text", "duration"}},
			"type":            {Label: "Typing", DetailKeys: []string{"text"}},
			"mouse_move":      {Label: "Moving mouse", DetailKeys: []string{"coordinate"}},
			"left_click":      {Label: "Clicking", DetailKeys: []string{"coordinate", "text"}},
			"right_click":     {Label: "Right clicking", DetailKeys: []string{"coordinate"}},
			"middle_click":    {Label: "Middle clicking", DetailKeys: []string{"coordinate"}},
			"double_click":    {Label: "Double clicking", DetailKeys: []string{"coordinate"}},
			"triple_click":    {Label: "Triple clicking", DetailKeys: []string{"coordinate"}},
			"left_click_drag": {Label: "Dragging", DetailKeys: []string{"start_coordinate", "coordinate"}},
			"left_mouse_down": {Label: "Pressing mouse"},
			"left_mouse_up":   {Label: "Releasing mouse"},
			"scroll":          {Label: "Scrolling", DetailKeys: []string{"scroll_direction", "scroll_amount", "coordinate"}},
			"wait":            {Label: "Waiting", DetailKeys: []string{"duration"}},
		},
	},
	"bash": {
		Emoji:      "💻",
		Title:      "Bash",
		Label:      "Running",
		DetailKeys: []string{"command"},
	},
	"str_replace_editor": {
		Emoji:      "✏️",
		Title:      "Editor",
		DetailKeys: []string{"path"},
		Actions: map[string]ToolDisplayAction{
			"view":        {Label: "Viewing", DetailKeys: []string{"path", "view_range"}},
			"create":      {Label: "Creating"},
			"str_replace": {Label: "Editing"},
			"insert":      {Label: "Inserting", DetailKeys: []string{"path", "insert_line"}},
			"undo_edit":   {Label: "Undoing edit"},
		},
	},
}

// ResolveToolDisplay resolves display info for a tool use with raw JSON input.
func ResolveToolDisplay(name string, input json.RawMessage) *ToolDisplay {
	var args map[string]any
	_ = json.Unmarshal(input, &args)

	spec, ok := toolDisplays[name]
	if !ok {
		spec = fallbackDisplay
	}
	display := &ToolDisplay{
		Name:  name,
		Emoji: spec.Emoji,
		Title: spec.Title,
		Label: spec.Label,
	}
	if display.Title == "" {
		display.Title = defaultTitle(name)
	}

	keys := spec.DetailKeys
	if action := actionOf(args); action != "" {
		if override, ok := spec.Actions[action]; ok {
			if override.Label != "" {
				display.Label = override.Label
			}
			if len(override.DetailKeys) > 0 {
				keys = override.DetailKeys
			}
		} else if display.Label == "" {
			display.Label = display.Title + " " + action
		}
	}
	display.Detail = resolveDetailFromKeys(args, keys)
	return display
}

// FormatToolSummary formats a complete tool summary line.
func FormatToolSummary(display *ToolDisplay) string {
	var parts []string
	if display.Emoji != "" {
		parts = append(parts, display.Emoji)
	}
	label := display.Label
	if label == "" {
		label = display.Title
	}
	if label != "" {
		parts = append(parts, label)
	}
	summary := strings.Join(parts, " ")
	if display.Detail != "" {
		summary += ": " + display.Detail
	}
	return summary
}

// defaultTitle title-cases a snake or kebab case tool name.
func defaultTitle(name string) string {
	normalized := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(name))
	words := strings.Fields(normalized)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// actionOf returns the action or command field of the input.
func actionOf(args map[string]any) string {
	for _, key := range []string{"action", "command"} {
		if val, ok := args[key].(string); ok {
			return val
		}
	}
	return ""
}

// coerceDisplayValue converts a decoded JSON value to a display string.
func coerceDisplayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceDisplayValue(item); s != "" {
				items = append(items, s)
			}
		}
		if len(items) == 0 {
			return ""
		}
		return "(" + strings.Join(items, ", ") + ")"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// resolveDetailFromKeys extracts details from args using the given keys.
func resolveDetailFromKeys(args map[string]any, keys []string) string {
	var details []string
	for _, key := range keys {
		if len(details) >= MaxDetailEntries {
			break
		}
		s := coerceDisplayValue(args[key])
		if s == "" {
			continue
		}
		if key == "path" {
			s = shortenHomePath(s)
		}
		details = append(details, clip(singleLine(s), maxDetailLen))
	}
	return strings.Join(details, " · ")
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// shortenHomePath replaces the home directory with ~.
func shortenHomePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	cleanPath := filepath.Clean(path)
	cleanHome := filepath.Clean(home)
	if cleanPath == cleanHome || strings.HasPrefix(cleanPath, cleanHome+string(filepath.Separator)) {
		return "~" + cleanPath[len(cleanHome):]
	}
	return path
}
