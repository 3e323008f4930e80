package computeruse

import (
	"encoding/json"
	"fmt"
)

// ToolType is the provider-facing type of the computer tool.
type ToolType string

const (
	Computer20241022 ToolType = "computer_20241022"
	Computer20250124 ToolType = "computer_20250124"
)

// Action names.
const (
	ActionKey            = "key"
	ActionType           = "type"
	ActionMouseMove      = "mouse_move"
	ActionLeftClick      = "left_click"
	ActionLeftClickDrag  = "left_click_drag"
	ActionRightClick     = "right_click"
	ActionMiddleClick    = "middle_click"
	ActionDoubleClick    = "double_click"
	ActionScreenshot     = "screenshot"
	ActionCursorPosition = "cursor_position"

	ActionLeftMouseDown = "left_mouse_down"
	ActionLeftMouseUp   = "left_mouse_up"
	ActionScroll        = "scroll"
	ActionHoldKey       = "hold_key"
	ActionWait          = "wait"
	ActionTripleClick   = "triple_click"
)

var actions20241022 = []string{
	ActionKey,
	ActionType,
	ActionMouseMove,
	ActionLeftClick,
	ActionLeftClickDrag,
	ActionRightClick,
	ActionMiddleClick,
	ActionDoubleClick,
	ActionScreenshot,
	ActionCursorPosition,
}

var actions20250124 = append(append([]string(nil), actions20241022...),
	ActionLeftMouseDown,
	ActionLeftMouseUp,
	ActionScroll,
	ActionHoldKey,
	ActionWait,
	ActionTripleClick,
)

// Actions returns the actions a tool type accepts, in schema order.
func Actions(t ToolType) ([]string, error) {
	switch t {
	case Computer20241022:
		return append([]string(nil), actions20241022...), nil
	case Computer20250124:
		return append([]string(nil), actions20250124...), nil
	default:
		return nil, fmt.Errorf("unknown computer tool type %q", t)
	}
}

var coordinateSchema = map[string]any{
	"type":     "array",
	"items":    map[string]any{"type": "integer"},
	"minItems": 2,
	"maxItems": 2,
}

// Schema returns the input schema for a tool type. The action enum is the
// first gate for version-specific actions.
func Schema(t ToolType) (json.RawMessage, error) {
	actions, err := Actions(t)
	if err != nil {
		return nil, err
	}

	props := map[string]any{
		"action": map[string]any{
			"type":        "string",
			"description": "Computer use action to execute.",
			"enum":        actions,
		},
		"coordinate": withDescription(coordinateSchema, "Target coordinate [x, y] in screen pixels."),
		"text": map[string]any{
			"type":        "string",
			"description": "Text to type, key combination to press, or modifier keys to hold.",
		},
	}
	if t == Computer20250124 {
		props["start_coordinate"] = withDescription(coordinateSchema, "Drag start coordinate [x, y] in screen pixels.")
		props["scroll_direction"] = map[string]any{
			"type": "string",
			"enum": []string{"up", "down", "left", "right"},
		}
		props["scroll_amount"] = map[string]any{
			"type":    "integer",
			"minimum": 0,
		}
		props["duration"] = map[string]any{
			"type":        "number",
			"minimum":     0,
			"maximum":     maxDurationSeconds,
			"description": "Seconds to wait or hold a key.",
		}
	}

	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"action"},
	})
}

func withDescription(schema map[string]any, desc string) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["description"] = desc
	return out
}
