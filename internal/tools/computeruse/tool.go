// Package computeruse implements the computer tool: mouse, keyboard and
// screenshot actions against a display backend, with coordinates mapped
// between the model's screen and the real one.
package computeruse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/backoff"
)

const (
	// DefaultActionTimeout bounds each backend call.
	DefaultActionTimeout = 10 * time.Second

	// DefaultScreenshotDelay lets the screen settle before the follow-up screenshot.
	DefaultScreenshotDelay = 2 * time.Second

	typingChunkSize    = 50
	typingDelayMs      = "12"
	maxDurationSeconds = 100
)

var (
	// ErrActionTimeout indicates a backend call outlived ActionTimeout.
	ErrActionTimeout = errors.New("computer action timed out")

	// ErrUnsupportedAction indicates an action the tool version does not offer.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// Config configures a computer tool.
type Config struct {
	Type          ToolType
	Geometry      Geometry
	DisplayNumber int

	// ActionTimeout bounds each backend call
	// Default: DefaultActionTimeout
	ActionTimeout time.Duration

	// ScreenshotDelay is slept before the screenshot that follows an action.
	// Zero takes the screenshot immediately.
	ScreenshotDelay time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the configuration used outside tests.
func DefaultConfig(t ToolType, geometry Geometry) Config {
	return Config{
		Type:            t,
		Geometry:        geometry,
		ActionTimeout:   DefaultActionTimeout,
		ScreenshotDelay: DefaultScreenshotDelay,
	}
}

// Tool is the computer tool for one session.
type Tool struct {
	backend Backend
	config  Config
	schema  json.RawMessage
	allowed map[string]bool
	logger  *slog.Logger
}

// NewTool creates a computer tool backed by backend.
func NewTool(backend Backend, cfg Config) (*Tool, error) {
	if backend == nil {
		return nil, errors.New("computer tool requires a backend")
	}
	if cfg.Geometry.ActualWidth <= 0 || cfg.Geometry.ActualHeight <= 0 {
		return nil, fmt.Errorf("invalid display size %dx%d", cfg.Geometry.ActualWidth, cfg.Geometry.ActualHeight)
	}
	actions, err := Actions(cfg.Type)
	if err != nil {
		return nil, err
	}
	schema, err := Schema(cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.ScreenshotDelay < 0 {
		cfg.ScreenshotDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(actions))
	for _, a := range actions {
		allowed[a] = true
	}
	return &Tool{
		backend: backend,
		config:  cfg,
		schema:  schema,
		allowed: allowed,
		logger:  logger.With("component", "computer_tool", "tool_type", string(cfg.Type)),
	}, nil
}

func (t *Tool) Name() string { return "computer" }

// Geometry returns the session geometry.
func (t *Tool) Geometry() Geometry { return t.config.Geometry }

// Spec describes the tool to the provider. The advertised display is model space.
func (t *Tool) Spec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        t.Name(),
		Type:        string(t.config.Type),
		Description: "Control the desktop with mouse, keyboard and screenshot actions.",
		InputSchema: t.schema,
		Display: &agent.DisplaySpec{
			WidthPx:       t.config.Geometry.ModelWidth,
			HeightPx:      t.config.Geometry.ModelHeight,
			DisplayNumber: t.config.DisplayNumber,
		},
	}
}

type input struct {
	Action          string   `json:"action"`
	Coordinate      []int    `json:"coordinate"`
	StartCoordinate []int    `json:"start_coordinate"`
	Text            *string  `json:"text"`
	ScrollDirection string   `json:"scroll_direction"`
	ScrollAmount    *int     `json:"scroll_amount"`
	Duration        *float64 `json:"duration"`
}

func (in input) text() string {
	if in.Text == nil {
		return ""
	}
	return *in.Text
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", agent.ErrInvalidToolInput, fmt.Sprintf(format, args...))
}

// Execute implements agent.Executor.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, invalidInput("%v", err)
	}
	if !t.allowed[in.Action] {
		return nil, fmt.Errorf("%w: %q is not available in %s", ErrUnsupportedAction, in.Action, t.config.Type)
	}
	t.logger.Debug("computer action", "action", in.Action)

	switch in.Action {
	case ActionScreenshot:
		if err := noExtras(in, false, false); err != nil {
			return nil, err
		}
		return t.withScreenshot(ctx, "", 0)

	case ActionCursorPosition:
		if err := noExtras(in, false, false); err != nil {
			return nil, err
		}
		return t.cursorPosition(ctx)

	case ActionMouseMove:
		if err := noExtras(in, true, false); err != nil {
			return nil, err
		}
		x, y, err := t.point(in.Coordinate, "coordinate", true)
		if err != nil {
			return nil, err
		}
		return t.then(ctx, t.act(ctx, "mouse_move", func(ctx context.Context) error {
			return t.backend.MovePointer(ctx, x, y)
		}))

	case ActionLeftClickDrag:
		return t.drag(ctx, in)

	case ActionKey:
		if err := requireText(in); err != nil {
			return nil, err
		}
		return t.then(ctx, t.act(ctx, "key", func(ctx context.Context) error {
			return t.backend.Key(ctx, in.text())
		}))

	case ActionType:
		if err := requireText(in); err != nil {
			return nil, err
		}
		return t.typeText(ctx, in.text())

	case ActionLeftClick, ActionRightClick, ActionMiddleClick, ActionDoubleClick, ActionTripleClick:
		return t.click(ctx, in)

	case ActionLeftMouseDown, ActionLeftMouseUp:
		if err := noExtras(in, false, false); err != nil {
			return nil, err
		}
		down := in.Action == ActionLeftMouseDown
		return t.then(ctx, t.act(ctx, in.Action, func(ctx context.Context) error {
			return t.backend.SetButton(ctx, ButtonLeft, down)
		}))

	case ActionScroll:
		return t.scroll(ctx, in)

	case ActionHoldKey:
		if err := requireText(in); err != nil {
			return nil, err
		}
		d, err := duration(in)
		if err != nil {
			return nil, err
		}
		return t.holdKey(ctx, in.text(), d)

	case ActionWait:
		d, err := duration(in)
		if err != nil {
			return nil, err
		}
		if err := backoff.SleepWithContext(ctx, d); err != nil {
			return nil, err
		}
		return t.withScreenshot(ctx, "", 0)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, in.Action)
}

// noExtras rejects coordinate and text where the action does not take them.
func noExtras(in input, coordinateOK, textOK bool) error {
	if !coordinateOK && in.Coordinate != nil {
		return invalidInput("coordinate is not accepted for %s", in.Action)
	}
	if !textOK && in.Text != nil {
		return invalidInput("text is not accepted for %s", in.Action)
	}
	return nil
}

func requireText(in input) error {
	if in.Coordinate != nil {
		return invalidInput("coordinate is not accepted for %s", in.Action)
	}
	if in.text() == "" {
		return invalidInput("text is required for %s", in.Action)
	}
	return nil
}

func duration(in input) (time.Duration, error) {
	if in.Duration == nil {
		return 0, invalidInput("duration is required for %s", in.Action)
	}
	d := *in.Duration
	if d < 0 {
		return 0, invalidInput("duration must be non-negative")
	}
	if d > maxDurationSeconds {
		return 0, invalidInput("duration is too long")
	}
	return time.Duration(d * float64(time.Second)), nil
}

// point validates a model-space coordinate and maps it to the display.
func (t *Tool) point(coord []int, field string, required bool) (int, int, error) {
	if coord == nil {
		if required {
			return 0, 0, invalidInput("%s is required", field)
		}
		return 0, 0, nil
	}
	if len(coord) != 2 {
		return 0, 0, invalidInput("%s must be a pair of integers", field)
	}
	return t.config.Geometry.ToActual(coord[0], coord[1])
}

// moveTo moves the pointer to coord when one was given.
func (t *Tool) moveTo(ctx context.Context, coord []int, field string) error {
	if coord == nil {
		return nil
	}
	x, y, err := t.point(coord, field, true)
	if err != nil {
		return err
	}
	return t.act(ctx, "mouse_move", func(ctx context.Context) error {
		return t.backend.MovePointer(ctx, x, y)
	})
}

func (t *Tool) drag(ctx context.Context, in input) (*agent.ToolResult, error) {
	if err := noExtras(in, true, false); err != nil {
		return nil, err
	}
	if in.StartCoordinate != nil && t.config.Type == Computer20241022 {
		return nil, invalidInput("start_coordinate is not accepted for %s", t.config.Type)
	}
	ex, ey, err := t.point(in.Coordinate, "coordinate", true)
	if err != nil {
		return nil, err
	}
	if in.StartCoordinate != nil {
		if _, _, err := t.point(in.StartCoordinate, "start_coordinate", true); err != nil {
			return nil, err
		}
	}

	if err := t.moveTo(ctx, in.StartCoordinate, "start_coordinate"); err != nil {
		return nil, err
	}
	if err := t.act(ctx, "left_click_drag", func(ctx context.Context) error {
		return t.backend.SetButton(ctx, ButtonLeft, true)
	}); err != nil {
		return nil, err
	}
	moveErr := t.act(ctx, "left_click_drag", func(ctx context.Context) error {
		return t.backend.MovePointer(ctx, ex, ey)
	})
	// Release even after a failed move so the button is not left pressed.
	upErr := t.act(context.WithoutCancel(ctx), "left_click_drag", func(ctx context.Context) error {
		return t.backend.SetButton(ctx, ButtonLeft, false)
	})
	return t.then(ctx, errors.Join(moveErr, upErr))
}

type clickSpec struct {
	button Button
	count  int
}

var clicks = map[string]clickSpec{
	ActionLeftClick:   {ButtonLeft, 1},
	ActionRightClick:  {ButtonRight, 1},
	ActionMiddleClick: {ButtonMiddle, 1},
	ActionDoubleClick: {ButtonLeft, 2},
	ActionTripleClick: {ButtonLeft, 3},
}

func (t *Tool) click(ctx context.Context, in input) (*agent.ToolResult, error) {
	if t.config.Type == Computer20241022 {
		if err := noExtras(in, false, false); err != nil {
			return nil, err
		}
	}
	if in.Coordinate != nil {
		if _, _, err := t.point(in.Coordinate, "coordinate", true); err != nil {
			return nil, err
		}
	}

	if err := t.moveTo(ctx, in.Coordinate, "coordinate"); err != nil {
		return nil, err
	}
	c := clicks[in.Action]
	return t.then(ctx, t.act(ctx, in.Action, func(ctx context.Context) error {
		return t.backend.Click(ctx, c.button, c.count, in.text())
	}))
}

var scrollDirections = map[string]bool{"up": true, "down": true, "left": true, "right": true}

func (t *Tool) scroll(ctx context.Context, in input) (*agent.ToolResult, error) {
	if !scrollDirections[in.ScrollDirection] {
		return nil, invalidInput("scroll_direction must be one of up, down, left, right")
	}
	if in.ScrollAmount == nil || *in.ScrollAmount < 0 {
		return nil, invalidInput("scroll_amount must be a non-negative integer")
	}
	if in.Coordinate != nil {
		if _, _, err := t.point(in.Coordinate, "coordinate", true); err != nil {
			return nil, err
		}
	}

	if err := t.moveTo(ctx, in.Coordinate, "coordinate"); err != nil {
		return nil, err
	}
	return t.then(ctx, t.act(ctx, "scroll", func(ctx context.Context) error {
		return t.backend.Scroll(ctx, in.ScrollDirection, *in.ScrollAmount, in.text())
	}))
}

func (t *Tool) typeText(ctx context.Context, text string) (*agent.ToolResult, error) {
	for _, chunk := range chunkString(text, typingChunkSize) {
		if err := t.act(ctx, "type", func(ctx context.Context) error {
			return t.backend.TypeText(ctx, chunk)
		}); err != nil {
			return nil, err
		}
	}
	return t.withScreenshot(ctx, "", t.config.ScreenshotDelay)
}

func chunkString(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func (t *Tool) holdKey(ctx context.Context, keys string, d time.Duration) (*agent.ToolResult, error) {
	if err := t.act(ctx, "hold_key", func(ctx context.Context) error {
		return t.backend.SetKey(ctx, keys, true)
	}); err != nil {
		return nil, err
	}
	sleepErr := backoff.SleepWithContext(ctx, d)
	// Release even when cancelled so the key is not left pressed.
	if err := t.act(context.WithoutCancel(ctx), "hold_key", func(ctx context.Context) error {
		return t.backend.SetKey(ctx, keys, false)
	}); err != nil {
		return nil, err
	}
	if sleepErr != nil {
		return nil, sleepErr
	}
	return t.withScreenshot(ctx, "", t.config.ScreenshotDelay)
}

func (t *Tool) cursorPosition(ctx context.Context) (*agent.ToolResult, error) {
	var x, y int
	err := t.act(ctx, "cursor_position", func(ctx context.Context) error {
		var err error
		x, y, err = t.backend.PointerPosition(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	mx, my := t.config.Geometry.ToModel(x, y)
	return &agent.ToolResult{Output: fmt.Sprintf("X=%d,Y=%d", mx, my)}, nil
}

// act runs one backend call bounded by ActionTimeout.
func (t *Tool) act(ctx context.Context, what string, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, t.config.ActionTimeout)
	defer cancel()
	if err := fn(actx); err != nil {
		return t.timeoutError(ctx, actx, err, what)
	}
	return nil
}

// then finishes an input action: on success the settled screen is attached.
func (t *Tool) then(ctx context.Context, err error) (*agent.ToolResult, error) {
	if err != nil {
		return nil, err
	}
	return t.withScreenshot(ctx, "", t.config.ScreenshotDelay)
}

func (t *Tool) timeoutError(ctx, actx context.Context, err error, what string) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not finish within %s", ErrActionTimeout, what, t.config.ActionTimeout)
	}
	return err
}

// withScreenshot waits delay, captures the screen in model space and
// attaches it to a result carrying output.
func (t *Tool) withScreenshot(ctx context.Context, output string, delay time.Duration) (*agent.ToolResult, error) {
	if err := backoff.SleepWithContext(ctx, delay); err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, t.config.ActionTimeout)
	defer cancel()
	img, err := t.backend.Screenshot(actx)
	if err != nil {
		return nil, t.timeoutError(ctx, actx, err, "screenshot")
	}
	encoded, err := t.config.Geometry.Resample(img)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Output: output, Image: encoded}, nil
}
