package computeruse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // Register PNG decoder
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Button is a mouse button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonMiddle Button = "middle"
	ButtonRight  Button = "right"
)

// Backend injects input into a display and captures it. Coordinates are
// display pixels; the tool has already mapped them out of model space.
type Backend interface {
	// MovePointer moves the pointer to x, y.
	MovePointer(ctx context.Context, x, y int) error

	// Click clicks button count times at the current pointer position
	// while holding modifiers, an xdotool-style key combo such as "shift".
	Click(ctx context.Context, button Button, count int, modifiers string) error

	// SetButton presses or releases button.
	SetButton(ctx context.Context, button Button, down bool) error

	// Key presses and releases a key combo such as "ctrl+l".
	Key(ctx context.Context, keys string) error

	// SetKey presses or releases a key combo.
	SetKey(ctx context.Context, keys string, down bool) error

	// TypeText types text as keystrokes.
	TypeText(ctx context.Context, text string) error

	// Scroll turns the wheel amount clicks in direction (up, down, left, right).
	Scroll(ctx context.Context, direction string, amount int, modifiers string) error

	// PointerPosition reports where the pointer is.
	PointerPosition(ctx context.Context) (int, int, error)

	// Screenshot captures the whole display at its native size.
	Screenshot(ctx context.Context) (image.Image, error)
}

// XBackend drives an X11 display with xdotool and a screenshot utility.
type XBackend struct {
	display string
	tmpDir  string
	logger  *slog.Logger
}

// NewXBackend creates a backend for X display :displayNumber.
func NewXBackend(displayNumber int, logger *slog.Logger) *XBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &XBackend{
		display: fmt.Sprintf(":%d", displayNumber),
		tmpDir:  os.TempDir(),
		logger:  logger.With("component", "x_backend"),
	}
}

var xButtons = map[Button]string{
	ButtonLeft:   "1",
	ButtonMiddle: "2",
	ButtonRight:  "3",
}

var xScrollButtons = map[string]string{
	"up":    "4",
	"down":  "5",
	"left":  "6",
	"right": "7",
}

func xButton(b Button) (string, error) {
	if n, ok := xButtons[b]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown mouse button %q", b)
}

func (b *XBackend) MovePointer(ctx context.Context, x, y int) error {
	_, err := b.xdotool(ctx, "mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (b *XBackend) Click(ctx context.Context, button Button, count int, modifiers string) error {
	args, err := clickArgs(button, count, modifiers)
	if err != nil {
		return err
	}
	_, err = b.xdotool(ctx, args...)
	return err
}

func clickArgs(button Button, count int, modifiers string) ([]string, error) {
	n, err := xButton(button)
	if err != nil {
		return nil, err
	}
	click := []string{"click", n}
	if count > 1 {
		click = []string{"click", "--repeat", strconv.Itoa(count), "--delay", "10", n}
	}
	return withModifiers(modifiers, click), nil
}

func (b *XBackend) SetButton(ctx context.Context, button Button, down bool) error {
	n, err := xButton(button)
	if err != nil {
		return err
	}
	cmd := "mouseup"
	if down {
		cmd = "mousedown"
	}
	_, err = b.xdotool(ctx, cmd, n)
	return err
}

func (b *XBackend) Key(ctx context.Context, keys string) error {
	_, err := b.xdotool(ctx, "key", "--", keys)
	return err
}

func (b *XBackend) SetKey(ctx context.Context, keys string, down bool) error {
	cmd := "keyup"
	if down {
		cmd = "keydown"
	}
	_, err := b.xdotool(ctx, cmd, keys)
	return err
}

func (b *XBackend) TypeText(ctx context.Context, text string) error {
	_, err := b.xdotool(ctx, "type", "--delay", typingDelayMs, "--", text)
	return err
}

func (b *XBackend) Scroll(ctx context.Context, direction string, amount int, modifiers string) error {
	args, err := scrollArgs(direction, amount, modifiers)
	if err != nil {
		return err
	}
	_, err = b.xdotool(ctx, args...)
	return err
}

func scrollArgs(direction string, amount int, modifiers string) ([]string, error) {
	n, ok := xScrollButtons[direction]
	if !ok {
		return nil, fmt.Errorf("unknown scroll direction %q", direction)
	}
	return withModifiers(modifiers, []string{"click", "--repeat", strconv.Itoa(amount), n}), nil
}

// withModifiers holds keys down around cmd.
func withModifiers(keys string, cmd []string) []string {
	if keys == "" {
		return cmd
	}
	out := []string{"keydown", keys}
	out = append(out, cmd...)
	return append(out, "keyup", keys)
}

func (b *XBackend) PointerPosition(ctx context.Context) (int, int, error) {
	out, err := b.xdotool(ctx, "getmouselocation", "--shell")
	if err != nil {
		return 0, 0, err
	}
	return parseMouseLocation(out)
}

func parseMouseLocation(out string) (int, int, error) {
	values := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			values[k] = n
		}
	}
	x, okX := values["X"]
	y, okY := values["Y"]
	if !okX || !okY {
		return 0, 0, fmt.Errorf("unexpected getmouselocation output %q", strings.TrimSpace(out))
	}
	return x, y, nil
}

func (b *XBackend) xdotool(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return "", errors.New("computer use on Linux requires xdotool (apt install xdotool)")
	}
	return b.run(ctx, "xdotool", args...)
}

func (b *XBackend) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "DISPLAY="+b.display)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("running display command", "command", name, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Screenshot implements Backend. It prefers gnome-screenshot, then scrot,
// then ImageMagick import.
func (b *XBackend) Screenshot(ctx context.Context) (image.Image, error) {
	path := filepath.Join(b.tmpDir, fmt.Sprintf("screenshot_%s.png", uuid.NewString()))
	defer os.Remove(path)

	var name string
	var args []string
	switch {
	case lookPath("gnome-screenshot"):
		name, args = "gnome-screenshot", []string{"-f", path, "-p"}
	case lookPath("scrot"):
		name, args = "scrot", []string{"-p", path}
	case lookPath("import"):
		name, args = "import", []string{"-window", "root", path}
	default:
		return nil, errors.New("screenshot requires gnome-screenshot, scrot or imagemagick")
	}

	if _, err := b.run(ctx, name, args...); err != nil {
		return nil, fmt.Errorf("take screenshot: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
