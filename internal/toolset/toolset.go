// Package toolset maps a computer-use protocol version to the tool bundle
// that implements it and builds one bundle per session.
package toolset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/observability"
	"github.com/haasonsaas/operative/internal/tools/computeruse"
	"github.com/haasonsaas/operative/internal/tools/files"
	"github.com/haasonsaas/operative/internal/tools/shell"
)

// Version is a computer-use protocol version.
type Version string

const (
	V20241022 Version = "computer_use_20241022"
	V20250124 Version = "computer_use_20250124"
)

// Default is the version used when none is configured.
const Default = V20250124

// ErrUnknownVersion indicates a protocol version missing from the table.
var ErrUnknownVersion = errors.New("unknown tool version")

// Tools names the tool types and beta flag of one protocol version.
type Tools struct {
	Computer computeruse.ToolType
	Bash     string
	Editor   string
	Beta     string
}

var versions = map[Version]Tools{
	V20241022: {
		Computer: computeruse.Computer20241022,
		Bash:     "bash_20241022",
		Editor:   "text_editor_20241022",
		Beta:     "computer-use-2024-10-22",
	},
	V20250124: {
		Computer: computeruse.Computer20250124,
		Bash:     "bash_20250124",
		Editor:   "text_editor_20250124",
		Beta:     "computer-use-2025-01-24",
	},
}

// Lookup returns the table row for v.
func Lookup(v Version) (Tools, error) {
	tools, ok := versions[v]
	if !ok {
		return Tools{}, fmt.Errorf("%w: %q", ErrUnknownVersion, v)
	}
	return tools, nil
}

// Versions returns the known versions, oldest first.
func Versions() []Version {
	out := make([]Version, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configures a session.
type Options struct {
	// Width and Height are the real display size in pixels.
	Width  int
	Height int

	DisplayNumber int

	// Scaling maps the display onto the closest safe resolution.
	// When false the model sees the real size.
	Scaling bool

	// Backend drives the display. Defaults to an X11 backend on DisplayNumber.
	Backend computeruse.Backend

	// ActionTimeout bounds each display action
	// Default: computeruse.DefaultActionTimeout
	ActionTimeout time.Duration

	// ScreenshotDelay is slept before follow-up screenshots.
	// Negative disables the delay.
	// Default: computeruse.DefaultScreenshotDelay
	ScreenshotDelay time.Duration

	// Shell is the shell binary for the bash tool
	Shell string

	// ShellTimeout bounds each bash command
	// Default: shell.DefaultTimeout
	ShellTimeout time.Duration

	// Root confines the editor. Empty allows any absolute path.
	Root string

	// Metrics counts shell restarts when set.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// Session is the tool bundle of one conversation.
type Session struct {
	Version  Version
	Tools    Tools
	Geometry computeruse.Geometry
	Computer *computeruse.Tool
	Shell    *shell.Tool
	Editor   *files.EditorTool
	History  *files.EditHistory
	Registry *agent.ToolRegistry
}

// New builds the tools for version v. The shell starts on first use.
func New(v Version, opts Options) (*Session, error) {
	tools, err := Lookup(v)
	if err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid display size %dx%d", opts.Width, opts.Height)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool_version", string(v))

	geometry := computeruse.IdentityGeometry(opts.Width, opts.Height)
	if opts.Scaling {
		geometry = computeruse.ChooseGeometry(opts.Width, opts.Height)
	}

	backend := opts.Backend
	if backend == nil {
		backend = computeruse.NewXBackend(opts.DisplayNumber, logger)
	}
	ccfg := computeruse.DefaultConfig(tools.Computer, geometry)
	ccfg.DisplayNumber = opts.DisplayNumber
	ccfg.Logger = logger
	if opts.ActionTimeout > 0 {
		ccfg.ActionTimeout = opts.ActionTimeout
	}
	switch {
	case opts.ScreenshotDelay > 0:
		ccfg.ScreenshotDelay = opts.ScreenshotDelay
	case opts.ScreenshotDelay < 0:
		ccfg.ScreenshotDelay = 0
	}
	computer, err := computeruse.NewTool(backend, ccfg)
	if err != nil {
		return nil, fmt.Errorf("computer tool: %w", err)
	}

	bash := shell.NewTool(shell.Config{
		Type:    tools.Bash,
		Timeout: opts.ShellTimeout,
		Shell:   opts.Shell,
		Logger:  logger,
		OnRestart: func(reason string) {
			opts.Metrics.RecordShellRestart(reason)
		},
	})
	history := files.NewEditHistory()
	editor := files.NewEditorTool(files.Config{
		Type:    tools.Editor,
		Root:    opts.Root,
		History: history,
		Logger:  logger,
	})

	bundle := []agent.RegisteredTool{
		{Spec: versioned(computer.Spec(), v), Executor: computer},
		{Spec: versioned(bash.Spec(), v), Executor: bash},
		{Spec: versioned(editor.Spec(), v), Executor: editor},
	}
	registry, err := agent.NewToolRegistry(bundle)
	if err != nil {
		_ = bash.Close()
		return nil, err
	}
	registry.WithLogger(logger)

	return &Session{
		Version:  v,
		Tools:    tools,
		Geometry: geometry,
		Computer: computer,
		Shell:    bash,
		Editor:   editor,
		History:  history,
		Registry: registry,
	}, nil
}

func versioned(spec agent.ToolSpec, v Version) agent.ToolSpec {
	spec.Version = string(v)
	return spec
}

// Betas returns the beta flags the session's tools need.
func (s *Session) Betas() []string {
	return []string{s.Tools.Beta}
}

// Close shuts down the shell.
func (s *Session) Close() error {
	return s.Shell.Close()
}
