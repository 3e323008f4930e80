package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/tools"
)

const (
	restartedNotice = "tool has been restarted."
	diedNotice      = "shell session exited unexpectedly and was restarted"
)

// SchemaJSON is the input schema of the bash tool.
const SchemaJSON = `{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "description": "The bash command to run."
    },
    "restart": {
      "type": "boolean",
      "description": "Restart the shell session."
    }
  }
}`

// Config configures the bash tool.
type Config struct {
	// Type is the provider-facing tool type, such as "bash_20250124".
	Type string

	// Timeout bounds each command
	// Default: DefaultTimeout
	Timeout time.Duration

	// Shell is the shell binary
	// Default: /bin/bash
	Shell string

	// OnRestart is called with "requested" or "died" after each relaunch.
	OnRestart func(reason string)

	Logger *slog.Logger
}

// Tool is the bash tool. It owns one Session.
type Tool struct {
	session *Session
	config  Config
	logger  *slog.Logger
}

// NewTool creates a bash tool with a fresh session.
func NewTool(cfg Config) *Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{
		session: NewSession(cfg.Shell, logger),
		config:  cfg,
		logger:  logger.With("component", "bash_tool"),
	}
}

func (t *Tool) Name() string { return "bash" }

// Spec describes the tool to the provider.
func (t *Tool) Spec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        t.Name(),
		Type:        t.config.Type,
		Description: "Run commands in a persistent bash session.",
		InputSchema: json.RawMessage(SchemaJSON),
	}
}

// Session returns the tool's shell session.
func (t *Tool) Session() *Session { return t.session }

// Close shuts the session down.
func (t *Tool) Close() error { return t.session.Close() }

// Execute implements agent.Executor.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Command string `json:"command"`
		Restart bool   `json:"restart"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidToolInput, err)
	}

	if in.Restart {
		if err := t.session.Restart(); err != nil {
			return nil, fmt.Errorf("restart shell: %w", err)
		}
		t.restarted("requested")
		return &agent.ToolResult{System: restartedNotice}, nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("%w: no command provided", agent.ErrInvalidToolInput)
	}

	var note string
	if t.session.Dead() {
		t.logger.Warn("shell session died, restarting")
		if err := t.session.Restart(); err != nil {
			return nil, fmt.Errorf("restart shell: %w", err)
		}
		t.restarted("died")
		note = diedNotice
	}

	res, err := t.session.Run(ctx, in.Command, t.config.Timeout)
	switch {
	case errors.Is(err, ErrTimeout):
		return &agent.ToolResult{
			Error:  fmt.Sprintf("timed out: the command did not finish within %s and is still running", t.config.Timeout),
			System: note,
		}, nil
	case errors.Is(err, ErrProcessDead):
		msg := "shell session exited while running the command"
		if out := combine(res); out != "" {
			msg += "\n" + tools.Truncate(out, 0)
		}
		return &agent.ToolResult{Error: msg, System: note}, nil
	case err != nil:
		return nil, err
	}

	out := tools.Truncate(combine(res), 0)
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("exit status %d", res.ExitCode)
		if out != "" {
			msg = out + "\n" + msg
		}
		return &agent.ToolResult{Error: msg, System: note}, nil
	}
	return &agent.ToolResult{Output: out, System: note}, nil
}

func (t *Tool) restarted(reason string) {
	if t.config.OnRestart != nil {
		t.config.OnRestart(reason)
	}
}

// combine joins stdout and stderr, stdout first.
func combine(res Result) string {
	switch {
	case res.Stderr == "":
		return res.Stdout
	case res.Stdout == "":
		return res.Stderr
	default:
		return res.Stdout + "\n" + res.Stderr
	}
}
