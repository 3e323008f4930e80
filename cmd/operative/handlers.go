package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/operative/internal/config"
	"github.com/haasonsaas/operative/internal/toolset"
	"github.com/haasonsaas/operative/internal/tools/computeruse"
	"github.com/haasonsaas/operative/internal/transcript"
	"github.com/haasonsaas/operative/pkg/models"
)

// =============================================================================
// Tools Command Handler
// =============================================================================

func runTools(cmd *cobra.Command, configPath, toolVersion string, asJSON bool) error {
	out := cmd.OutOrStdout()
	if toolVersion == "" {
		return printVersionTable(out)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	session, err := toolset.New(toolset.Version(toolVersion), toolOptions(cfg, nil, slog.New(slog.DiscardHandler)))
	if err != nil {
		return err
	}
	defer session.Close()

	specs := session.Registry.Specs()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}

	fmt.Fprintf(out, "Protocol %s (beta %s)\n", session.Version, session.Tools.Beta)
	fmt.Fprintf(out, "Display: %dx%d (model sees %dx%d)\n\n",
		session.Geometry.ActualWidth, session.Geometry.ActualHeight,
		session.Geometry.ModelWidth, session.Geometry.ModelHeight)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tDESCRIPTION")
	for _, spec := range specs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, spec.Type, spec.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	actions, err := computeruse.Actions(session.Tools.Computer)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nComputer actions: %s\n", strings.Join(actions, ", "))
	return nil
}

func printVersionTable(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCOMPUTER\tBASH\tEDITOR\tBETA")
	for _, v := range toolset.Versions() {
		tools, err := toolset.Lookup(v)
		if err != nil {
			return err
		}
		name := string(v)
		if v == toolset.Default {
			name += " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, tools.Computer, tools.Bash, tools.Editor, tools.Beta)
	}
	return w.Flush()
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "(defaults and environment)"
	}
	fmt.Fprintf(out, "Config: %s\n", source)
	if err := cfg.ValidateCredentials(); err != nil {
		fmt.Fprintf(out, "Credentials: %v\n", err)
	} else {
		fmt.Fprintln(out, "Credentials: ok")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "backend\t%s\n", cfg.Provider.Backend)
	fmt.Fprintf(w, "model\t%s\n", cfg.Provider.Model)
	fmt.Fprintf(w, "tool version\t%s\n", cfg.Agent.ToolVersion)
	fmt.Fprintf(w, "max tokens\t%d\n", cfg.Agent.MaxTokens)
	fmt.Fprintf(w, "thinking budget\t%d\n", cfg.ThinkingBudget())
	fmt.Fprintf(w, "betas\t%s\n", strings.Join(cfg.Betas(), ", "))
	fmt.Fprintf(w, "prompt caching\t%t\n", cfg.PromptCaching())
	fmt.Fprintf(w, "kept screenshots\t%d\n", cfg.Retention().KeepImages)
	fmt.Fprintf(w, "display\t%dx%d on :%d\n", cfg.Display.Width, cfg.Display.Height, cfg.Display.Number)
	return w.Flush()
}

// =============================================================================
// Transcripts Command Handlers
// =============================================================================

func openTranscripts(cmd *cobra.Command, configPath string) (*transcript.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := transcript.Open(cmd.Context(), cfg.Transcript.Path)
	if err != nil {
		return nil, fmt.Errorf("open transcript archive: %w", err)
	}
	return store, nil
}

func runTranscriptsList(cmd *cobra.Command, configPath string, limit int) error {
	store, err := openTranscripts(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tOUTCOME\tSTEPS\tDURATION\tTASK")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.StartedAt.Local().Format(time.RFC3339), run.Outcome, run.Steps,
			run.Duration().Round(time.Second), clipTask(run.Task, 60))
	}
	return w.Flush()
}

func runTranscriptsShow(cmd *cobra.Command, configPath, id string) error {
	store, err := openTranscripts(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	messages, err := store.Messages(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s\n", run.ID)
	fmt.Fprintf(out, "Task:    %s\n", run.Task)
	fmt.Fprintf(out, "Model:   %s (%s)\n", run.Model, run.ToolVersion)
	fmt.Fprintf(out, "Outcome: %s after %d steps in %s\n", run.Outcome, run.Steps, run.Duration().Round(time.Second))
	if run.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", run.Error)
	}
	fmt.Fprintf(out, "Tokens:  %d input / %d output\n", run.InputTokens, run.OutputTokens)

	for _, msg := range messages {
		fmt.Fprintf(out, "\n[%s]\n", msg.Role)
		for _, block := range msg.Blocks {
			writeBlock(out, block)
		}
	}
	return nil
}

func writeBlock(out io.Writer, block models.Block) {
	switch block.Type {
	case models.BlockText:
		fmt.Fprintln(out, block.Text)
	case models.BlockThinking:
		fmt.Fprintf(out, "💭 %s\n", block.Thinking)
	case models.BlockRedactedThinking:
		fmt.Fprintln(out, "💭 [redacted]")
	case models.BlockToolUse:
		if block.ToolUse != nil {
			fmt.Fprintf(out, "→ %s %s\n", block.ToolUse.Name, string(block.ToolUse.Input))
		}
	case models.BlockToolResult:
		if block.ToolResult == nil {
			return
		}
		prefix := "←"
		if block.ToolResult.IsError {
			prefix = "← error:"
		}
		for _, part := range block.ToolResult.Content {
			if part.Type == models.PartImage {
				fmt.Fprintf(out, "%s [screenshot]\n", prefix)
				continue
			}
			fmt.Fprintf(out, "%s %s\n", prefix, part.Text)
		}
	}
}

func clipTask(task string, n int) string {
	task = strings.Join(strings.Fields(task), " ")
	runes := []rune(task)
	if len(runes) <= n {
		return task
	}
	return string(runes[:n-1]) + "…"
}
