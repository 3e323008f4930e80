package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that drives the agent.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run the agent on a task",
		Long: `Run the agent on a task until the model stops asking for tools or a
limit trips.

Without a task argument, operative reads tasks from the terminal one at a
time and keeps the conversation between them. When stdin is not a
terminal, the whole of stdin is the task.

Interrupt (Ctrl-C) cancels the run. A tool that is already running
finishes first.`,
		Example: `  # One task
  operative run "open firefox and search for today's weather"

  # Record provider traffic for later replay
  operative run --record session.tape.json "install htop"

  # Replay a recorded session without a model or a display
  operative run --replay session.tape.json "install htop"

  # Expose Prometheus metrics while running
  operative run --metrics-addr :9090 "tidy up the desktop"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(configPath)
			return runAgent(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.recordPath, "record", "",
		"Record provider calls and tool runs to a tape file")
	cmd.Flags().StringVar(&opts.replayPath, "replay", "",
		"Replay a tape file instead of calling the model and the tools")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (overrides metrics.addr)")
	cmd.Flags().StringVar(&opts.toolVersion, "tool-version", "",
		"Computer-use protocol version (overrides agent.tool_version)")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0,
		"Maximum provider calls per task (overrides agent.max_steps)")
	cmd.Flags().BoolVar(&opts.showThinking, "thinking", false,
		"Print the model's thinking as it streams")
	cmd.Flags().BoolVar(&opts.noTranscript, "no-transcript", false,
		"Do not archive this run")

	return cmd
}

// =============================================================================
// Tools Command
// =============================================================================

// buildToolsCmd creates the "tools" command that lists tool bundles.
func buildToolsCmd() *cobra.Command {
	var (
		toolVersion string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List protocol versions and the tools they offer",
		Example: `  # Version table
  operative tools

  # Tool specs of one version as JSON
  operative tools --tool-version computer_use_20241022 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, resolveConfigPath(configPath), toolVersion, asJSON)
		},
	}

	cmd.Flags().StringVar(&toolVersion, "tool-version", "",
		"Show the tool specs of one protocol version")
	cmd.Flags().BoolVar(&asJSON, "json", false,
		"Print tool specs as JSON")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
}

// =============================================================================
// Transcripts Commands
// =============================================================================

// buildTranscriptsCmd creates the "transcripts" command group.
func buildTranscriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transcripts",
		Aliases: []string{"transcript"},
		Short:   "Inspect archived runs",
	}
	cmd.AddCommand(buildTranscriptsListCmd(), buildTranscriptsShowCmd())
	return cmd
}

func buildTranscriptsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscriptsList(cmd, resolveConfigPath(configPath), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func buildTranscriptsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the conversation of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscriptsShow(cmd, resolveConfigPath(configPath), args[0])
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "operative %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
