// Package main provides the CLI entry point for operative, an agent that
// drives a Linux desktop through a language model.
//
// # Basic Usage
//
// Run a task:
//
//	operative run "open firefox and look up the weather in Lisbon"
//
// Start an interactive session (prompts for each task):
//
//	operative run
//
// Inspect the tools offered for a protocol version:
//
//	operative tools --tool-version computer_use_20241022
//
// List archived runs:
//
//	operative transcripts list
//
// # Environment Variables
//
//   - OPERATIVE_CONFIG: Path to the configuration file
//   - API_PROVIDER: anthropic, bedrock or vertex
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - WIDTH, HEIGHT, DISPLAY_NUM: Display geometry and X display number
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// defaultConfigName is looked up in ~/.operative when no config is given.
const defaultConfigName = "config.yaml"

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "operative",
		Short: "Operative - computer-use agent",
		Long: `Operative drives a Linux desktop through a language model.

The model sees screenshots and acts with three tools: computer (mouse,
keyboard and screen), bash (a persistent shell) and str_replace_editor
(a file viewer and editor with undo).

Supported backends: Anthropic, AWS Bedrock, Google Vertex`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (or set OPERATIVE_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildTranscriptsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then OPERATIVE_CONFIG, then
// ~/.operative/config.yaml if it exists. An empty result means defaults
// and environment only.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("OPERATIVE_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".operative", defaultConfigName)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
