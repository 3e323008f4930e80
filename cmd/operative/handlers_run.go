package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/agent/providers"
	"github.com/haasonsaas/operative/internal/agent/tape"
	"github.com/haasonsaas/operative/internal/config"
	"github.com/haasonsaas/operative/internal/observability"
	"github.com/haasonsaas/operative/internal/toolset"
	"github.com/haasonsaas/operative/internal/transcript"
	"github.com/haasonsaas/operative/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

type runOptions struct {
	configPath   string
	recordPath   string
	replayPath   string
	metricsAddr  string
	toolVersion  string
	maxSteps     int
	showThinking bool
	noTranscript bool
}

// archiveTimeout bounds writing the transcript after a run, which may
// happen after the run context was cancelled.
const archiveTimeout = 10 * time.Second

func runAgent(cmd *cobra.Command, opts runOptions, args []string) error {
	if opts.recordPath != "" && opts.replayPath != "" {
		return errors.New("--record and --replay cannot be combined")
	}
	cfg, err := loadRunConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if addr := firstNonEmpty(opts.metricsAddr, cfg.Metrics.Addr); addr != "" {
		shutdown, err := serveMetrics(addr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	cfg.Tracing.ServiceVersion = version
	tracer, shutdownTracer := observability.NewTracer(cfg.Tracing)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	next, interactive := taskSource(cmd, args)
	task, ok, err := next()
	if err != nil || !ok {
		return err
	}

	system := systemPrompt(time.Now(), cfg.Display.Number, cfg.Agent.SystemPromptSuffix)
	observers := agent.MultiObserver{newPrinter(out, opts.showThinking)}

	var (
		provider agent.LLMProvider
		registry *agent.ToolRegistry
	)
	if opts.replayPath != "" {
		recorded, err := tape.Load(opts.replayPath)
		if err != nil {
			return fmt.Errorf("load tape: %w", err)
		}
		if recorded.SystemPrompt != "" {
			system = recorded.SystemPrompt
		}
		if recorded.ToolVersion != "" {
			cfg.Agent.ToolVersion = recorded.ToolVersion
		}
		replayer := tape.NewReplayer(recorded)
		if registry, err = agent.NewToolRegistry(replayer.Tools()); err != nil {
			return err
		}
		provider = replayer
	} else {
		if err := cfg.ValidateCredentials(); err != nil {
			return err
		}
		session, err := toolset.New(toolset.Version(cfg.Agent.ToolVersion), toolOptions(cfg, metrics, logger))
		if err != nil {
			return fmt.Errorf("build tools: %w", err)
		}
		defer session.Close()
		registry = session.Registry

		anthropic, err := newProvider(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create provider: %w", err)
		}
		provider = anthropic

		if opts.recordPath != "" {
			rec := tape.NewRecorder(anthropic).
				WithModel(cfg.Provider.Model).
				WithSystemPrompt(system).
				WithToolVersion(cfg.Agent.ToolVersion)
			provider = rec
			observers = append(observers, rec)
			defer func() {
				if err := rec.Tape().Save(opts.recordPath); err != nil {
					logger.Error("failed to save tape", "path", opts.recordPath, "error", err)
					return
				}
				fmt.Fprintf(out, "Tape saved to %s\n", opts.recordPath)
			}()
		}
	}

	var archive *transcript.Recorder
	if cfg.Transcript.Enabled && !opts.noTranscript {
		store, err := transcript.Open(ctx, cfg.Transcript.Path)
		if err != nil {
			return fmt.Errorf("open transcript archive: %w", err)
		}
		defer store.Close()
		archive = store.NewRecorder(task, cfg.Provider.Model, cfg.Agent.ToolVersion)
		observers = append(observers, archive)
	}

	loop, err := agent.NewLoop(provider, registry, &agent.LoopConfig{
		MaxSteps:            cfg.Agent.MaxSteps,
		Model:               cfg.Provider.Model,
		System:              system,
		MaxTokens:           cfg.Agent.MaxTokens,
		ThinkingBudget:      cfg.ThinkingBudget(),
		Betas:               cfg.Betas(),
		MaxProviderAttempts: cfg.Agent.MaxProviderAttempts,
		PromptCaching:       cfg.PromptCaching(),
	},
		agent.WithObserver(observers),
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	conv := agent.NewConversation(cfg.Retention())
	var total agent.RunResult
	for {
		if err := conv.Append(models.NewUserMessage(task)); err != nil {
			return err
		}
		result, runErr := loop.Run(ctx, conv)
		total.Outcome, total.Err = result.Outcome, result.Err
		total.Steps += result.Steps
		total.InputTokens += result.InputTokens
		total.OutputTokens += result.OutputTokens
		printOutcome(out, result)

		if archive != nil {
			actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			if err := archive.Finish(actx, &total, conv.Messages()); err != nil {
				logger.Error("failed to archive run", "run_id", archive.ID(), "error", err)
			}
			cancel()
		}

		if runErr != nil && (!interactive || ctx.Err() != nil) {
			return fmt.Errorf("run %s: %w", result.Outcome, runErr)
		}
		if task, ok, err = next(); err != nil || !ok {
			return err
		}
	}
}

// loadRunConfig loads the configuration and applies the command's flags.
func loadRunConfig(opts runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.toolVersion == "" && opts.maxSteps == 0 {
		return cfg, nil
	}
	if opts.toolVersion != "" {
		cfg.Agent.ToolVersion = opts.toolVersion
	}
	if opts.maxSteps != 0 {
		cfg.Agent.MaxSteps = opts.maxSteps
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toolOptions(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) toolset.Options {
	return toolset.Options{
		Width:           cfg.Display.Width,
		Height:          cfg.Display.Height,
		DisplayNumber:   cfg.Display.Number,
		Scaling:         cfg.Display.Scaling == nil || *cfg.Display.Scaling,
		ActionTimeout:   cfg.Display.ActionTimeout,
		ScreenshotDelay: screenshotDelay(cfg.Display.ScreenshotDelay),
		Shell:           cfg.Tools.Shell,
		ShellTimeout:    cfg.Tools.ShellTimeout,
		Root:            cfg.Tools.EditorRoot,
		Metrics:         metrics,
		Logger:          logger,
	}
}

// screenshotDelay maps a configured delay onto toolset.Options, where zero
// means the default and a negative value means none.
func screenshotDelay(d *time.Duration) time.Duration {
	switch {
	case d == nil:
		return 0
	case *d == 0:
		return -1
	default:
		return *d
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (*providers.AnthropicProvider, error) {
	return providers.NewAnthropicProvider(ctx, providers.AnthropicConfig{
		Backend:               providers.Backend(cfg.Provider.Backend),
		APIKey:                cfg.Provider.APIKey,
		BaseURL:               cfg.Provider.BaseURL,
		DefaultModel:          cfg.Provider.Model,
		AWSRegion:             cfg.Provider.Bedrock.Region,
		AWSProfile:            cfg.Provider.Bedrock.Profile,
		AWSAccessKeyID:        cfg.Provider.Bedrock.AccessKeyID,
		AWSSecretAccessKey:    cfg.Provider.Bedrock.SecretAccessKey,
		AWSSessionToken:       cfg.Provider.Bedrock.SessionToken,
		VertexRegion:          cfg.Provider.Vertex.Region,
		VertexProjectID:       cfg.Provider.Vertex.ProjectID,
		VertexCredentialsFile: cfg.Provider.Vertex.CredentialsFile,
	})
}

// taskSource returns a function yielding tasks and whether it prompts on a
// terminal. A task argument yields once. A terminal is prompted until EOF
// or "exit". Other input is read whole as a single task.
func taskSource(cmd *cobra.Command, args []string) (func() (string, bool, error), bool) {
	if len(args) > 0 {
		done := false
		return func() (string, bool, error) {
			if done {
				return "", false, nil
			}
			done = true
			if strings.TrimSpace(args[0]) == "" {
				return "", false, errors.New("task is empty")
			}
			return args[0], true, nil
		}, false
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		reader := bufio.NewReader(in)
		out := cmd.OutOrStdout()
		return func() (string, bool, error) {
			return promptTask(reader, out)
		}, true
	}

	done := false
	return func() (string, bool, error) {
		if done {
			return "", false, nil
		}
		done = true
		data, err := io.ReadAll(in)
		if err != nil {
			return "", false, fmt.Errorf("read task: %w", err)
		}
		task := strings.TrimSpace(string(data))
		if task == "" {
			return "", false, errors.New("no task given: pass it as an argument or on stdin")
		}
		return task, true, nil
	}, false
}

func promptTask(reader *bufio.Reader, out io.Writer) (string, bool, error) {
	for {
		fmt.Fprint(out, "\n› ")
		line, err := reader.ReadString('\n')
		task := strings.TrimSpace(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				if task != "" {
					return task, true, nil
				}
				return "", false, nil
			}
			return "", false, fmt.Errorf("read task: %w", err)
		}
		switch strings.ToLower(task) {
		case "":
			continue
		case "exit", "quit":
			return "", false, nil
		}
		return task, true, nil
	}
}

func printOutcome(out io.Writer, result *agent.RunResult) {
	usage := fmt.Sprintf("%d steps, %d input / %d output tokens", result.Steps, result.InputTokens, result.OutputTokens)
	if result.Outcome == agent.OutcomeCompleted {
		fmt.Fprintf(out, "\n✅ completed (%s)\n", usage)
		return
	}
	fmt.Fprintf(out, "\n⚠️  %s (%s): %v\n", result.Outcome, usage, result.Err)
}

// serveMetrics serves /metrics for reg on addr until the returned function
// is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
