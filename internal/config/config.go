// Package config loads the operative configuration file.
//
// Files are YAML (or JSON/JSON5 by extension), may pull in other files with
// $include, and have environment variables expanded before parsing. A small
// set of environment variables then override individual fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/observability"
	"github.com/haasonsaas/operative/internal/toolset"
)

// Config is the main configuration structure for operative.
type Config struct {
	Version    int                       `yaml:"version"`
	Provider   ProviderConfig            `yaml:"provider"`
	Agent      AgentConfig               `yaml:"agent"`
	Display    DisplayConfig             `yaml:"display"`
	Tools      ToolsConfig               `yaml:"tools"`
	Transcript TranscriptConfig          `yaml:"transcript"`
	Logging    observability.LogConfig   `yaml:"logging"`
	Tracing    observability.TraceConfig `yaml:"tracing"`
	Metrics    MetricsConfig             `yaml:"metrics"`
}

// ProviderConfig selects and authenticates the model backend.
type ProviderConfig struct {
	// Backend is anthropic, bedrock or vertex. Env: API_PROVIDER
	Backend string `yaml:"backend"`

	// APIKey is required for the anthropic backend. Env: ANTHROPIC_API_KEY
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Model defaults to the backend's default model.
	Model string `yaml:"model"`

	Bedrock BedrockConfig `yaml:"bedrock"`
	Vertex  VertexConfig  `yaml:"vertex"`
}

// BedrockConfig configures AWS Bedrock. Empty fields use the default AWS
// credential chain.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// VertexConfig configures Google Vertex.
type VertexConfig struct {
	// Region. Env: CLOUD_ML_REGION
	Region string `yaml:"region"`

	// ProjectID. Env: ANTHROPIC_VERTEX_PROJECT_ID
	ProjectID string `yaml:"project_id"`

	// CredentialsFile is a service-account JSON file. Application default
	// credentials are used when empty.
	CredentialsFile string `yaml:"credentials_file"`
}

// AgentConfig tunes the loop.
type AgentConfig struct {
	// ToolVersion is the computer-use protocol version.
	// Default: the model's tool version
	ToolVersion string `yaml:"tool_version"`

	// MaxSteps caps provider calls per run
	// Default: 50
	MaxSteps int `yaml:"max_steps"`

	// MaxTokens caps each reply
	// Default: the model's default output tokens
	MaxTokens int `yaml:"max_tokens"`

	// Thinking enables extended thinking on models that support it.
	Thinking bool `yaml:"thinking"`

	// ThinkingBudget is the thinking token budget
	// Default: half the model's default output tokens
	ThinkingBudget int `yaml:"thinking_budget"`

	// SystemPromptSuffix is appended to the default system prompt.
	SystemPromptSuffix string `yaml:"system_prompt_suffix"`

	// Retention controls screenshot trimming. It is ignored when prompt
	// caching is active, since trimming would break the cached prefix.
	Retention agent.RetentionPolicy `yaml:"retention"`

	// TokenEfficientTools sends the token-efficient-tools beta.
	TokenEfficientTools bool `yaml:"token_efficient_tools"`

	// MaxProviderAttempts caps attempts per provider call
	// Default: 4
	MaxProviderAttempts int `yaml:"max_provider_attempts"`
}

// DisplayConfig describes the controlled display.
type DisplayConfig struct {
	// Width and Height in pixels. Env: WIDTH, HEIGHT
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Number is the X display number. Env: DISPLAY_NUM
	Number int `yaml:"number"`

	// Scaling maps the display onto the closest safe resolution.
	// Default: true
	Scaling *bool `yaml:"scaling"`

	// ActionTimeout bounds each display action
	// Default: 10s
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// ScreenshotDelay is slept before the screenshot that follows an action.
	// Zero takes the screenshot immediately.
	// Default: 2s
	ScreenshotDelay *time.Duration `yaml:"screenshot_delay"`
}

// ToolsConfig configures the shell and editor tools.
type ToolsConfig struct {
	// Shell is the shell binary
	// Default: /bin/bash
	Shell string `yaml:"shell"`

	// ShellTimeout bounds each command
	// Default: 120s
	ShellTimeout time.Duration `yaml:"shell_timeout"`

	// EditorRoot confines file edits. Empty allows any absolute path.
	EditorRoot string `yaml:"editor_root"`
}

// TranscriptConfig configures the run archive.
type TranscriptConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file
	// Default: ~/.operative/transcripts.db
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

// Load reads, merges, overrides and validates the configuration file. An
// empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{Version: CurrentVersion}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("API_PROVIDER", &cfg.Provider.Backend)
	str("ANTHROPIC_API_KEY", &cfg.Provider.APIKey)
	str("CLOUD_ML_REGION", &cfg.Provider.Vertex.Region)
	str("ANTHROPIC_VERTEX_PROJECT_ID", &cfg.Provider.Vertex.ProjectID)
	str("AWS_REGION", &cfg.Provider.Bedrock.Region)
	return errors.Join(
		num("WIDTH", &cfg.Display.Width),
		num("HEIGHT", &cfg.Display.Height),
		num("DISPLAY_NUM", &cfg.Display.Number),
	)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Provider.Backend == "" {
		cfg.Provider.Backend = BackendAnthropic
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel(cfg.Provider.Backend)
	}

	model := LookupModel(cfg.Provider.Model)
	if cfg.Agent.ToolVersion == "" {
		cfg.Agent.ToolVersion = string(model.ToolVersion)
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 50
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = model.DefaultOutputTokens
	}
	if cfg.Agent.ThinkingBudget == 0 {
		cfg.Agent.ThinkingBudget = model.DefaultOutputTokens / 2
	}
	if cfg.Agent.MaxProviderAttempts == 0 {
		cfg.Agent.MaxProviderAttempts = 4
	}
	if cfg.Agent.Retention.KeepImages == 0 {
		cfg.Agent.Retention.KeepImages = 3
	}

	if cfg.Display.Width == 0 {
		cfg.Display.Width = 1024
	}
	if cfg.Display.Height == 0 {
		cfg.Display.Height = 768
	}
	if cfg.Display.Scaling == nil {
		scaling := true
		cfg.Display.Scaling = &scaling
	}
	if cfg.Display.ActionTimeout == 0 {
		cfg.Display.ActionTimeout = 10 * time.Second
	}
	if cfg.Display.ScreenshotDelay == nil {
		delay := 2 * time.Second
		cfg.Display.ScreenshotDelay = &delay
	}

	if cfg.Tools.Shell == "" {
		cfg.Tools.Shell = "/bin/bash"
	}
	if cfg.Tools.ShellTimeout == 0 {
		cfg.Tools.ShellTimeout = 120 * time.Second
	}

	if cfg.Transcript.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Transcript.Path = home + "/.operative/transcripts.db"
		} else {
			cfg.Transcript.Path = "transcripts.db"
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "operative"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch c.Provider.Backend {
	case BackendAnthropic, BackendBedrock, BackendVertex:
	default:
		errs = append(errs, fmt.Errorf("provider.backend %q must be one of anthropic, bedrock, vertex", c.Provider.Backend))
	}

	if _, err := toolset.Lookup(toolset.Version(c.Agent.ToolVersion)); err != nil {
		errs = append(errs, fmt.Errorf("agent.tool_version: %w", err))
	}
	if c.Agent.MaxSteps < 0 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	model := LookupModel(c.Provider.Model)
	if c.Agent.MaxTokens < 0 || c.Agent.MaxTokens > model.MaxOutputTokens {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be within [1, %d] for %s", model.MaxOutputTokens, c.Provider.Model))
	}
	if c.Agent.Thinking {
		if !model.HasThinking {
			errs = append(errs, fmt.Errorf("agent.thinking is not supported by %s", c.Provider.Model))
		} else if c.Agent.ThinkingBudget >= c.Agent.MaxTokens {
			errs = append(errs, errors.New("agent.thinking_budget must be below agent.max_tokens"))
		}
	}
	if c.Agent.Retention.KeepImages < 0 || c.Agent.Retention.MinRemovalThreshold < 0 {
		errs = append(errs, errors.New("agent.retention values must not be negative"))
	}

	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		errs = append(errs, fmt.Errorf("display size %dx%d must be positive", c.Display.Width, c.Display.Height))
	}
	if c.Display.Number < 0 {
		errs = append(errs, errors.New("display.number must not be negative"))
	}
	if c.Tools.ShellTimeout < 0 || c.Display.ActionTimeout < 0 ||
		(c.Display.ScreenshotDelay != nil && *c.Display.ScreenshotDelay < 0) {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be within [0, 1]"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ValidateCredentials reports missing or partial backend credentials. It is
// separate from Validate so commands that never call the model, such as
// replays, work without them.
func (c *Config) ValidateCredentials() error {
	var errs []error
	switch c.Provider.Backend {
	case BackendAnthropic:
		if strings.TrimSpace(c.Provider.APIKey) == "" {
			errs = append(errs, errors.New("provider.api_key is required for the anthropic backend (or set ANTHROPIC_API_KEY)"))
		}
	case BackendBedrock:
		if (c.Provider.Bedrock.AccessKeyID == "") != (c.Provider.Bedrock.SecretAccessKey == "") {
			errs = append(errs, errors.New("provider.bedrock.access_key_id and secret_access_key must be set together"))
		}
	case BackendVertex:
		if c.Provider.Vertex.Region == "" {
			errs = append(errs, errors.New("provider.vertex.region is required (or set CLOUD_ML_REGION)"))
		}
		if c.Provider.Vertex.ProjectID == "" {
			errs = append(errs, errors.New("provider.vertex.project_id is required (or set ANTHROPIC_VERTEX_PROJECT_ID)"))
		}
	}
	return errors.Join(errs...)
}

// PromptCaching reports whether the backend supports prompt caching. Only
// the first-party API does.
func (c *Config) PromptCaching() bool {
	return c.Provider.Backend == BackendAnthropic
}

// Retention returns the effective screenshot retention policy.
func (c *Config) Retention() agent.RetentionPolicy {
	if c.PromptCaching() {
		return agent.RetentionPolicy{}
	}
	return c.Agent.Retention
}

// ThinkingBudget returns the effective thinking budget, zero when disabled.
func (c *Config) ThinkingBudget() int {
	if !c.Agent.Thinking || !LookupModel(c.Provider.Model).HasThinking {
		return 0
	}
	return c.Agent.ThinkingBudget
}

// Betas returns the beta flags for the configured tool version and options.
// The prompt caching flag is added by the provider itself.
func (c *Config) Betas() []string {
	var betas []string
	if tools, err := toolset.Lookup(toolset.Version(c.Agent.ToolVersion)); err == nil {
		betas = append(betas, tools.Beta)
	}
	if LookupModel(c.Provider.Model).MaxOutputTokens > 8192 {
		betas = append(betas, BetaOutput128k)
	}
	if c.Agent.TokenEfficientTools {
		betas = append(betas, BetaTokenEfficientTools)
	}
	return betas
}
