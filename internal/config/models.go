package config

import (
	"github.com/haasonsaas/operative/internal/agent/providers"
	"github.com/haasonsaas/operative/internal/toolset"
)

// Backend names accepted in provider.backend.
const (
	BackendAnthropic = string(providers.BackendAnthropic)
	BackendBedrock   = string(providers.BackendBedrock)
	BackendVertex    = string(providers.BackendVertex)
)

// Beta flags the config can turn on besides the tool version flag.
const (
	BetaOutput128k          = "output-128k-2025-02-19"
	BetaTokenEfficientTools = "token-efficient-tools-2025-02-19"
)

// DefaultModel returns the model used by backend when none is configured.
func DefaultModel(backend string) string {
	return providers.DefaultModel(providers.Backend(backend))
}

// ModelConfig describes what a model supports.
type ModelConfig struct {
	ToolVersion         toolset.Version
	MaxOutputTokens     int
	DefaultOutputTokens int
	HasThinking         bool
}

var (
	sonnet35 = ModelConfig{
		ToolVersion:         toolset.V20241022,
		MaxOutputTokens:     8192,
		DefaultOutputTokens: 4096,
	}
	sonnet37 = ModelConfig{
		ToolVersion:         toolset.V20250124,
		MaxOutputTokens:     128000,
		DefaultOutputTokens: 128000,
		HasThinking:         true,
	}
)

var modelConfigs = map[string]ModelConfig{
	"claude-3-7-sonnet-20250219":                sonnet37,
	"claude-3-7-sonnet@20250219":                sonnet37,
	"anthropic.claude-3-7-sonnet-20250219-v1:0": sonnet37,
	"claude-3-5-sonnet-20241022":                sonnet35,
	"claude-3-5-sonnet-v2@20241022":             sonnet35,
	"anthropic.claude-3-5-sonnet-20241022-v2:0": sonnet35,
}

// LookupModel returns the config of model. Unknown models get the
// conservative 20241022 profile.
func LookupModel(model string) ModelConfig {
	if mc, ok := modelConfigs[model]; ok {
		return mc
	}
	return sonnet35
}
