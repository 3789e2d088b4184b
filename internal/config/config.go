// Package config loads the Supervisor's runtime configuration from
// environment variables (spec §6 "CLI surface"). There is no file-based
// config layer: every field below is read straight from os.Getenv with a
// sensible default, following the plain env-override pattern used by the
// teacher's own CLI entrypoints.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/llm/providers"
	"github.com/ouroboros-agent/ouroboros/internal/taskloop"
)

// ProviderConfig names one upstream LLM provider's credentials, keyed by
// the provider name used in a model id's "provider/model" form (spec §6
// "LLM provider wire").
type ProviderConfig struct {
	APIKey                  string
	BaseURL                 string
	RequiresReasoningEffort bool
	SupportsPromptCaching   bool
}

// Config is the fully-resolved Supervisor configuration.
type Config struct {
	RuntimeDir string
	RepoDir    string

	ChatBotToken string

	TotalBudgetUSD float64

	MaxWorkers int

	SoftTimeoutSec int
	HardTimeoutSec int

	BranchDev    string
	BranchStable string

	// RemoteURL, when non-empty, is an authenticated HTTPS remote the
	// Supervisor configures "origin" to before bootstrap (derived from
	// GITHUB_USER/GITHUB_REPO/GITHUB_TOKEN). Empty means the repo's
	// existing remote configuration is left alone.
	RemoteURL string

	PollTimeoutSec int
	LoopSleepSec   int
	HeartbeatSec   int

	SkipBootstrapReset bool
	DisableAutoRescue  bool

	MaxToolRounds int
	LLMMaxRetries int

	Providers map[string]ProviderConfig
	Profiles  taskloop.ProfileSet
}

// Load reads Config from the process environment, applying spec §6's
// defaults for every field the owner doesn't override.
func Load() (*Config, error) {
	cfg := &Config{
		RuntimeDir: envOr("RUNTIME_DIR", "./runtime"),
		RepoDir:    envOr("REPO_DIR", "."),

		ChatBotToken: os.Getenv("CHAT_BOT_TOKEN"),

		TotalBudgetUSD: envFloat("TOTAL_BUDGET_USD", 20),

		MaxWorkers: envInt("MAX_WORKERS", 3),

		SoftTimeoutSec: envInt("SOFT_TIMEOUT_SEC", 300),
		HardTimeoutSec: envInt("HARD_TIMEOUT_SEC", 900),

		BranchDev:    envOr("BRANCH_DEV", "dev"),
		BranchStable: envOr("BRANCH_STABLE", "stable"),
		RemoteURL:    githubRemoteURL(),

		PollTimeoutSec: envInt("POLL_TIMEOUT_SEC", 30),
		LoopSleepSec:   envInt("LOOP_SLEEP_SEC", 2),
		HeartbeatSec:   envInt("HEARTBEAT_SEC", 60),

		SkipBootstrapReset: envBool("SKIP_BOOTSTRAP_RESET", false),
		DisableAutoRescue:  envBool("DISABLE_AUTO_RESCUE", false),

		MaxToolRounds: envInt("MAX_TOOL_ROUNDS", 25),
		LLMMaxRetries: envInt("LLM_MAX_RETRIES", 3),
	}

	if strings.TrimSpace(cfg.ChatBotToken) == "" {
		return nil, fmt.Errorf("config: CHAT_BOT_TOKEN is required")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("config: MAX_WORKERS must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.HardTimeoutSec <= cfg.SoftTimeoutSec {
		return nil, fmt.Errorf("config: HARD_TIMEOUT_SEC (%d) must exceed SOFT_TIMEOUT_SEC (%d)", cfg.HardTimeoutSec, cfg.SoftTimeoutSec)
	}

	cfg.Providers = loadProviders()
	cfg.Profiles = loadProfiles()

	return cfg, nil
}

// loadProviders builds one ProviderConfig per upstream the corpus wires:
// Anthropic (native SDK) plus every OpenAI-compatible family reachable
// through a base-URL override (spec §6 "LLM provider wire").
func loadProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"anthropic": {
			APIKey:                  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL:                 os.Getenv("ANTHROPIC_BASE_URL"),
			RequiresReasoningEffort: false,
			SupportsPromptCaching:   true,
		},
		"openai": {
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		"google": {
			APIKey:                  os.Getenv("GOOGLE_API_KEY"),
			BaseURL:                 envOr("GOOGLE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			RequiresReasoningEffort: true,
		},
		"zai": {
			APIKey:  os.Getenv("ZAI_API_KEY"),
			BaseURL: envOr("ZAI_BASE_URL", "https://api.z.ai/api/paas/v4"),
		},
	}
}

// ResolveProvider turns a loaded ProviderConfig into a live providers.Provider,
// dispatching on the provider's wire protocol (spec §6).
func ResolveProvider(name string, pc ProviderConfig) (providers.Provider, error) {
	cfg := providers.Config{
		Name:                    name,
		APIKey:                  pc.APIKey,
		BaseURL:                 pc.BaseURL,
		RequiresReasoningEffort: pc.RequiresReasoningEffort,
		SupportsPromptCaching:   pc.SupportsPromptCaching,
	}
	if name == "anthropic" {
		return providers.NewAnthropic(cfg)
	}
	return providers.NewOpenAICompat(cfg)
}

// profileDefault pairs a profile tag with its env var prefix and fallback
// model id / effort / token budget (SPEC_FULL §6's per-profile model ids).
type profileDefault struct {
	tag          string
	envPrefix    string
	defaultModel string
	effort       llm.Effort
	maxTokens    int
}

var profileDefaults = []profileDefault{
	{taskloop.ProfileDefault, "PROFILE_DEFAULT", "anthropic/claude-sonnet-4-5", llm.EffortMedium, 4096},
	{taskloop.ProfileLight, "PROFILE_LIGHT", "anthropic/claude-haiku-4-5", llm.EffortLow, 1024},
	{taskloop.ProfileCodeTask, "PROFILE_CODE_TASK", "anthropic/claude-sonnet-4-5", llm.EffortHigh, 8192},
	{taskloop.ProfileAnalysis, "PROFILE_ANALYSIS", "anthropic/claude-opus-4-1", llm.EffortHigh, 8192},
	{taskloop.ProfileConsciousness, "PROFILE_CONSCIOUSNESS", "anthropic/claude-sonnet-4-5", llm.EffortMedium, 2048},
}

// loadProfiles builds the ProfileSet the Task Loop selects from by task
// type, each overridable via <PREFIX>_MODEL / <PREFIX>_EFFORT /
// <PREFIX>_MAX_TOKENS (SPEC_FULL §6).
func loadProfiles() taskloop.ProfileSet {
	set := make(taskloop.ProfileSet, len(profileDefaults))
	for _, pd := range profileDefaults {
		effort := pd.effort
		if raw := strings.TrimSpace(os.Getenv(pd.envPrefix + "_EFFORT")); raw != "" {
			effort = llm.Effort(raw)
		}
		set[pd.tag] = taskloop.Profile{
			ModelID:          envOr(pd.envPrefix+"_MODEL", pd.defaultModel),
			Effort:           effort,
			DefaultMaxTokens: envInt(pd.envPrefix+"_MAX_TOKENS", pd.maxTokens),
		}
	}
	return set
}

// githubRemoteURL builds an authenticated HTTPS remote URL from
// GITHUB_USER/GITHUB_REPO/GITHUB_TOKEN, so a deployment can run against a
// private fork without a pre-provisioned git credential helper. Returns
// "" (leave the repo's existing remote alone) unless all three are set.
func githubRemoteURL() string {
	user := strings.TrimSpace(os.Getenv("GITHUB_USER"))
	repo := strings.TrimSpace(os.Getenv("GITHUB_REPO"))
	token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	if user == "" || repo == "" || token == "" {
		return ""
	}
	return fmt.Sprintf("https://%s@github.com/%s/%s.git", url.QueryEscape(token), user, repo)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
