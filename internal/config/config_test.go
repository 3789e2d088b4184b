package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/taskloop"
)

func TestLoad_FailsWithoutChatBotToken(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_BOT_TOKEN")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./runtime", cfg.RuntimeDir)
	assert.Equal(t, ".", cfg.RepoDir)
	assert.Equal(t, 20.0, cfg.TotalBudgetUSD)
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, "dev", cfg.BranchDev)
	assert.Equal(t, "stable", cfg.BranchStable)
	assert.False(t, cfg.SkipBootstrapReset)
	assert.False(t, cfg.DisableAutoRescue)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	t.Setenv("RUNTIME_DIR", "/var/lib/ouroboros")
	t.Setenv("MAX_WORKERS", "7")
	t.Setenv("TOTAL_BUDGET_USD", "42.5")
	t.Setenv("SKIP_BOOTSTRAP_RESET", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ouroboros", cfg.RuntimeDir)
	assert.Equal(t, 7, cfg.MaxWorkers)
	assert.Equal(t, 42.5, cfg.TotalBudgetUSD)
	assert.True(t, cfg.SkipBootstrapReset)
}

func TestLoad_RejectsZeroMaxWorkers(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	t.Setenv("MAX_WORKERS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WORKERS")
}

func TestLoad_RejectsHardTimeoutNotExceedingSoft(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	t.Setenv("SOFT_TIMEOUT_SEC", "300")
	t.Setenv("HARD_TIMEOUT_SEC", "100")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARD_TIMEOUT_SEC")
}

func TestLoad_BuildsAllFiveProfiles(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	cfg, err := Load()
	require.NoError(t, err)

	for _, tag := range []string{
		taskloop.ProfileDefault,
		taskloop.ProfileLight,
		taskloop.ProfileCodeTask,
		taskloop.ProfileAnalysis,
		taskloop.ProfileConsciousness,
	} {
		p, ok := cfg.Profiles[tag]
		require.True(t, ok, "missing profile %s", tag)
		assert.NotEmpty(t, p.ModelID)
		assert.Greater(t, p.DefaultMaxTokens, 0)
	}
}

func TestLoad_ProfileModelOverrideWins(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	t.Setenv("PROFILE_CODE_TASK_MODEL", "openai/gpt-5-codex")
	t.Setenv("PROFILE_CODE_TASK_EFFORT", "xhigh")

	cfg, err := Load()
	require.NoError(t, err)

	p := cfg.Profiles[taskloop.ProfileCodeTask]
	assert.Equal(t, "openai/gpt-5-codex", p.ModelID)
	assert.Equal(t, llm.EffortXHigh, p.Effort)
}

func TestLoad_ProviderKeysReadFromEnv(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "token-123")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", cfg.Providers["anthropic"].APIKey)
	assert.True(t, cfg.Providers["anthropic"].SupportsPromptCaching)
	assert.Equal(t, "sk-oai-test", cfg.Providers["openai"].APIKey)
}

func TestResolveProvider_UnknownNameFallsBackToOpenAICompat(t *testing.T) {
	_, err := ResolveProvider("mystery-provider", ProviderConfig{APIKey: "key"})
	require.NoError(t, err)
}

func TestResolveProvider_MissingAPIKeyFails(t *testing.T) {
	_, err := ResolveProvider("anthropic", ProviderConfig{})
	require.Error(t, err)
}
