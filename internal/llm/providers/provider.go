// Package providers adapts the llm.Request/Response contract onto each
// upstream SDK: anthropic-sdk-go for Anthropic, and the OpenAI-compatible
// sashabaranov/go-openai client for every provider that speaks the
// chat-completions protocol (spec §6 "LLM provider wire").
package providers

import (
	"context"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

// Config is the immutable per-provider configuration spec §3 names as
// ProviderConfig.
type Config struct {
	Name                    string
	APIKey                  string
	BaseURL                 string
	RequiresReasoningEffort bool
	SupportsPromptCaching   bool
}

// Provider completes one chat request against a specific upstream.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	// GenerationCost performs the follow-up cost lookup spec §4.3 allows
	// for providers that don't inline cost on the completion response.
	// Returns (cost, ok); ok is false if the provider has no such lookup
	// or the lookup failed — callers treat that as cost 0, non-fatal.
	GenerationCost(ctx context.Context, generationID string) (float64, bool)
}
