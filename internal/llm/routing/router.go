// Package routing resolves a model id to a provider name and the bare model
// id that provider expects (spec §4.3 "provider resolution").
package routing

import "strings"

// prefixTable maps a model-id prefix onto its canonical provider name. Order
// doesn't matter here: Resolve checks the longest/most specific prefixes
// first via an explicit priority list below.
var prefixTable = map[string]string{
	"anthropic/": "anthropic",
	"openai/":    "openai",
	"google/":    "google",
	"zai/":       "zai",
	"glm-":       "zai",
	"opencode/":  "opencode",
	"codex/":     "codex",
}

// orderedPrefixes controls match priority: more specific prefixes first so
// e.g. "openai/o3" matches "openai/" before the bare "o3*" heuristic would
// ever be considered.
var orderedPrefixes = []string{
	"anthropic/", "openai/", "google/", "zai/", "glm-", "opencode/", "codex/",
}

// Rule is one explicit environment-selector override: if EnvKey is set in
// the environment (any non-empty value), every request routes to Provider
// regardless of model id (spec §4.3 step 1).
type Rule struct {
	EnvKey   string
	Provider string
}

// Config configures a Router.
type Config struct {
	// EnvSelectors are checked in order; the first whose key is present in
	// Environ wins.
	EnvSelectors []Rule
	// FallbackOrder is the fixed provider sequence tried when neither an
	// env selector nor a prefix match resolves a provider, and also the
	// order used to pick a safe default for an unrecognized model
	// (spec §4.3: "unknown models fall back to the active provider").
	FallbackOrder []string
	// Environ is not read by NewRouter: lookups come from NewRouter's
	// environ argument, and a nil argument reports every key as unset.
	Environ func(key string) (string, bool)
}

// Router implements the three-step provider resolution algorithm.
type Router struct {
	envSelectors  []Rule
	fallbackOrder []string
	environ       func(key string) (string, bool)
	active        string
}

// NewRouter builds a Router. active is the provider used when resolution
// can't identify one at all (e.g. an empty FallbackOrder).
func NewRouter(cfg Config, environ func(key string) (string, bool)) *Router {
	if environ == nil {
		environ = func(string) (string, bool) { return "", false }
	}
	active := ""
	if len(cfg.FallbackOrder) > 0 {
		active = cfg.FallbackOrder[0]
	}
	return &Router{
		envSelectors:  cfg.EnvSelectors,
		fallbackOrder: cfg.FallbackOrder,
		environ:       environ,
		active:        active,
	}
}

// Resolved is the outcome of resolving a model id.
type Resolved struct {
	Provider string
	// Model is the model id with its provider prefix stripped, for
	// providers that expect a bare id.
	Model string
}

// Resolve implements spec §4.3's first-match-wins resolution order.
func (r *Router) Resolve(modelID string) Resolved {
	for _, sel := range r.envSelectors {
		if _, ok := r.environ(sel.EnvKey); ok {
			return Resolved{Provider: sel.Provider, Model: stripKnownPrefix(modelID)}
		}
	}

	if provider, ok := matchPrefix(modelID); ok {
		return Resolved{Provider: provider, Model: stripKnownPrefix(modelID)}
	}

	// o3*/o4*/gpt-* heuristics for bare OpenAI model ids with no prefix.
	bare := strings.ToLower(modelID)
	if strings.HasPrefix(bare, "o3") || strings.HasPrefix(bare, "o4") || strings.HasPrefix(bare, "gpt-") {
		return Resolved{Provider: "openai", Model: modelID}
	}

	for _, provider := range r.fallbackOrder {
		return Resolved{Provider: provider, Model: stripKnownPrefix(modelID)}
	}

	// No configured fallback at all: route to whatever was designated
	// active at construction rather than failing the call outright
	// (spec §4.3: "unknown-model safety is a design requirement").
	return Resolved{Provider: r.active, Model: stripKnownPrefix(modelID)}
}

func matchPrefix(modelID string) (string, bool) {
	for _, prefix := range orderedPrefixes {
		if strings.HasPrefix(modelID, prefix) {
			return prefixTable[prefix], true
		}
	}
	return "", false
}

func stripKnownPrefix(modelID string) string {
	for _, prefix := range orderedPrefixes {
		if strings.HasPrefix(modelID, prefix) && strings.HasSuffix(prefix, "/") {
			return strings.TrimPrefix(modelID, prefix)
		}
	}
	return modelID
}
