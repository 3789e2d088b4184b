package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider is the subset of providers.Provider the client depends on,
// declared here (rather than imported) so this package doesn't import its
// own providers subpackage — adapters live in internal/llm/providers and
// are registered into a Client by the caller that wires up configuration.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	GenerationCost(ctx context.Context, generationID string) (float64, bool)
}

// Client routes chat requests to the resolved provider and extracts usage.
// It performs no retries itself: spec §4.3 makes that the caller's
// responsibility (see internal/taskloop).
type Client struct {
	providers map[string]Provider
	resolve   func(modelID string) (provider, model string)
	pricing   PricingTable
}

// PricingTable estimates cost for a model when a provider doesn't inline
// one. Defined as an interface here to avoid a dependency on internal/state;
// the supervisor wires a concrete state.PricingTable in.
type PricingTable interface {
	Estimate(model string, u Usage) float64
}

// NewClient builds a Client. resolve must return the canonical provider
// name and bare model id for any model string the caller will pass to Chat.
func NewClient(providers map[string]Provider, resolve func(modelID string) (provider, model string), pricing PricingTable) *Client {
	return &Client{providers: providers, resolve: resolve, pricing: pricing}
}

// Chat resolves req.Model to a provider, completes it, and fills in cost
// when the provider didn't inline one: up to two attempts at the
// provider's generation-cost lookup, 500ms apart, non-fatal on failure
// (spec §4.3 "usage extraction").
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	providerName, bareModel := c.resolve(req.Model)
	p, ok := c.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("llm: no provider configured for %q (resolved from model %q)", providerName, req.Model)
	}

	routed := req
	routed.Model = bareModel

	resp, err := p.Complete(ctx, routed)
	if err != nil {
		return nil, err
	}

	if resp.Usage.CostUSD == 0 && resp.GenerationID != "" {
		resp.Usage.CostUSD = c.lookupCost(ctx, p, resp.GenerationID)
	}
	if resp.Usage.CostUSD == 0 && c.pricing != nil {
		resp.Usage.CostUSD = c.pricing.Estimate(req.Model, resp.Usage)
	}
	return resp, nil
}

func (c *Client) lookupCost(ctx context.Context, p Provider, generationID string) float64 {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(500 * time.Millisecond):
			}
		}
		if cost, ok := p.GenerationCost(ctx, generationID); ok {
			return cost
		}
	}
	return 0
}
