package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

// thinkingBudget maps a reasoning effort onto an extended-thinking token
// budget, Anthropic's analogue of the reasoning-effort hint other providers
// take directly (spec §4.3 "request construction").
var thinkingBudget = map[llm.Effort]int64{
	llm.EffortLow:    0,
	llm.EffortMedium: 4096,
	llm.EffortHigh:   10000,
	llm.EffortXHigh:  24000,
}

// Anthropic adapts the Anthropic Messages API onto the llm.Provider contract.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic constructs an adapter from cfg. APIKey is required.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	msgs, system := convertMessages(req.Messages)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools, a.cfg.SupportsPromptCaching)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if budget, ok := thinkingBudget[req.Effort]; ok && budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	resp := &llm.Response{}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: variant.Input,
			})
		}
	}

	resp.Usage = llm.Usage{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
		CachedTokens:     msg.Usage.CacheReadInputTokens,
		CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

// GenerationCost is not offered by the Anthropic API; usage.cost_usd is
// computed client-side from the pricing table instead (spec §4.3: failure
// to obtain an authoritative cost is non-fatal).
func (a *Anthropic) GenerationCost(ctx context.Context, generationID string) (float64, bool) {
	return 0, false
}

func convertMessages(messages []llm.Message) ([]anthropic.MessageParam, string) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case llm.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}
	return out, system
}

func convertTools(tools []llm.ToolSchema, supportsCaching bool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for i, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := schema.UnmarshalJSON(t.Parameters); err != nil {
				return nil, err
			}
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tp.OfTool.Description = anthropic.String(t.Description)
		if supportsCaching && (t.CacheEligible || i == len(tools)-1) {
			tp.OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		out = append(out, tp)
	}
	return out, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}
