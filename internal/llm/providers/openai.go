package providers

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

// OpenAICompat adapts any provider that speaks the OpenAI chat-completions
// protocol: OpenAI itself, and every other family the client reaches
// through a base-URL override (Google, zai/GLM, opencode, codex — spec §6
// "LLM provider wire").
type OpenAICompat struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAICompat constructs an adapter. When cfg.BaseURL is set the
// underlying client is pointed at it instead of api.openai.com.
func NewOpenAICompat(cfg Config) (*OpenAICompat, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: api key is required for " + cfg.Name)
	}
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAICompat{client: openai.NewClientWithConfig(oaiCfg), cfg: cfg}, nil
}

func (p *OpenAICompat) Name() string { return p.cfg.Name }

func (p *OpenAICompat) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	if p.cfg.RequiresReasoningEffort && req.Effort != "" {
		chatReq.ReasoningEffort = string(req.Effort)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("providers: empty completion response")
	}
	choice := completion.Choices[0]

	resp := &llm.Response{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	resp.Usage = llm.Usage{
		PromptTokens:     int64(completion.Usage.PromptTokens),
		CompletionTokens: int64(completion.Usage.CompletionTokens),
		TotalTokens:      int64(completion.Usage.TotalTokens),
	}
	if details := completion.Usage.PromptTokensDetails; details != nil {
		resp.Usage.CachedTokens = int64(details.CachedTokens)
	}
	resp.GenerationID = completion.ID
	return resp, nil
}

// GenerationCost is a no-op for the plain chat-completions protocol: none
// of the OpenAI-compatible upstreams wired here expose a separate
// generation-cost endpoint, so cost is always derived from the pricing
// table instead (spec §4.3 non-fatal fallback).
func (p *OpenAICompat) GenerationCost(ctx context.Context, generationID string) (float64, bool) {
	return 0, false
}

func convertOpenAIMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case llm.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case llm.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		case llm.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []llm.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}
	return out
}
