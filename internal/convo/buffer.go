// Package convo implements the conversation buffer and its context
// compactor (spec §3 ConversationBuffer, §4.4).
package convo

import (
	"fmt"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

// Buffer holds one task loop invocation's conversation. Never shared across
// tasks (spec §3 invariant).
type Buffer struct {
	messages []llm.Message
}

// New returns a Buffer seeded with a system prompt.
func New(systemPrompt string) *Buffer {
	b := &Buffer{}
	if systemPrompt != "" {
		b.messages = append(b.messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	return b
}

// AppendUser appends a user-role message.
func (b *Buffer) AppendUser(content string) {
	b.messages = append(b.messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// AppendSystem appends a system-role message (budget nudges, self-check
// prompts, the owner-message-injection marker).
func (b *Buffer) AppendSystem(content string) {
	b.messages = append(b.messages, llm.Message{Role: llm.RoleSystem, Content: content})
}

// AppendAssistant appends the model's turn. If toolCalls is non-empty the
// caller MUST follow with exactly one AppendToolResult per call, in the
// order the calls were emitted, before appending anything else — this is
// the pairing invariant spec §3 requires of every ConversationBuffer.
func (b *Buffer) AppendAssistant(content string, toolCalls []llm.ToolCall) {
	b.messages = append(b.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	})
}

// AppendToolResult appends one tool-role message satisfying a prior
// assistant tool call.
func (b *Buffer) AppendToolResult(toolCallID, content string) {
	b.messages = append(b.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
	})
}

// Messages returns the buffer's current messages for constructing a
// request. The returned slice must not be mutated by the caller.
func (b *Buffer) Messages() []llm.Message {
	return b.messages
}

// Len returns the number of messages currently buffered.
func (b *Buffer) Len() int {
	return len(b.messages)
}

// Validate checks the pairing invariant: every assistant message with
// non-empty ToolCalls is immediately followed by exactly one tool message
// per call, in call order. Returns an error describing the first violation
// found, useful in tests and as a defensive check before a Chat call.
func (b *Buffer) Validate() error {
	i := 0
	for i < len(b.messages) {
		m := b.messages[i]
		if m.Role != llm.RoleAssistant || len(m.ToolCalls) == 0 {
			i++
			continue
		}
		i++
		for _, call := range m.ToolCalls {
			if i >= len(b.messages) {
				return fmt.Errorf("convo: assistant tool call %s has no matching tool result", call.ID)
			}
			got := b.messages[i]
			if got.Role != llm.RoleTool || got.ToolCallID != call.ID {
				return fmt.Errorf("convo: expected tool result for call %s, got role=%s tool_call_id=%s", call.ID, got.Role, got.ToolCallID)
			}
			i++
		}
	}
	return nil
}
