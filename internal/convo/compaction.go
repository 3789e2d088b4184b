package convo

import (
	"fmt"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

// KeepPairs is the number of trailing assistant/tool-result pairs the
// compactor leaves untouched (spec §4.4 "keep the last K (=4) pairs").
const KeepPairs = 4

// MaxToolResultChars bounds any individual tool-result string after
// compaction, independent of whether its pair was compacted (spec §4.4).
const MaxToolResultChars = 3000

// pairSpan is one assistant-with-tool-calls message plus its following
// tool-result messages, treated as a unit by the compactor.
type pairSpan struct {
	assistantIdx int
	toolIdxs     []int
}

// Compact rewrites b in place: tool-result content in every pair older than
// the last KeepPairs is replaced with a one-line synthetic summary, and
// every remaining tool-result string (compacted or not) is truncated to
// MaxToolResultChars. The pairing invariant is preserved — only content
// changes, never message shape or order.
func Compact(b *Buffer) {
	pairs := findPairs(b.messages)
	if len(pairs) <= KeepPairs {
		truncateAll(b.messages)
		return
	}

	cutoff := len(pairs) - KeepPairs
	for _, p := range pairs[:cutoff] {
		for _, idx := range p.toolIdxs {
			m := &b.messages[idx]
			m.Content = fmt.Sprintf("[compacted: %s → %d bytes]", toolNameFor(b.messages, p.assistantIdx, idx), len(m.Content))
		}
	}
	truncateAll(b.messages)
}

func findPairs(messages []llm.Message) []pairSpan {
	var pairs []pairSpan
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role != llm.RoleAssistant || len(m.ToolCalls) == 0 {
			i++
			continue
		}
		span := pairSpan{assistantIdx: i}
		i++
		for range m.ToolCalls {
			if i >= len(messages) || messages[i].Role != llm.RoleTool {
				break
			}
			span.toolIdxs = append(span.toolIdxs, i)
			i++
		}
		pairs = append(pairs, span)
	}
	return pairs
}

func toolNameFor(messages []llm.Message, assistantIdx, toolIdx int) string {
	toolCallID := messages[toolIdx].ToolCallID
	for _, call := range messages[assistantIdx].ToolCalls {
		if call.ID == toolCallID {
			return call.Name
		}
	}
	return "tool"
}

func truncateAll(messages []llm.Message) {
	for i := range messages {
		if messages[i].Role != llm.RoleTool {
			continue
		}
		messages[i].Content = truncateMarked(messages[i].Content, MaxToolResultChars)
	}
}

func truncateMarked(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... [truncated from %d chars]", s[:max], len(s))
}
