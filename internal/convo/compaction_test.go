package convo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/llm"
)

func addPair(b *Buffer, toolName, resultBody string) {
	callID := toolName + "_call"
	b.AppendAssistant("", []llm.ToolCall{{ID: callID, Name: toolName}})
	b.AppendToolResult(callID, resultBody)
}

func TestCompact_KeepsPairingInvariant(t *testing.T) {
	b := New("system prompt")
	for i := 0; i < 10; i++ {
		addPair(b, "read_file", "contents of file")
	}
	Compact(b)
	require.NoError(t, b.Validate())
}

func TestCompact_OlderPairsSummarized(t *testing.T) {
	b := New("system prompt")
	for i := 0; i < 6; i++ {
		addPair(b, "read_file", "some tool output body")
	}
	Compact(b)

	pairs := findPairs(b.messages)
	require.Len(t, pairs, 6)

	oldest := b.messages[pairs[0].toolIdxs[0]]
	assert.True(t, strings.HasPrefix(oldest.Content, "[compacted: read_file"))

	newest := b.messages[pairs[len(pairs)-1].toolIdxs[0]]
	assert.Equal(t, "some tool output body", newest.Content)
}

func TestCompact_FewerThanKeepPairsUntouched(t *testing.T) {
	b := New("system prompt")
	addPair(b, "read_file", "body")
	addPair(b, "grep", "body2")
	Compact(b)

	pairs := findPairs(b.messages)
	for _, p := range pairs {
		for _, idx := range p.toolIdxs {
			assert.NotContains(t, b.messages[idx].Content, "[compacted:")
		}
	}
}

func TestCompact_TruncatesLongToolResult(t *testing.T) {
	b := New("system prompt")
	long := strings.Repeat("x", MaxToolResultChars+100)
	addPair(b, "read_file", long)
	Compact(b)

	pairs := findPairs(b.messages)
	got := b.messages[pairs[0].toolIdxs[0]].Content
	assert.Less(t, len(got), len(long))
	assert.Contains(t, got, "truncated from")
}

func TestBuffer_Validate_DetectsMismatch(t *testing.T) {
	b := New("")
	b.AppendAssistant("", []llm.ToolCall{{ID: "call_1", Name: "x"}})
	b.AppendToolResult("call_wrong_id", "oops")
	assert.Error(t, b.Validate())
}
