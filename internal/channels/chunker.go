package channels

import (
	"strings"
	"unicode"
)

// TelegramChunker splits an outbound reply into pieces that fit under
// Telegram's per-message length ceiling. It prefers breaking on paragraph
// boundaries, then sentences, then words, while keeping markdown code
// fences intact across the split.
type TelegramChunker struct {
	// MaxSize is the maximum chunk size in characters.
	MaxSize int

	// PreserveCodeBlocks keeps code blocks intact when possible.
	PreserveCodeBlocks bool
}

// NewMessageChunker creates a chunker with the given max size. maxSize
// should be Telegram's message length ceiling (spec §4.7); a non-positive
// value falls back to a conservative default.
func NewMessageChunker(maxSize int) *TelegramChunker {
	if maxSize <= 0 {
		maxSize = 4000
	}
	return &TelegramChunker{
		MaxSize:            maxSize,
		PreserveCodeBlocks: true,
	}
}

// Chunk splits text into pieces that fit within MaxSize.
// It tries to break at natural boundaries in this order:
// 1. Paragraph breaks (double newlines)
// 2. Single newlines (outside code blocks if PreserveCodeBlocks is true)
// 3. Sentence endings (. ! ?)
// 4. Word boundaries (spaces)
// 5. Hard break at MaxSize if necessary
func (c *TelegramChunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > c.MaxSize {
		breakIdx := c.findBreakPoint(remaining)
		if breakIdx <= 0 {
			breakIdx = c.MaxSize
		}

		chunk := strings.TrimRightFunc(remaining[:breakIdx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
	}

	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}

	return chunks
}

// findBreakPoint finds the best position to break the text.
func (c *TelegramChunker) findBreakPoint(text string) int {
	if len(text) <= c.MaxSize {
		return len(text)
	}

	window := text[:c.MaxSize]

	var inCodeBlock bool
	var codeBlockStart int
	if c.PreserveCodeBlocks {
		inCodeBlock, codeBlockStart = c.findCodeBlockState(window)
	}

	if idx := c.lastIndexOf(window, "\n\n", inCodeBlock, codeBlockStart); idx > 0 {
		return idx + 1
	}

	if idx := c.lastIndexOf(window, "\n", inCodeBlock, codeBlockStart); idx > 0 {
		return idx + 1
	}

	for _, ending := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(window, ending); idx > 0 {
			if !inCodeBlock || idx < codeBlockStart {
				return idx + 1
			}
		}
	}

	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}

	return c.MaxSize
}

// lastIndexOf finds the last occurrence of sep, respecting code block boundaries.
func (c *TelegramChunker) lastIndexOf(text, sep string, inCodeBlock bool, codeBlockStart int) int {
	idx := strings.LastIndex(text, sep)
	if idx <= 0 {
		return -1
	}

	if inCodeBlock && idx >= codeBlockStart {
		if codeBlockStart > 0 {
			return strings.LastIndex(text[:codeBlockStart], sep)
		}
		return -1
	}

	return idx
}

// findCodeBlockState determines if we're inside a code block at the end of text.
// Returns (inCodeBlock, startPosition).
func (c *TelegramChunker) findCodeBlockState(text string) (bool, int) {
	var inBlock bool
	var blockStart int
	var i int

	for i < len(text) {
		if i+2 < len(text) {
			fence := text[i : i+3]
			if fence == "```" || fence == "~~~" {
				if !inBlock {
					inBlock = true
					blockStart = i
				} else if i == 0 || text[i-1] == '\n' {
					inBlock = false
				}
				for i < len(text) && text[i] != '\n' {
					i++
				}
				continue
			}
		}
		i++
	}

	return inBlock, blockStart
}

// ChunkMarkdown is like Chunk but handles markdown code blocks more carefully.
// If a code block would be split, it closes the block and reopens it in the next chunk.
func (c *TelegramChunker) ChunkMarkdown(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > c.MaxSize {
		spans := c.parseCodeBlockSpans(remaining)

		breakIdx := c.findMarkdownBreakPoint(remaining, spans)
		if breakIdx <= 0 {
			breakIdx = c.MaxSize
		}

		chunk := remaining[:breakIdx]

		var activeBlock *codeBlockSpan
		for i := range spans {
			if spans[i].start < breakIdx && (spans[i].end == -1 || spans[i].end >= breakIdx) {
				activeBlock = &spans[i]
				break
			}
		}

		if activeBlock != nil && activeBlock.end >= breakIdx {
			chunk = strings.TrimRightFunc(chunk, unicode.IsSpace)
			if !strings.HasSuffix(chunk, "\n") {
				chunk += "\n"
			}
			chunk += activeBlock.fence

			remaining = activeBlock.openLine + "\n" + strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
		} else {
			remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
		}

		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}

	return chunks
}

type codeBlockSpan struct {
	start    int
	end      int
	fence    string
	openLine string
}

// parseCodeBlockSpans finds all code block spans in text.
func (c *TelegramChunker) parseCodeBlockSpans(text string) []codeBlockSpan {
	var spans []codeBlockSpan
	var current *codeBlockSpan

	lines := strings.Split(text, "\n")
	pos := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if current == nil {
			if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
				fence := trimmed[:3]
				current = &codeBlockSpan{
					start:    pos,
					end:      -1,
					fence:    fence,
					openLine: line,
				}
			}
		} else if trimmed == current.fence || strings.HasPrefix(trimmed, current.fence) {
			current.end = pos + len(line)
			spans = append(spans, *current)
			current = nil
		}

		pos += len(line) + 1
	}

	if current != nil {
		current.end = len(text)
		spans = append(spans, *current)
	}

	return spans
}

// findMarkdownBreakPoint finds a break point that respects code blocks.
func (c *TelegramChunker) findMarkdownBreakPoint(text string, spans []codeBlockSpan) int {
	if len(text) <= c.MaxSize {
		return len(text)
	}

	window := text[:c.MaxSize]

	var activeSpan *codeBlockSpan
	for i := range spans {
		if spans[i].start < c.MaxSize && (spans[i].end == -1 || spans[i].end >= c.MaxSize) {
			activeSpan = &spans[i]
			break
		}
	}

	if activeSpan != nil {
		searchStart := activeSpan.start + len(activeSpan.openLine) + 1
		if searchStart < len(window) {
			if idx := strings.LastIndex(window[searchStart:], "\n"); idx > 0 {
				return searchStart + idx + 1
			}
		}
		return c.MaxSize
	}

	return c.findBreakPoint(text)
}
