package toolcall

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Strip removes every well-formed container and reasoning block from
// text, collapses runs of blank lines to a single blank line and trims
// the result. Malformed blocks are left in place. Removing one block can
// splice a new marker together out of the surrounding text, so the pass
// repeats until the text is stable; Strip(Strip(t)) == Strip(t).
func Strip(text string) string {
	for {
		next := stripOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func stripOnce(text string) string {
	text = cut(text, blocks(text, containerOpen, containerClose))
	text = cut(text, blocks(text, thinkingOpen, thinkingClose))
	return trimSpace(collapseBlankLines(text))
}

// cut returns text without the given spans, which must be ordered and
// non-overlapping.
func cut(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, s := range spans {
		b.WriteString(text[pos:s.start])
		pos = s.end
	}
	b.WriteString(text[pos:])
	return b.String()
}

// collapseBlankLines replaces each whitespace run holding three or more
// newlines with exactly two. The replaced region starts at the run's
// first newline and ends at its last, so indentation before the first
// and after the last newline survives.
func collapseBlankLines(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if text[i] != '\n' {
			b.WriteByte(text[i])
			i++
			continue
		}
		newlines, last := 0, i
		j := i
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if !isSpace(r) {
				break
			}
			if r == '\n' {
				newlines++
				last = j
			}
			j += size
		}
		if newlines >= 3 {
			b.WriteString("\n\n")
			i = last + 1
			continue
		}
		// Fewer than three newlines: copy the run through its last
		// newline unchanged.
		b.WriteString(text[i : last+1])
		i = last + 1
	}
	return b.String()
}

// isSpace reports whether r is whitespace. The information separators
// U+001C through U+001F count as whitespace too, so agent output that
// carries them trims the same way it did upstream.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

func trimSpace(s string) string {
	return strings.TrimFunc(s, isSpace)
}
