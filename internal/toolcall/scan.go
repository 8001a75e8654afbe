package toolcall

import "strings"

// Tag markers recognised in agent responses.
const (
	containerOpen  = "<function_calls>"
	containerClose = "</function_calls>"
	invokeOpen     = `<invoke name="`
	invokeClose    = "</invoke>"
	paramOpen      = `<parameter name="`
	paramClose     = "</parameter>"
	thinkingOpen   = "<thinking>"
	thinkingClose  = "</thinking>"
)

// span locates one well-formed block. [start, end) covers the markers
// themselves; [innerStart, innerEnd) covers the content between them.
type span struct {
	start, end           int
	innerStart, innerEnd int
}

func (s span) inner(text string) string {
	return text[s.innerStart:s.innerEnd]
}

// blocks returns every non-overlapping open...close span in text, left
// to right. A span ends at the first close marker after its opener, so
// an inner opener is just content. Once an opener has no close marker
// after it, no later opener can have one either and the scan stops.
func blocks(text, open, close string) []span {
	var spans []span
	pos := 0
	for pos < len(text) {
		i := strings.Index(text[pos:], open)
		if i < 0 {
			break
		}
		start := pos + i
		innerStart := start + len(open)
		j := strings.Index(text[innerStart:], close)
		if j < 0 {
			break
		}
		innerEnd := innerStart + j
		end := innerEnd + len(close)
		spans = append(spans, span{
			start:      start,
			end:        end,
			innerStart: innerStart,
			innerEnd:   innerEnd,
		})
		pos = end
	}
	return spans
}

// element is a matched name-attributed element such as an invoke or a
// parameter.
type element struct {
	name string
	body string
}

// attrName reads a name attribute value starting at pos: one or more
// non-quote bytes terminated by `">`. It returns the name and the
// offset just past the closing `">`, or ok=false when the grammar does
// not hold at pos.
func attrName(text string, pos int) (name string, next int, ok bool) {
	q := strings.IndexByte(text[pos:], '"')
	if q <= 0 {
		return "", 0, false
	}
	q += pos
	if !strings.HasPrefix(text[q:], `">`) {
		return "", 0, false
	}
	return text[pos:q], q + 2, true
}

// invokes returns the invoke elements of a container body in document
// order. A start whose name attribute is malformed is skipped and the
// scan resumes one byte later; a start with no closing marker after it
// ends the scan.
func invokes(text string) []element {
	var out []element
	pos := 0
	for pos < len(text) {
		i := strings.Index(text[pos:], invokeOpen)
		if i < 0 {
			break
		}
		start := pos + i
		name, bodyStart, ok := attrName(text, start+len(invokeOpen))
		if !ok {
			pos = start + 1
			continue
		}
		j := strings.Index(text[bodyStart:], invokeClose)
		if j < 0 {
			break
		}
		bodyEnd := bodyStart + j
		out = append(out, element{name: name, body: text[bodyStart:bodyEnd]})
		pos = bodyEnd + len(invokeClose)
	}
	return out
}

// params returns the parameter elements of an invoke body. A value runs
// up to the first '<'; the element only matches when that '<' begins
// the closing marker. A value that itself contains '<' therefore never
// matches and the parameter is dropped.
func params(text string) []element {
	var out []element
	pos := 0
	for pos < len(text) {
		i := strings.Index(text[pos:], paramOpen)
		if i < 0 {
			break
		}
		start := pos + i
		name, valueStart, ok := attrName(text, start+len(paramOpen))
		if !ok {
			pos = start + 1
			continue
		}
		lt := strings.IndexByte(text[valueStart:], '<')
		if lt < 0 {
			break
		}
		valueEnd := valueStart + lt
		if !strings.HasPrefix(text[valueEnd:], paramClose) {
			pos = start + 1
			continue
		}
		out = append(out, element{name: name, body: text[valueStart:valueEnd]})
		pos = valueEnd + len(paramClose)
	}
	return out
}

// maxDepth walks the open and close markers of one tag pair as a token
// stream and reports the deepest nesting reached. Stray close markers
// never drive the depth below zero.
func maxDepth(text, open, close string) int {
	depth, deepest := 0, 0
	for pos := 0; pos < len(text); {
		o := strings.Index(text[pos:], open)
		c := strings.Index(text[pos:], close)
		switch {
		case o < 0 && c < 0:
			return deepest
		case c < 0 || (o >= 0 && o < c):
			depth++
			if depth > deepest {
				deepest = depth
			}
			pos += o + len(open)
		default:
			if depth > 0 {
				depth--
			}
			pos += c + len(close)
		}
	}
	return deepest
}

// unterminated reports whether an opener remains after the last
// well-formed span, i.e. the scan stopped on a missing close marker.
func unterminated(text, open string, spans []span) bool {
	from := 0
	if n := len(spans); n > 0 {
		from = spans[n-1].end
	}
	return strings.Contains(text[from:], open)
}
