// Package toolcall extracts structured tool invocations and reasoning
// blocks from an agent's raw response text, and strips those blocks to
// leave the text that is shown to the user.
//
// Agent responses embed calls in a lightweight tag grammar:
//
//	<function_calls>
//	  <invoke name="search">
//	    <parameter name="q">EGFR</parameter>
//	  </invoke>
//	</function_calls>
//	<thinking>Looking up EGFR</thinking>
//
// Matching is fail-soft. Unterminated blocks never match and stay in
// the visible text, containers do not nest (an inner opener is treated
// as content of the outer block), and a parameter value containing '<'
// does not match at all. None of these conditions is reported as an
// error; [Scan] exposes them as [Diagnostics] for logging.
package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Param is one named parameter of an invocation.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered parameter mapping. Names keep the position of
// their first appearance; a repeated name takes the last value.
type Params []Param

// Get returns the value for name.
func (p Params) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Set assigns value to name, keeping an existing name in place.
func (p *Params) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Name: name, Value: value})
}

// Names returns the parameter names in order.
func (p Params) Names() []string {
	names := make([]string, len(p))
	for i, kv := range p {
		names[i] = kv.Name
	}
	return names
}

// MarshalJSON encodes the parameters as a JSON object in order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of string values, preserving the
// key order of the document.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parameters: expected object, got %v", tok)
	}
	out := Params{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("parameters: expected key, got %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("parameters: value for %q: %w", name, err)
		}
		out.Set(name, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Record is one tool invocation found in a response. Thinking is nil
// when no reasoning block was bound to it.
type Record struct {
	Function string  `json:"function_name"`
	Params   Params  `json:"parameters"`
	Thinking *string `json:"thinking"`
}

// Diagnostics describes how well-formed a response's markup was.
type Diagnostics struct {
	Containers int `json:"containers"`
	Reasoning  int `json:"reasoning"`
	// NestedContainers counts containers whose body holds another
	// container opener; the inner opener was treated as text.
	NestedContainers int `json:"nested_containers"`
	// MaxDepth is the deepest container nesting in the raw text.
	MaxDepth int `json:"max_depth"`
	// Unterminated is set when a container or reasoning opener had no
	// closing marker and was left in the visible text.
	Unterminated bool `json:"unterminated"`
	// Discarded counts reasoning blocks with no record to bind to.
	Discarded int `json:"discarded"`
}

// Document is the result of scanning one message text.
type Document struct {
	Records     []Record
	Diagnostics Diagnostics
}

// Parse returns the tool invocations embedded in text, in document
// order, with reasoning blocks bound by position. A text without any
// container yields no records.
func Parse(text string) []Record {
	return Scan(text).Records
}

// Scan parses text like [Parse] and also reports [Diagnostics].
func Scan(text string) Document {
	var doc Document

	containers := blocks(text, containerOpen, containerClose)
	for _, c := range containers {
		body := c.inner(text)
		if strings.Contains(body, containerOpen) {
			doc.Diagnostics.NestedContainers++
		}
		for _, inv := range invokes(body) {
			rec := Record{Function: inv.name}
			for _, p := range params(inv.body) {
				rec.Params.Set(p.name, trimSpace(p.body))
			}
			doc.Records = append(doc.Records, rec)
		}
	}

	// Reasoning blocks are matched across the whole text, including
	// inside containers, and bound to records by index.
	reasoning := blocks(text, thinkingOpen, thinkingClose)
	for i, r := range reasoning {
		if i >= len(doc.Records) {
			doc.Diagnostics.Discarded++
			continue
		}
		thinking := trimSpace(r.inner(text))
		doc.Records[i].Thinking = &thinking
	}

	doc.Diagnostics.Containers = len(containers)
	doc.Diagnostics.Reasoning = len(reasoning)
	doc.Diagnostics.MaxDepth = maxDepth(text, containerOpen, containerClose)
	doc.Diagnostics.Unterminated = unterminated(text, containerOpen, containers) ||
		unterminated(text, thinkingOpen, reasoning)
	return doc
}
