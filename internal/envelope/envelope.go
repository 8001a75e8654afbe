// Package envelope decodes the response envelope returned by the agent
// serving endpoint and extracts the message texts it carries.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
)

// TypeMessage is the output item type that carries displayable text.
// Items of any other type (reasoning traces, function call echoes) are
// ignored.
const TypeMessage = "message"

// Envelope is the top-level response from the serving endpoint.
type Envelope struct {
	Output []Item `json:"output"`
}

// Item is one output item. Only message items are inspected.
type Item struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Role    string `json:"role,omitempty"`
	Content []Part `json:"content,omitempty"`
}

// Part is one content element of an item. Text is a pointer so an
// absent field can be told apart from an empty string.
type Part struct {
	Type string  `json:"type,omitempty"`
	Text *string `json:"text,omitempty"`
}

// Decode reads a JSON envelope from r.
func Decode(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Texts returns the distinct texts of the envelope's message items in
// order of first appearance. Only the first content element of each
// message is read. Messages with no content, or whose first element has
// no text field, are skipped. A nil envelope yields no texts.
func (e *Envelope) Texts() []string {
	if e == nil {
		return nil
	}
	var texts []string
	seen := make(map[string]struct{})
	for _, item := range e.Output {
		if item.Type != TypeMessage || len(item.Content) == 0 {
			continue
		}
		text := item.Content[0].Text
		if text == nil {
			continue
		}
		if _, dup := seen[*text]; dup {
			continue
		}
		seen[*text] = struct{}{}
		texts = append(texts, *text)
	}
	return texts
}

// Extract decodes a raw JSON envelope and returns its message texts.
func Extract(data []byte) ([]string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Texts(), nil
}
