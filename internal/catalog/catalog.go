// Package catalog loads the list of tools the data-source agents expose.
// The catalogue is a tab-separated file with a header row and one tool
// per line: the data source it belongs to, then a description.
package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Tool is one catalogue entry.
type Tool struct {
	Source      string `json:"source"`
	Description string `json:"description"`
}

// Group is the tools of one data source.
type Group struct {
	Source string   `json:"source"`
	Tools  []string `json:"tools"`
}

// Catalog is an ordered tool list.
type Catalog struct {
	Tools []Tool `json:"tools"`
}

// Load reads a catalogue file. An empty path yields an empty catalogue.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalogue: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse reads a catalogue from r. The first row is the header. Rows
// with a blank source are skipped; extra columns are ignored.
func Parse(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	c := &Catalog{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		source := strings.TrimSpace(row[0])
		if source == "" {
			continue
		}
		t := Tool{Source: source}
		if len(row) > 1 {
			t.Description = strings.TrimSpace(row[1])
		}
		c.Tools = append(c.Tools, t)
	}
	return c, nil
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Tools)
}

// Grouped returns the tools grouped by source, in order of each
// source's first appearance.
func (c *Catalog) Grouped() []Group {
	if c == nil {
		return nil
	}
	var groups []Group
	index := make(map[string]int)
	for _, t := range c.Tools {
		i, ok := index[t.Source]
		if !ok {
			i = len(groups)
			index[t.Source] = i
			groups = append(groups, Group{Source: t.Source})
		}
		groups[i].Tools = append(groups[i].Tools, t.Description)
	}
	return groups
}
