package toolcall

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr(s string) *string { return &s }

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Record
	}{
		{
			name: "empty",
			text: "",
			want: nil,
		},
		{
			name: "plain text",
			text: "EGFR is a receptor tyrosine kinase.",
			want: nil,
		},
		{
			name: "single invoke with thinking",
			text: "<function_calls>\n<invoke name=\"search\"><parameter name=\"q\">EGFR</parameter></invoke>\n</function_calls>\n<thinking>Looking up EGFR</thinking>\nHere are the results.",
			want: []Record{{
				Function: "search",
				Params:   Params{{Name: "q", Value: "EGFR"}},
				Thinking: ptr("Looking up EGFR"),
			}},
		},
		{
			name: "parameter order preserved",
			text: `<function_calls><invoke name="f"><parameter name="b">2</parameter><parameter name="a">1</parameter></invoke></function_calls>`,
			want: []Record{{
				Function: "f",
				Params:   Params{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}},
			}},
		},
		{
			name: "last value wins in first position",
			text: `<function_calls><invoke name="f"><parameter name="a">1</parameter><parameter name="b">x</parameter><parameter name="a">2</parameter></invoke></function_calls>`,
			want: []Record{{
				Function: "f",
				Params:   Params{{Name: "a", Value: "2"}, {Name: "b", Value: "x"}},
			}},
		},
		{
			name: "values are trimmed",
			text: "<function_calls><invoke name=\"f\"><parameter name=\"smiles\">\n   CCO \t\n</parameter></invoke></function_calls>",
			want: []Record{{
				Function: "f",
				Params:   Params{{Name: "smiles", Value: "CCO"}},
			}},
		},
		{
			name: "value containing marker glyph is dropped",
			text: `<function_calls><invoke name="f"><parameter name="expr">a<b</parameter><parameter name="n">3</parameter></invoke></function_calls>`,
			want: []Record{{
				Function: "f",
				Params:   Params{{Name: "n", Value: "3"}},
			}},
		},
		{
			name: "invoke without parameters",
			text: `<function_calls><invoke name="list_sources"></invoke></function_calls>`,
			want: []Record{{Function: "list_sources"}},
		},
		{
			name: "empty invoke name is skipped",
			text: `<function_calls><invoke name=""></invoke><invoke name="ok"></invoke></function_calls>`,
			want: []Record{{Function: "ok"}},
		},
		{
			name: "thinking binds across containers",
			text: `<thinking>first</thinking><function_calls><invoke name="a"></invoke></function_calls>` +
				`text<function_calls><invoke name="b"></invoke></function_calls><thinking>second</thinking>`,
			want: []Record{
				{Function: "a", Thinking: ptr("first")},
				{Function: "b", Thinking: ptr("second")},
			},
		},
		{
			name: "fewer thinking blocks than records",
			text: `<function_calls><invoke name="a"></invoke><invoke name="b"></invoke></function_calls><thinking> only one </thinking>`,
			want: []Record{
				{Function: "a", Thinking: ptr("only one")},
				{Function: "b"},
			},
		},
		{
			name: "extra thinking blocks discarded",
			text: `<function_calls><invoke name="a"></invoke></function_calls><thinking>1</thinking><thinking>2</thinking>`,
			want: []Record{{Function: "a", Thinking: ptr("1")}},
		},
		{
			name: "thinking without container",
			text: `<thinking>pondering</thinking>No tools needed.`,
			want: nil,
		},
		{
			name: "unterminated container",
			text: `<function_calls><invoke name="a"></invoke>`,
			want: nil,
		},
		{
			name: "unterminated opener followed by a complete block",
			text: `<function_calls><invoke name="a"></invoke> <function_calls><invoke name="b"></invoke></function_calls>`,
			want: []Record{{Function: "a"}, {Function: "b"}},
		},
		{
			name: "nested container is not supported",
			text: `<function_calls><invoke name="outer"></invoke><function_calls><invoke name="inner"></invoke></function_calls><invoke name="after"></invoke></function_calls>`,
			want: []Record{{Function: "outer"}, {Function: "inner"}},
		},
		{
			name: "invoke outside container ignored",
			text: `<invoke name="stray"></invoke>`,
			want: nil,
		},
		{
			name: "unterminated invoke",
			text: `<function_calls><invoke name="a"><parameter name="q">x</parameter></function_calls>`,
			want: nil,
		},
		{
			name: "multiline parameter value",
			text: "<function_calls><invoke name=\"sql\"><parameter name=\"query\">SELECT *\nFROM drugs</parameter></invoke></function_calls>",
			want: []Record{{
				Function: "sql",
				Params:   Params{{Name: "query", Value: "SELECT *\nFROM drugs"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScan_Diagnostics(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Diagnostics
	}{
		{
			name: "clean",
			text: `<function_calls><invoke name="a"></invoke></function_calls><thinking>x</thinking>`,
			want: Diagnostics{Containers: 1, Reasoning: 1, MaxDepth: 1},
		},
		{
			name: "nested",
			text: `<function_calls><function_calls></function_calls></function_calls>`,
			want: Diagnostics{Containers: 1, NestedContainers: 1, MaxDepth: 2},
		},
		{
			name: "unterminated thinking",
			text: `<thinking>never closed`,
			want: Diagnostics{Unterminated: true},
		},
		{
			name: "discarded reasoning",
			text: `<thinking>a</thinking><thinking>b</thinking>`,
			want: Diagnostics{Reasoning: 2, Discarded: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scan(tt.text).Diagnostics
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Scan().Diagnostics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecord_JSON(t *testing.T) {
	recs := []Record{
		{Function: "search", Params: Params{{Name: "z", Value: "1"}, {Name: "a", Value: "2"}}, Thinking: ptr("why")},
		{Function: "noop"},
	}
	data, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `[{"function_name":"search","parameters":{"z":"1","a":"2"},"thinking":"why"},` +
		`{"function_name":"noop","parameters":{},"thinking":null}]`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var back []Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := back[0].Params.Names(); !cmp.Equal(got, []string{"z", "a"}) {
		t.Errorf("decoded parameter order = %v, want [z a]", got)
	}
	if back[1].Thinking != nil {
		t.Errorf("decoded thinking = %q, want nil", *back[1].Thinking)
	}
}

func TestParams_Get(t *testing.T) {
	var p Params
	p.Set("q", "EGFR")
	if v, ok := p.Get("q"); !ok || v != "EGFR" {
		t.Errorf("Get(q) = %q, %v; want EGFR, true", v, ok)
	}
	if _, ok := p.Get("missing"); ok {
		t.Error("Get(missing) ok = true, want false")
	}
}
