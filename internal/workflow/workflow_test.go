package workflow

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/aichemy-agent/internal/session"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want session.Input
	}{
		{
			name: "target identification",
			req:  Request{Workflow: TargetIdentification, Subject: "breast cancer"},
			want: session.Input{
				Key:    "disease:breast cancer",
				Prompt: "Use OpenTargets to find targets associated with breast cancer. Show their scores if any and rank in descending order of scores.",
			},
		},
		{
			name: "hit identification trims subject",
			req:  Request{Workflow: HitIdentification, Subject: "  BRCA1 "},
			want: session.Input{
				Key:    "target:BRCA1",
				Prompt: "Use OpenTargets to find drugs associated with BRCA1. Show their scores if any and rank in descending order of scores.",
			},
		},
		{
			name: "lead optimization joins properties",
			req: Request{
				Workflow:   LeadOptimization,
				Subject:    "semaglutide",
				Properties: []string{"Bioactivity: IC50...", "All"},
			},
			want: session.Input{
				Key:    "compound:semaglutide:Bioactivity: IC50..., All",
				Prompt: "Use PubChem to get Bioactivity: IC50..., All properties of semaglutide.",
			},
		},
		{
			name: "safety assessment",
			req:  Request{Workflow: SafetyAssessment, Subject: "acetaminophen"},
			want: session.Input{
				Key:    "compound:acetaminophen:safety",
				Prompt: "Use PubChem and PubMed to find safety profile of acetaminophen. If citing studies, please state the strength of the evidence based on the study design.",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.req)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Build() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown workflow", Request{Workflow: "docking", Subject: "x"}, ErrUnknownWorkflow},
		{"blank subject", Request{Workflow: TargetIdentification, Subject: " "}, ErrMissingSubject},
		{"no properties", Request{Workflow: LeadOptimization, Subject: "x"}, ErrMissingProperties},
		{"bad property", Request{Workflow: LeadOptimization, Subject: "x", Properties: []string{"Color"}}, ErrUnknownProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestChatAndExample(t *testing.T) {
	if got := Chat("hi"); got.Key != "chat:hi" || got.Key != got.DedupKey() {
		t.Errorf("Chat() = %+v", got)
	}
	q := Examples()[1]
	if got := Example(q); got.Key != "example:"+q || got.Prompt != q {
		t.Errorf("Example() = %+v", got)
	}
}

func TestCataloguesAreCopies(t *testing.T) {
	w := Workflows()
	w[0].Title = "changed"
	if Workflows()[0].Title == "changed" {
		t.Error("Workflows() exposed internal slice")
	}
	if len(CompoundProperties()) != 4 || len(Examples()) != 4 {
		t.Errorf("unexpected catalogue sizes")
	}
}

func TestFollowUps(t *testing.T) {
	tests := []struct {
		query string
		first string
	}{
		{"What diseases are associated with EGFR", "Show binding mode of top hit"},
		{"kras g12c binders", "Find G12C-specific binders"},
		{"EGFR vs KRAS", "Show binding mode of top hit"},
		{"Tell me about aspirin", "Run toxicity prediction"},
		{"", "Run toxicity prediction"},
	}
	for _, tt := range tests {
		got := FollowUps(tt.query)
		if len(got) != 3 || got[0] != tt.first {
			t.Errorf("FollowUps(%q) = %v, want first %q", tt.query, got, tt.first)
		}
	}

	FollowUps("egfr")[0] = "changed"
	if FollowUps("egfr")[0] == "changed" {
		t.Error("FollowUps exposed internal slice")
	}
}
