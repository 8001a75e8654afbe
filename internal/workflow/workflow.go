// Package workflow turns guided drug-discovery workflows and example
// questions into session inputs. Each input carries the dedup key that
// identifies what produced it, so replaying the same selection is
// recognized as a duplicate submission.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/aichemy-agent/internal/session"
)

// Workflow identifiers.
const (
	TargetIdentification = "target_identification"
	HitIdentification    = "hit_identification"
	LeadOptimization     = "lead_optimization"
	SafetyAssessment     = "safety_assessment"
)

var (
	// ErrUnknownWorkflow is returned for an unrecognized workflow id.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrMissingSubject is returned when the workflow subject is blank.
	ErrMissingSubject = errors.New("workflow subject is required")
	// ErrMissingProperties is returned when lead optimization is
	// requested without any compound properties.
	ErrMissingProperties = errors.New("at least one compound property is required")
	// ErrUnknownProperty is returned for a property outside
	// CompoundProperties.
	ErrUnknownProperty = errors.New("unknown compound property")
)

// Workflow describes one guided workflow.
type Workflow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Caption     string `json:"caption"`
	SubjectHint string `json:"subject_hint"`
	// TakesProperties is set for workflows that need CompoundProperties.
	TakesProperties bool `json:"takes_properties,omitempty"`
}

// Request selects a workflow and its inputs.
type Request struct {
	Workflow   string   `json:"workflow"`
	Subject    string   `json:"subject"`
	Properties []string `json:"properties,omitempty"`
}

var workflows = []Workflow{
	{
		ID:          TargetIdentification,
		Title:       "Target identification",
		Caption:     "Based on a disease, get its associated targets",
		SubjectHint: "e.g., breast cancer, Alzheimer's disease",
	},
	{
		ID:          HitIdentification,
		Title:       "Hit identification",
		Caption:     "Based on a target, get its associated drugs",
		SubjectHint: "e.g., BRCA1, GLP-1",
	},
	{
		ID:              LeadOptimization,
		Title:           "Lead optimization",
		Caption:         "Based on a compound, get its properties",
		SubjectHint:     "e.g., acetaminophen, semaglutide, CHEMBL25",
		TakesProperties: true,
	},
	{
		ID:          SafetyAssessment,
		Title:       "Safety assessment",
		Caption:     "Based on a compound, get its safety info",
		SubjectHint: "e.g., acetaminophen, semaglutide",
	},
}

var compoundProperties = []string{
	"Structure: SMILES, InChI, MW...",
	"ADME: LogP, Druglikeness, CYP3A4...",
	"Bioactivity: IC50...",
	"All",
}

var examples = []string{
	"Get the latest review study on the GI toxicity of danuglipron",
	"What diseases are associated with EGFR",
	"Show me compounds similar to vemurafenib. Display their structures",
	"List all the drugs in the GLP-1 agonists ATC class in DrugBank",
}

// followUps are offered after a completed turn, chosen by the target
// the question mentions.
var followUps = []struct {
	target      string
	suggestions []string
}{
	{"egfr", []string{"Show binding mode of top hit", "Compare selectivity vs other kinases", "What's the ADMET profile?"}},
	{"kras", []string{"Find G12C-specific binders", "Show covalent warhead options", "Compare to existing KRAS inhibitors"}},
}

var defaultFollowUps = []string{
	"Run toxicity prediction",
	"Find similar approved drugs",
	"Show structure-activity relationship",
}

// Workflows returns the guided workflows in display order.
func Workflows() []Workflow {
	return slices.Clone(workflows)
}

// CompoundProperties returns the property groups lead optimization
// accepts.
func CompoundProperties() []string {
	return slices.Clone(compoundProperties)
}

// Examples returns the example questions offered on an empty chat.
func Examples() []string {
	return slices.Clone(examples)
}

// FollowUps returns follow-up questions for a completed turn that
// answered query. The first target named in the table wins.
func FollowUps(query string) []string {
	q := strings.ToLower(query)
	for _, f := range followUps {
		if strings.Contains(q, f.target) {
			return slices.Clone(f.suggestions)
		}
	}
	return slices.Clone(defaultFollowUps)
}

// Chat wraps a free-form prompt.
func Chat(prompt string) session.Input {
	return session.Input{Prompt: prompt, Key: "chat:" + prompt}
}

// Example wraps one of the example questions.
func Example(question string) session.Input {
	return session.Input{Prompt: question, Key: "example:" + question}
}

// Build produces the session input for a workflow request.
func Build(req Request) (session.Input, error) {
	subject := strings.TrimSpace(req.Subject)

	switch req.Workflow {
	case TargetIdentification, HitIdentification, LeadOptimization, SafetyAssessment:
	default:
		return session.Input{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.Workflow)
	}
	if subject == "" {
		return session.Input{}, ErrMissingSubject
	}

	switch req.Workflow {
	case TargetIdentification:
		return session.Input{
			Key:    "disease:" + subject,
			Prompt: fmt.Sprintf("Use OpenTargets to find targets associated with %s. Show their scores if any and rank in descending order of scores.", subject),
		}, nil
	case HitIdentification:
		return session.Input{
			Key:    "target:" + subject,
			Prompt: fmt.Sprintf("Use OpenTargets to find drugs associated with %s. Show their scores if any and rank in descending order of scores.", subject),
		}, nil
	case LeadOptimization:
		if len(req.Properties) == 0 {
			return session.Input{}, ErrMissingProperties
		}
		for _, p := range req.Properties {
			if !slices.Contains(compoundProperties, p) {
				return session.Input{}, fmt.Errorf("%w: %q", ErrUnknownProperty, p)
			}
		}
		props := strings.Join(req.Properties, ", ")
		return session.Input{
			Key:    "compound:" + subject + ":" + props,
			Prompt: fmt.Sprintf("Use PubChem to get %s properties of %s.", props, subject),
		}, nil
	default:
		return session.Input{
			Key:    "compound:" + subject + ":safety",
			Prompt: fmt.Sprintf("Use PubChem and PubMed to find safety profile of %s. If citing studies, please state the strength of the evidence based on the study design.", subject),
		}, nil
	}
}
