package transform

import (
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

// RunbookView is a runbook annotated with navigation URLs.
type RunbookView struct {
	*models.Runbook
	URL           string   `json:"url"`
	ProcedureURLs []string `json:"procedures_url,omitempty"`
	Relevance     float64  `json:"relevance,omitempty"`
}

// EnrichRunbooks annotates runbooks with their resource URLs.
func EnrichRunbooks(rbs []*models.Runbook, relevance map[string]float64) []RunbookView {
	out := make([]RunbookView, 0, len(rbs))
	for _, rb := range rbs {
		view := RunbookView{
			Runbook: rb,
			URL:     "/runbooks/" + rb.ID,
		}
		for _, step := range rb.Procedures {
			view.ProcedureURLs = append(view.ProcedureURLs, "/procedures/"+rb.ID+"/"+step.ID)
		}
		if relevance != nil {
			view.Relevance = relevance[rb.ID]
		}
		out = append(out, view)
	}
	return out
}

// ProcedureView is a procedure step with its immediate successors and
// navigation URLs.
type ProcedureView struct {
	Step         models.ProcedureStep   `json:"step"`
	NextSteps    []models.ProcedureStep `json:"next_steps,omitempty"`
	ExecutionURL string                 `json:"execution_url"`
	RunbookURL   string                 `json:"runbook_url"`
}

// EnrichProcedure annotates a resolved procedure step.
func EnrichProcedure(runbookID string, step models.ProcedureStep, next []models.ProcedureStep) ProcedureView {
	return ProcedureView{
		Step:         step,
		NextSteps:    next,
		ExecutionURL: "/procedures/" + runbookID + "/" + step.ID,
		RunbookURL:   "/runbooks/" + runbookID,
	}
}

// EscalationView is the escalation path with parsed contact methods.
type EscalationView struct {
	Severity models.Severity            `json:"severity"`
	Contacts []models.EscalationContact `json:"contacts"`
}

// EnrichEscalation parses contact fields, numbers the contacts in
// escalation order, and fills estimated response times.
func EnrichEscalation(contacts []models.EscalationContact, severity models.Severity) EscalationView {
	return EscalationView{
		Severity: severity,
		Contacts: runbook.AnnotateEscalationPath(contacts, severity),
	}
}
