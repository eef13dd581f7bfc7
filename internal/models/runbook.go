package models

import "time"

// Runbook is an operational document: triggers, a decision tree, and an
// ordered procedure list with an escalation path.
type Runbook struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Version         string              `json:"version,omitempty"`
	Description     string              `json:"description,omitempty"`
	Triggers        []string            `json:"triggers,omitempty"`
	SeverityMapping map[string]Severity `json:"severity_mapping,omitempty"`
	DecisionTree    *DecisionNode       `json:"decision_tree,omitempty"`
	Procedures      []ProcedureStep     `json:"procedures,omitempty"`
	EscalationPath  []EscalationContact `json:"escalation_path,omitempty"`
	Metadata        RunbookMetadata     `json:"metadata"`
}

// RunbookMetadata carries authorship and quality signals.
type RunbookMetadata struct {
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	Confidence  float64   `json:"confidence"`
	SuccessRate float64   `json:"success_rate"`
}

// DecisionNode is one branch of a decision tree. A node either matches
// its condition and yields an outcome, or falls through to children and
// finally the default action.
type DecisionNode struct {
	ID            string          `json:"id,omitempty"`
	Condition     string          `json:"condition,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	DefaultAction string          `json:"default_action,omitempty"`
	Children      []*DecisionNode `json:"children,omitempty"`
}

// ProcedureStep is one ordered step in a runbook procedure.
type ProcedureStep struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

// EscalationContact is a single entry in an escalation path. Contact is
// the raw field ("email, phone, chat channel"); ContactMethods is the
// parsed projection.
type EscalationContact struct {
	Role            string            `json:"role,omitempty"`
	Contact         string            `json:"contact"`
	ContactMethods  map[string]string `json:"contact_methods,omitempty"`
	EscalationOrder int               `json:"escalation_order,omitempty"`
	ResponseTimeMin int               `json:"response_time_minutes,omitempty"`
	BusinessHours   bool              `json:"business_hours,omitempty"`
	Severities      []Severity        `json:"severities,omitempty"`
}

// StepByName finds a procedure step by ID or name and returns it with
// its immediate successors. Returns nil when the step does not exist.
func (r *Runbook) StepByName(name string) (*ProcedureStep, []ProcedureStep) {
	for i := range r.Procedures {
		step := &r.Procedures[i]
		if step.ID == name || step.Name == name {
			next := r.Procedures[i+1:]
			if len(next) > 2 {
				next = next[:2]
			}
			return step, next
		}
	}
	return nil, nil
}

// ResolutionFeedback records the outcome of applying a runbook
// procedure to an incident.
type ResolutionFeedback struct {
	RunbookID             string    `json:"runbook_id"`
	ProcedureID           string    `json:"procedure_id"`
	Outcome               string    `json:"outcome"`
	ResolutionTimeMinutes int       `json:"resolution_time_minutes"`
	Notes                 string    `json:"notes,omitempty"`
	RecordedAt            time.Time `json:"recorded_at"`
}
