package runbook

import (
	"regexp"
	"strings"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9()\-. ]{6,}[0-9]`)
	chatRe  = regexp.MustCompile(`[#@][a-zA-Z0-9_\-]+`)
)

// ParseContactMethods splits a raw contact field
// ("oncall@ops.example.com, +1-555-0100, #ops-alerts") into its
// email/phone/chat components.
func ParseContactMethods(raw string) map[string]string {
	methods := make(map[string]string)
	if email := emailRe.FindString(raw); email != "" {
		methods["email"] = email
	}
	// Strip the email before phone matching; domains with digits would
	// otherwise confuse the phone pattern.
	remainder := emailRe.ReplaceAllString(raw, "")
	if phone := phoneRe.FindString(remainder); phone != "" {
		methods["phone"] = strings.TrimSpace(phone)
	}
	if chat := chatRe.FindString(remainder); chat != "" {
		methods["chat"] = chat
	}
	return methods
}

// AnnotateEscalationPath parses contact methods and numbers contacts
// in escalation order, filling estimated response times by severity.
func AnnotateEscalationPath(contacts []models.EscalationContact, severity models.Severity) []models.EscalationContact {
	out := make([]models.EscalationContact, len(contacts))
	copy(out, contacts)
	for i := range out {
		out[i].ContactMethods = ParseContactMethods(out[i].Contact)
		out[i].EscalationOrder = i + 1
		if out[i].ResponseTimeMin == 0 {
			out[i].ResponseTimeMin = defaultResponseTime(severity, i)
		}
	}
	return out
}

// defaultResponseTime estimates minutes-to-response per severity and
// escalation depth.
func defaultResponseTime(severity models.Severity, order int) int {
	base := 30
	switch severity {
	case models.SeverityCritical:
		base = 5
	case models.SeverityHigh:
		base = 15
	case models.SeverityMedium:
		base = 30
	case models.SeverityLow, models.SeverityInfo:
		base = 60
	}
	return base * (order + 1)
}
