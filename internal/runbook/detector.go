// Package runbook provides the multi-signal runbook detection
// heuristic, runbook classification, and escalation contact parsing.
// Detection output is a numeric score with indicator tags, not a
// boolean from a single regex.
package runbook

import (
	"regexp"
	"strings"
)

// DefaultThreshold marks a document as a runbook when the weighted
// detection score reaches it.
const DefaultThreshold = 0.7

// Class buckets a detected runbook by its operational purpose.
type Class string

const (
	ClassIncident        Class = "incident"
	ClassMaintenance     Class = "maintenance"
	ClassTroubleshooting Class = "troubleshooting"
	ClassProcedure       Class = "procedure"
)

// Detection is the detector output: a score in [0,1], the indicators
// that fired, and the classification when the score clears the
// threshold.
type Detection struct {
	Score      float64  `json:"score"`
	Indicators []string `json:"indicators"`
	IsRunbook  bool     `json:"is_runbook"`
	Class      Class    `json:"class,omitempty"`
}

// Signal weights. Title and content keywords dominate; structure and
// metadata confirm.
const (
	weightTitleKeyword   = 0.35
	weightContentKeyword = 0.25
	weightStructure      = 0.25
	weightMetadata       = 0.15
)

var titleKeywords = []string{
	"runbook", "playbook", "incident response", "emergency", "escalation",
	"recovery", "remediation", "on-call", "oncall", "sop", "procedure",
}

var contentKeywords = []string{
	"escalate", "escalation", "severity", "alert", "incident", "mitigation",
	"rollback", "page the", "on-call", "postmortem", "remediation",
	"immediate action", "next step",
}

var (
	numberedStepRe = regexp.MustCompile(`(?m)^\s*(\d+[.)]|step\s+\d+)`)
	bulletListRe   = regexp.MustCompile(`(?m)^\s*[-*]\s+\S`)
	decisionRe     = regexp.MustCompile(`(?i)\bif\b.+\bthen\b|\botherwise\b|\bin case of\b`)
)

// Detector scores documents against the runbook heuristic.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector. A threshold of 0 uses
// DefaultThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Detect combines title, content, structural, and metadata signals
// into a weighted score.
func (d *Detector) Detect(title, content string, metadata map[string]any) Detection {
	det := Detection{}
	lowTitle := strings.ToLower(title)
	lowContent := strings.ToLower(content)

	if matchAny(lowTitle, titleKeywords) {
		det.Score += weightTitleKeyword
		det.Indicators = append(det.Indicators, "title_keyword")
	}

	hits := 0
	for _, kw := range contentKeywords {
		if strings.Contains(lowContent, kw) {
			hits++
		}
	}
	if hits > 0 {
		// Two keywords earn the full content weight.
		frac := float64(hits) / 2
		if frac > 1 {
			frac = 1
		}
		det.Score += weightContentKeyword * frac
		det.Indicators = append(det.Indicators, "content_keyword")
	}

	structural := 0.0
	if numberedStepRe.MatchString(content) {
		structural += 0.5
		det.Indicators = append(det.Indicators, "numbered_steps")
	}
	if bulletListRe.MatchString(content) {
		structural += 0.2
		det.Indicators = append(det.Indicators, "bullet_list")
	}
	if decisionRe.MatchString(content) {
		structural += 0.3
		det.Indicators = append(det.Indicators, "decision_language")
	}
	if structural > 1 {
		structural = 1
	}
	det.Score += weightStructure * structural

	if metadataSignals(metadata) {
		det.Score += weightMetadata
		det.Indicators = append(det.Indicators, "metadata")
	}

	if det.Score > 1 {
		det.Score = 1
	}
	det.IsRunbook = det.Score >= d.threshold
	if det.IsRunbook {
		det.Class = classify(lowTitle, lowContent)
	}
	return det
}

func matchAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func metadataSignals(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	if cat, ok := metadata["category"].(string); ok && strings.EqualFold(cat, "runbook") {
		return true
	}
	switch tags := metadata["tags"].(type) {
	case []string:
		for _, t := range tags {
			if strings.EqualFold(t, "runbook") {
				return true
			}
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && strings.EqualFold(s, "runbook") {
				return true
			}
		}
	}
	return false
}

func classify(title, content string) Class {
	combined := title + " " + content
	switch {
	case strings.Contains(combined, "incident") || strings.Contains(combined, "emergency") ||
		strings.Contains(combined, "outage"):
		return ClassIncident
	case strings.Contains(combined, "maintenance") || strings.Contains(combined, "upgrade") ||
		strings.Contains(combined, "patching"):
		return ClassMaintenance
	case strings.Contains(combined, "troubleshoot") || strings.Contains(combined, "diagnos") ||
		strings.Contains(combined, "debug"):
		return ClassTroubleshooting
	default:
		return ClassProcedure
	}
}
