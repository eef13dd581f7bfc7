package mcpserver

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// feedbackFile is the JSON-lines file name inside the feedback dir.
const feedbackFile = "resolutions.jsonl"

// FeedbackLog persists resolution feedback as JSON lines, one record
// per line, append-only.
type FeedbackLog struct {
	mu   sync.Mutex
	path string
}

// NewFeedbackLog opens (creating if needed) the feedback directory.
func NewFeedbackLog(dir string) (*FeedbackLog, error) {
	if dir == "" {
		dir = "feedback"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pperrors.Wrap(pperrors.KindConfig, "create feedback dir", err)
	}
	return &FeedbackLog{path: filepath.Join(dir, feedbackFile)}, nil
}

// Path returns the backing file path.
func (l *FeedbackLog) Path() string { return l.path }

// Append writes one feedback record.
func (l *FeedbackLog) Append(fb models.ResolutionFeedback) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pperrors.Wrap(pperrors.KindUnknown, "open feedback log", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(fb); err != nil {
		return pperrors.Wrap(pperrors.KindUnknown, "append feedback record", err)
	}
	return f.Sync()
}

// All reads every persisted record. Corrupt lines are skipped rather
// than failing the whole read.
func (l *FeedbackLog) All() ([]models.ResolutionFeedback, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pperrors.Wrap(pperrors.KindUnknown, "open feedback log", err)
	}
	defer f.Close()

	var out []models.ResolutionFeedback
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var fb models.ResolutionFeedback
		if err := json.Unmarshal(scanner.Bytes(), &fb); err != nil {
			continue
		}
		out = append(out, fb)
	}
	if err := scanner.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindUnknown, "read feedback log", err)
	}
	return out, nil
}

// SuccessRate aggregates the fraction of recorded outcomes per runbook
// that resolved the incident.
func (l *FeedbackLog) SuccessRate(runbookID string) (rate float64, samples int, err error) {
	records, err := l.All()
	if err != nil {
		return 0, 0, err
	}
	var resolved int
	for _, fb := range records {
		if fb.RunbookID != runbookID {
			continue
		}
		samples++
		if fb.Outcome == "resolved" || fb.Outcome == "success" {
			resolved++
		}
	}
	if samples == 0 {
		return 0, 0, nil
	}
	return float64(resolved) / float64(samples), samples, nil
}
