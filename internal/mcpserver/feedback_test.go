package mcpserver

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

func TestFeedbackLogAppendAndReadBack(t *testing.T) {
	log, err := NewFeedbackLog(t.TempDir())
	require.NoError(t, err)

	fb := models.ResolutionFeedback{
		RunbookID:             "rb-1",
		ProcedureID:           "step-1",
		Outcome:               "resolved",
		ResolutionTimeMinutes: 12,
		Notes:                 "restarted the worker",
		RecordedAt:            time.Now().UTC(),
	}
	require.NoError(t, log.Append(fb))
	require.NoError(t, log.Append(models.ResolutionFeedback{
		RunbookID: "rb-1", ProcedureID: "step-2", Outcome: "escalated", RecordedAt: time.Now().UTC(),
	}))

	records, err := log.All()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "resolved", records[0].Outcome)
	assert.Equal(t, 12, records[0].ResolutionTimeMinutes)
}

func TestFeedbackLogEmptyFile(t *testing.T) {
	log, err := NewFeedbackLog(t.TempDir())
	require.NoError(t, err)

	records, err := log.All()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFeedbackLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFeedbackLog(dir)
	require.NoError(t, err)

	require.NoError(t, log.Append(models.ResolutionFeedback{RunbookID: "rb-1", Outcome: "resolved"}))
	f, err := os.OpenFile(log.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, log.Append(models.ResolutionFeedback{RunbookID: "rb-1", Outcome: "failed"}))

	records, err := log.All()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFeedbackLogSuccessRate(t *testing.T) {
	log, err := NewFeedbackLog(t.TempDir())
	require.NoError(t, err)

	outcomes := []string{"resolved", "resolved", "failed", "escalated"}
	for _, o := range outcomes {
		require.NoError(t, log.Append(models.ResolutionFeedback{RunbookID: "rb-1", Outcome: o}))
	}
	require.NoError(t, log.Append(models.ResolutionFeedback{RunbookID: "rb-2", Outcome: "resolved"}))

	rate, samples, err := log.SuccessRate("rb-1")
	require.NoError(t, err)
	assert.Equal(t, 4, samples)
	assert.InDelta(t, 0.5, rate, 1e-9)

	rate, samples, err = log.SuccessRate("rb-none")
	require.NoError(t, err)
	assert.Zero(t, samples)
	assert.Zero(t, rate)
}
