package fileadapter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// snapshot is the on-disk document table, persisted for fast restart.
type snapshot struct {
	SavedAt   time.Time          `json:"saved_at"`
	Documents []*models.Document `json:"documents"`
}

// saveSnapshot writes the document table atomically via a temp file.
func saveSnapshot(path string, docs []*models.Document) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "create snapshot dir", err)
	}

	data, err := json.Marshal(snapshot{SavedAt: time.Now(), Documents: docs})
	if err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "encode snapshot", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "write snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "publish snapshot", err)
	}
	return nil
}

// loadSnapshot reads a previously saved document table. A missing
// file returns (nil, nil).
func loadSnapshot(path string) ([]*models.Document, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "read snapshot", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "decode snapshot", err)
	}
	return snap.Documents, nil
}
