package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gridflow/logger"
	"gridflow/models"
)

// FileStore writes one JSON document per terminated session under a
// local directory. It is the default store for development setups.
type FileStore struct {
	dir string
	log *logger.Log
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create summary directory: %w", err)
	}
	return &FileStore{dir: dir, log: logger.GetLogger()}, nil
}

func summaryName(s models.SessionSummary) string {
	return fmt.Sprintf("%s_%s_%s.json", s.StoppedAt.UTC().Format("20060102T150405Z"), s.Symbol, s.SessionID)
}

func (f *FileStore) SaveSummary(_ context.Context, summary models.SessionSummary) error {
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	path := filepath.Join(f.dir, summaryName(summary))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	f.log.WithComponent("storage").WithFields(logger.Fields{
		"path":    path,
		"session": summary.SessionID,
	}).Info("session summary written")
	return nil
}
