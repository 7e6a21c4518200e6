package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openjudge/arbiter/internal/model"
)

// LogStore persists one immutable transcript per (submission, run) under
// data/submissions/<id>/logs/<run>.json. The gateway reads it to replay a
// run after the live queue is gone.
type LogStore struct {
	dataDir string
}

func NewLogStore(dataDir string) *LogStore {
	return &LogStore{dataDir: dataDir}
}

func (s *LogStore) logDir(submissionID string) string {
	return filepath.Join(s.dataDir, "submissions", submissionID, "logs")
}

func (s *LogStore) logPath(submissionID, runID string) string {
	return filepath.Join(s.logDir(submissionID), runID+".json")
}

// Dump writes the transcript of one run. A transcript is written exactly
// once; re-dumping the same run is an error.
func (s *LogStore) Dump(_ context.Context, submissionID, runID string, frames []model.Message) error {
	path := s.logPath(submissionID, runID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrLogExists, submissionID, runID)
	}

	log := model.SubmissionLog{
		ID:         runID,
		Submission: submissionID,
		Logs:       frames,
		CreatedAt:  time.Now(),
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := os.MkdirAll(s.logDir(submissionID), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get retrieves the transcript of one run.
func (s *LogStore) Get(_ context.Context, submissionID, runID string) (*model.SubmissionLog, error) {
	data, err := os.ReadFile(s.logPath(submissionID, runID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrLogNotFound, submissionID, runID)
	}
	if err != nil {
		return nil, err
	}
	var log model.SubmissionLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode transcript %s/%s: %w", submissionID, runID, err)
	}
	return &log, nil
}

// ListIDs enumerates the run ids recorded for a submission.
func (s *LogStore) ListIDs(_ context.Context, submissionID string) ([]string, error) {
	entries, err := os.ReadDir(s.logDir(submissionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}
