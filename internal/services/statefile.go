package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

const stateFileVersion = 1

// PersistedState is the operator-visibility state file written after every
// task. It is informational only: a crash mid-cycle loses in-flight progress
// and the next cycle re-probes from scratch, so there is no replay log here.
type PersistedState struct {
	Version int                              `json:"version"`
	Tasks   map[models.TaskKey]PersistedTask `json:"tasks"`
}

// PersistedTask is one task's last-run record.
type PersistedTask struct {
	LastSuccessDate string `json:"last_success_date"`
	LastRunISO      string `json:"last_run_iso"`
	StockCount      int    `json:"stock_count"`
	OK              int    `json:"ok"`
	Fail            int    `json:"fail"`
}

// LoadPersistedState reads the state file, returning an empty state when the
// file does not exist yet.
func LoadPersistedState(path string) (*PersistedState, error) {
	state := &PersistedState{Version: stateFileVersion, Tasks: map[models.TaskKey]PersistedTask{}}
	if path == "" {
		return state, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if state.Tasks == nil {
		state.Tasks = map[models.TaskKey]PersistedTask{}
	}
	state.Version = stateFileVersion
	return state, nil
}

// Save writes the state file atomically (temp file + rename) so a crash mid
// write never leaves a truncated file behind.
func (s *PersistedState) Save(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
