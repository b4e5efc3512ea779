package tagsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/kojitagsync/internal/reconcile"
)

// State records the last run of every tag
type State struct {
	Commit string              `json:"commit,omitempty"`
	Tags   map[string]TagState `json:"tags"`
}

// TagState is the outcome of the last successful reconciliation of a tag
type TagState struct {
	RunID      string                `json:"run_id"`
	Changed    bool                  `json:"changed"`
	Operations []reconcile.Operation `json:"operations"`
	SyncedAt   time.Time             `json:"synced_at"`
}

// Report is the outcome of one engine run. Results follow declaration
// order and only hold tags that reconciled successfully.
type Report struct {
	Commit  string              `json:"commit,omitempty"`
	DryRun  bool                `json:"dry_run"`
	Results []*reconcile.Result `json:"results"`
}

// Changed reports whether any tag was changed
func (r *Report) Changed() bool {
	for _, res := range r.Results {
		if res.Changed {
			return true
		}
	}
	return false
}

func newState() *State {
	return &State{Tags: make(map[string]TagState)}
}

// loadState reads the state file. A missing file is an empty state.
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}

	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Tags == nil {
		state.Tags = make(map[string]TagState)
	}
	return state, nil
}

// saveState writes the state file atomically
func saveState(path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".kojitagsync-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
