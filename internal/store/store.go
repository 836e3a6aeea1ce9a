// Package store provides crash-safe engine state persistence using JSON
// files.
//
// Each strategy engine's runtime state is stored as a separate file:
// state_<strategyID>.json. Writes use atomic file replacement (write to
// .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The engine calls SaveState after each processed bar, and the
// orchestrator calls LoadState on startup so a restarted strategy resumes
// with its FSM state, frozen levels, and timers instead of starting cold.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PlanLevels is the frozen numeric snapshot of one order plan's levels.
type PlanLevels struct {
	Entry     float64   `json:"entry"`
	EntryLow  float64   `json:"entryLow"`
	EntryHigh float64   `json:"entryHigh"`
	Stop      float64   `json:"stop"`
	Targets   []float64 `json:"targets"`
}

// Snapshot is one engine's persisted runtime state.
type Snapshot struct {
	StrategyID       string                `json:"strategyId"`
	Symbol           string                `json:"symbol"`
	State            string                `json:"state"`
	StateBarCount    int                   `json:"stateBarCount"`
	BarsActive       int                   `json:"barsActive"`
	LevelsFrozen     bool                  `json:"levelsFrozen"`
	PendingFreeze    bool                  `json:"pendingFreeze"`
	FrozenLevels     map[string]PlanLevels `json:"frozenLevels,omitempty"`
	WorkingOrderIDs  []string              `json:"workingOrderIds,omitempty"`
	BracketID        string                `json:"bracketId,omitempty"`
	PositionQty      float64               `json:"positionQty"`
	AvgEntryPrice    float64               `json:"avgEntryPrice"`
	Timers           map[string]int        `json:"timers,omitempty"`
	LastBarTimestamp int64                 `json:"lastBarTimestamp"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// Store persists snapshots to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing state_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(strategyID string) string {
	return filepath.Join(s.dir, "state_"+strategyID+".json")
}

// SaveState atomically persists one engine's runtime state. It writes to
// a .tmp file first, then renames over the target so the file is never
// left in a partial state.
func (s *Store) SaveState(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := s.path(snap.StrategyID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState restores an engine's state from disk.
// Returns nil, nil if no saved state exists (fresh strategy).
func (s *Store) LoadState(strategyID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(strategyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &snap, nil
}

// DeleteState removes a strategy's persisted state after it closes.
func (s *Store) DeleteState(strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(strategyID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
