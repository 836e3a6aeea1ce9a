package store

import (
	"os"
	"path/filepath"
	"testing"
)

func testSnapshot() Snapshot {
	return Snapshot{
		StrategyID:    "strat-1",
		Symbol:        "AAPL",
		State:         "PLACED",
		StateBarCount: 2,
		BarsActive:    17,
		LevelsFrozen:  true,
		FrozenLevels: map[string]PlanLevels{
			"breakout": {Entry: 101.5, Stop: 99.0, Targets: []float64{104, 108}},
		},
		WorkingOrderIDs:  []string{"ord-1", "ord-2"},
		BracketID:        "breakout-abc",
		PositionQty:      100,
		AvgEntryPrice:    101.42,
		Timers:           map[string]int{"entry_timer": 3},
		LastBarTimestamp: 1700000000000,
	}
}

func TestSaveLoadState(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.SaveState(testSnapshot()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState("strat-1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got == nil {
		t.Fatal("LoadState returned nil for saved strategy")
	}
	if got.State != "PLACED" || got.StateBarCount != 2 || !got.LevelsFrozen {
		t.Errorf("snapshot = %+v", got)
	}
	if got.FrozenLevels["breakout"].Stop != 99.0 {
		t.Errorf("frozen stop = %v", got.FrozenLevels["breakout"].Stop)
	}
	if got.Timers["entry_timer"] != 3 {
		t.Errorf("timer = %d", got.Timers["entry_timer"])
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped on save")
	}
}

func TestLoadStateMissing(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := s.LoadState("never-saved")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing state", got)
	}
}

func TestSaveStateOverwrites(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap := testSnapshot()
	if err := s.SaveState(snap); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	snap.State = "MANAGING"
	snap.StateBarCount = 0
	if err := s.SaveState(snap); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState("strat-1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got.State != "MANAGING" || got.StateBarCount != 0 {
		t.Errorf("snapshot = %+v, want overwritten state", got)
	}
}

func TestDeleteState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.SaveState(testSnapshot()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := s.DeleteState("strat-1"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state_strat-1.json")); !os.IsNotExist(err) {
		t.Error("state file still present after delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteState("strat-1"); err != nil {
		t.Errorf("second DeleteState: %v", err)
	}

	got, err := s.LoadState("strat-1")
	if err != nil || got != nil {
		t.Errorf("LoadState after delete = %+v, %v", got, err)
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveState(testSnapshot()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}
