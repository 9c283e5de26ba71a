package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// StatusSnapshot is the document rewritten on every tick for external
// dashboards. Readers must tolerate a transiently missing or partially
// written file; the write is best-effort, not transactional.
type StatusSnapshot struct {
	Timestamp   time.Time  `json:"timestamp"`
	HasPosition bool       `json:"has_position"`
	Positions   []Position `json:"positions"`
}

// Snapshot returns the current status document.
func (m *Monitor) Snapshot() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := StatusSnapshot{
		Timestamp: time.Now(),
		Positions: []Position{},
	}
	if m.tracked != nil {
		snap.HasPosition = true
		snap.Positions = append(snap.Positions, *m.tracked)
	}
	return snap
}

func writeStatus(path string, snap StatusSnapshot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
