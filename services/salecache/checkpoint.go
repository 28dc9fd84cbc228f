package salecache

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const checkpointFile = "checkpoint.json"

// Checkpoint records how far the discovery walk has come. Its presence is
// what distinguishes a warm resume from a cold start at ID 1.
type Checkpoint struct {
	LastIDScanned     int64 `json:"last_id_scanned"`
	ConsecutiveMisses int   `json:"consecutive_misses"`
}

func (s *Store) checkpointPath() string {
	return filepath.Join(s.root, checkpointFile)
}

func (s *Store) LoadCheckpoint() (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.checkpointPath())
	if os.IsNotExist(err) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.writeFile(s.checkpointPath(), data)
}

// RaiseFrontier advances the checkpoint to the given ID if, and only if, it
// is ahead of the recorded position. The checkpoint never moves backward.
func (s *Store) RaiseFrontier(id int64) error {
	cp, _, err := s.LoadCheckpoint()
	if err != nil {
		return err
	}
	if id <= cp.LastIDScanned {
		return nil
	}
	cp.LastIDScanned = id
	cp.ConsecutiveMisses = 0
	return s.SaveCheckpoint(cp)
}
