package portal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists session snapshots as a JSON file. Writes go
// through a temp file and rename so a crash mid-write never corrupts
// the snapshot.
type FileStore struct {
	Path string
}

func NewFileStore(path string) FileStore {
	return FileStore{Path: path}
}

func (f FileStore) Save(snapshot Snapshot) error {
	contents, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(f.Path), 0777)
	if err != nil {
		return err
	}

	temp := f.Path + ".tmp"
	err = os.WriteFile(temp, contents, 0600)
	if err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	return os.Rename(temp, f.Path)
}

func (f FileStore) Load() (Snapshot, bool, error) {
	contents, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var snapshot Snapshot
	err = json.Unmarshal(contents, &snapshot)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("parse session snapshot: %w", err)
	}
	return snapshot, true, nil
}
