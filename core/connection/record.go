package connection

import (
	"errors"
	"fmt"
	"io/fs"

	"remote-trainer/core/models"
	"remote-trainer/storage"
)

// recordShape documents the connection record for remediation messages
const recordShape = `{"user": "<user>", "host": "<host>", "port": 22, "key_path": "~/.ssh/id_ed25519"}`

// RecordStore persists the last resolved connection for diagnostics and manual override
type RecordStore struct {
	path string
}

// NewRecordStore creates a new record store backed by path
func NewRecordStore(path string) *RecordStore {
	return &RecordStore{path: ExpandHome(path)}
}

// Path returns the record file location
func (s *RecordStore) Path() string {
	return s.path
}

// Load returns the persisted record, or nil when no record exists
func (s *RecordStore) Load() (*models.ConnectionInfo, error) {
	var info models.ConnectionInfo
	if err := storage.ReadJSON(s.path, &info); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read connection record %s: %w", s.path, err)
	}
	return &info, nil
}

// Save writes info as the current record
func (s *RecordStore) Save(info models.ConnectionInfo) error {
	if err := storage.WriteJSONAtomic(s.path, info); err != nil {
		return fmt.Errorf("failed to write connection record %s: %w", s.path, err)
	}
	return nil
}
