package orchestrator

import (
	"remote-trainer/core/models"
	"remote-trainer/storage"
)

// WriteSummary writes the run summary atomically
func WriteSummary(path string, s *models.RunSummary) error {
	return storage.WriteJSONAtomic(path, s)
}

// ReadSummary loads a run summary
func ReadSummary(path string) (*models.RunSummary, error) {
	var s models.RunSummary
	if err := storage.ReadJSON(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
