package models

import "time"

// StageStatus is the lifecycle of one pipeline stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Terminal reports whether the stage can no longer change
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StageState is the persisted state of one stage
type StageState struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Percent    float64     `json:"percent"`
	Message    string      `json:"message,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ProgressState is the status file observers read while a run is in flight
type ProgressState struct {
	RunLabel  string                 `json:"run_label"`
	Status    RunStatus              `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Stages    []StageState           `json:"stages"`
	Metadata  map[string]interface{} `json:"metadata"`
	StartedAt time.Time              `json:"started_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Stage returns the named stage, or nil
func (p *ProgressState) Stage(name string) *StageState {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}
