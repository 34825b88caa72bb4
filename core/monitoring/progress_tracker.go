package monitoring

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"remote-trainer/core/models"
	"remote-trainer/storage"
)

// Pipeline stages, in order
const (
	StageProvision         = "provision"
	StageConnect           = "connect"
	StageVerifyEnvironment = "verify_environment"
	StageUpload            = "upload"
	StageTraining          = "training"
	StageDownload          = "download"
	StageFinalize          = "finalize"
	StageCleanup           = "cleanup"
)

// DefaultStages is the stage list of a training run
var DefaultStages = []string{
	StageProvision,
	StageConnect,
	StageVerifyEnvironment,
	StageUpload,
	StageTraining,
	StageDownload,
	StageFinalize,
	StageCleanup,
}

// Tracker records run progress and flushes every change to the status file.
// Completed and failed stages never become active again, and a stage's
// percent only moves forward unless the stage is explicitly restarted.
type Tracker struct {
	mu    sync.Mutex
	path  string
	state models.ProgressState
	now   func() time.Time
}

// StatusPath returns the status file of a run
func StatusPath(statusDir, runLabel string) string {
	return filepath.Join(statusDir, runLabel+".json")
}

// NewTracker creates a tracker for runLabel with a fixed stage list and writes the initial state
func NewTracker(statusDir, runLabel string, stages []string) (*Tracker, error) {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	now := time.Now().UTC()
	t := &Tracker{
		path: StatusPath(statusDir, runLabel),
		now:  func() time.Time { return time.Now().UTC() },
		state: models.ProgressState{
			RunLabel:  runLabel,
			Status:    models.RunStatusRunning,
			Stages:    make([]models.StageState, 0, len(stages)),
			Metadata:  make(map[string]interface{}),
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	for _, name := range stages {
		t.state.Stages = append(t.state.Stages, models.StageState{Name: name, Status: models.StagePending})
	}

	if err := t.flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the status file path
func (t *Tracker) Path() string {
	return t.path
}

// StartStage marks a stage active. Calling it on an active stage restarts it from 0%.
func (t *Tracker) StartStage(name, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.stage(name)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("stage %s already %s", name, st.Status)
	}

	now := t.now()
	st.Status = models.StageActive
	st.Percent = 0
	st.Message = message
	st.StartedAt = &now
	zap.S().Named("progress").Infof("▶ %s: %s", name, message)
	return t.flush()
}

// UpdateStage records percent and message for an active stage. Regressions
// of percent are ignored; updates to stages that are not active are dropped.
func (t *Tracker) UpdateStage(name string, percent float64, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.stage(name)
	if err != nil {
		return err
	}
	if st.Status != models.StageActive {
		return nil
	}

	if percent > 100 {
		percent = 100
	}
	if percent > st.Percent {
		st.Percent = percent
	}
	if message != "" {
		st.Message = message
	}
	zap.S().Named("progress").Debugf("%s %.0f%% %s", name, st.Percent, message)
	return t.flush()
}

// CompleteStage marks a stage completed at 100%
func (t *Tracker) CompleteStage(name, message string) error {
	return t.finishStage(name, models.StageCompleted, message)
}

// FailStage marks a stage failed with reason
func (t *Tracker) FailStage(name, reason string) error {
	return t.finishStage(name, models.StageFailed, reason)
}

func (t *Tracker) finishStage(name string, status models.StageStatus, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.stage(name)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	now := t.now()
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.Status = status
	st.FinishedAt = &now
	if message != "" {
		st.Message = message
	}

	logger := zap.S().Named("progress")
	if status == models.StageCompleted {
		st.Percent = 100
		logger.Infof("✔ %s: %s", name, message)
	} else {
		logger.Warnf("✘ %s: %s", name, message)
	}
	return t.flush()
}

// SetMetadata stores a key shown alongside the stages
func (t *Tracker) SetMetadata(key string, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Metadata[key] = value
	return t.flush()
}

// Complete marks the run completed
func (t *Tracker) Complete(message string) error {
	return t.finish(models.RunStatusCompleted, message)
}

// Fail marks the run failed
func (t *Tracker) Fail(reason string) error {
	return t.finish(models.RunStatusFailed, reason)
}

func (t *Tracker) finish(status models.RunStatus, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Status == models.RunStatusCompleted || t.state.Status == models.RunStatusFailed {
		return nil
	}
	t.state.Status = status
	t.state.Message = message
	if status == models.RunStatusCompleted {
		zap.S().Named("progress").Infof("Run %s completed: %s", t.state.RunLabel, message)
	} else {
		zap.S().Named("progress").Errorf("Run %s failed: %s", t.state.RunLabel, message)
	}
	return t.flush()
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() models.ProgressState {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.state
	snap.Stages = append([]models.StageState(nil), t.state.Stages...)
	snap.Metadata = make(map[string]interface{}, len(t.state.Metadata))
	for k, v := range t.state.Metadata {
		snap.Metadata[k] = v
	}
	return snap
}

func (t *Tracker) stage(name string) (*models.StageState, error) {
	st := t.state.Stage(name)
	if st == nil {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	return st, nil
}

// flush must be called with mu held
func (t *Tracker) flush() error {
	t.state.UpdatedAt = t.now()
	if err := storage.WriteJSONAtomic(t.path, &t.state); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// ReadStatus loads a status file
func ReadStatus(path string) (*models.ProgressState, error) {
	var state models.ProgressState
	if err := storage.ReadJSON(path, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
