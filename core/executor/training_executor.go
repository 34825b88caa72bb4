package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"remote-trainer/core/models"
	"remote-trainer/training/frameworks"
)

// outputTailLines is how much remote output is kept for the failure report
const outputTailLines = 40

// trainerStage is the trainer's stage name for the optimization loop. Progress
// bars printed in other stages (model download, dataset mapping, GGUF merge)
// do not measure training.
const trainerStage = "TRAINING"

// ProgressSink receives throttled progress for the training stage
type ProgressSink interface {
	UpdateStage(stage string, percent float64, message string) error
}

// TrainingExecutor runs the remote training command and streams its progress
type TrainingExecutor struct {
	setup    frameworks.TrainingSetup
	sink     ProgressSink
	stage    string
	parser   ProgressLineParser
	throttle *ProgressThrottle
}

// NewTrainingExecutor creates a new training executor reporting to sink under stage
func NewTrainingExecutor(setup frameworks.TrainingSetup, sink ProgressSink, stage string, minInterval time.Duration) *TrainingExecutor {
	return &TrainingExecutor{
		setup:    setup,
		sink:     sink,
		stage:    stage,
		throttle: NewProgressThrottle(minInterval),
	}
}

// Command returns the remote shell command for cfg
func (e *TrainingExecutor) Command(cfg *models.JobConfig) string {
	return "bash -c " + frameworks.ShellQuote(e.setup.GenerateTrainingScript(cfg))
}

// Execute runs training to completion on exec. A nonzero exit status is
// returned in the result, not as an error; the result's Stdout holds the tail
// of the remote output.
func (e *TrainingExecutor) Execute(ctx context.Context, exec RemoteExecutor, cfg *models.JobConfig) (*Result, error) {
	logger := zap.S().Named("executor")
	logger.Infof("Executing %s training (output %s)", e.setup.Mode(), e.setup.Layout().OutputDir)

	var (
		mu         sync.Mutex
		tail       []string
		phase      string
		barPercent float64
	)
	e.throttle.Reset()

	forward := func(percent float64, msg string) {
		logger.Infof("Training progress %.0f%% %s", percent, msg)
		if e.sink != nil {
			if err := e.sink.UpdateStage(e.stage, percent, msg); err != nil {
				logger.Warnf("Failed to record progress: %v", err)
			}
		}
	}

	onLine := func(line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		logger.Debugf("remote: %s", trimmed)

		mu.Lock()
		tail = append(tail, trimmed)
		if len(tail) > outputTailLines {
			tail = tail[len(tail)-outputTailLines:]
		}
		mu.Unlock()

		update, ok := e.parser.Parse(trimmed)
		if !ok {
			return
		}

		// Stage lines move the message only; their percent is per trainer stage
		if update.StageLine() {
			mu.Lock()
			if update.Stage != phase {
				phase = update.Stage
				e.throttle.Reset()
			}
			pct := barPercent
			mu.Unlock()
			forward(pct, strings.TrimSpace(update.Stage+" "+update.Message))
			return
		}

		mu.Lock()
		counting := phase == "" || phase == trainerStage
		if !counting || !e.throttle.Allow(update) {
			mu.Unlock()
			return
		}
		if update.Percent > barPercent {
			barPercent = update.Percent
		}
		mu.Unlock()

		msg := update.Message
		if update.Total > 0 {
			msg = fmt.Sprintf("step %d/%d", update.Step, update.Total)
		}
		forward(update.Percent, msg)
	}

	res, err := exec.RunStream(ctx, e.Command(cfg), onLine)
	if err != nil {
		return res, fmt.Errorf("training stream failed: %w", err)
	}

	mu.Lock()
	res.Stdout = strings.Join(tail, "\n")
	mu.Unlock()

	if res.ExitCode != 0 {
		logger.Warnf("Training exited with code %d", res.ExitCode)
	} else {
		logger.Infof("Training finished")
	}
	return res, nil
}
