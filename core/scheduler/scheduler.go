package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"remote-trainer/core/models"
)

// Runner executes one training run
type Runner interface {
	Run(ctx context.Context, req models.JobRequest) (*models.RunSummary, error)
}

// Result is the outcome of one scheduled run
type Result struct {
	Request models.JobRequest
	Summary *models.RunSummary
	Err     error
}

// Scheduler runs independent jobs concurrently with bounded parallelism
type Scheduler struct {
	runner      Runner
	maxParallel int
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, maxParallel int) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{runner: runner, maxParallel: maxParallel}
}

// RunAll runs every request and returns one result per request, in
// submission order. A failed run never cancels the others; each owns its
// instance and cleans it up itself.
func (s *Scheduler) RunAll(ctx context.Context, reqs []models.JobRequest) []Result {
	logger := zap.S().Named("scheduler")

	queue := NewJobQueue()
	for _, req := range reqs {
		queue.Enqueue(req)
	}

	results := make([]Result, len(reqs))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)
	for item := queue.PopJob(); item != nil; item = queue.PopJob() {
		req, slot := item.Request, item.Seq
		if ctx.Err() != nil {
			mu.Lock()
			results[slot] = Result{Request: req, Err: ctx.Err()}
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			logger.Infof("Starting run %s (%s)", req.RunLabel, req.Mode)
			summary, err := s.runner.Run(ctx, req)
			if err != nil {
				logger.Warnf("Run %s failed: %v", req.RunLabel, err)
			}
			mu.Lock()
			results[slot] = Result{Request: req, Summary: summary, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Succeeded reports whether every run trained successfully
func Succeeded(results []Result) bool {
	for _, r := range results {
		if r.Err != nil || r.Summary == nil || !r.Summary.TrainingSuccess {
			return false
		}
	}
	return true
}
