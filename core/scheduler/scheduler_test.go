package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-trainer/core/models"
)

type countingRunner struct {
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	started []string
	fail    map[string]bool
}

func (r *countingRunner) Run(_ context.Context, req models.JobRequest) (*models.RunSummary, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	r.mu.Lock()
	r.started = append(r.started, req.RunLabel)
	r.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	if r.fail[req.RunLabel] {
		return &models.RunSummary{RunLabel: req.RunLabel}, errors.New("no capacity")
	}
	return &models.RunSummary{RunLabel: req.RunLabel, TrainingSuccess: true}, nil
}

func TestRunAllBoundsParallelism(t *testing.T) {
	runner := &countingRunner{fail: map[string]bool{"c": true}}
	reqs := []models.JobRequest{{RunLabel: "a"}, {RunLabel: "b"}, {RunLabel: "c"}, {RunLabel: "d"}, {RunLabel: "e"}}

	results := NewScheduler(runner, 2).RunAll(context.Background(), reqs)
	require.Len(t, results, 5)

	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	for i, r := range results {
		assert.Equal(t, reqs[i].RunLabel, r.Request.RunLabel)
		require.NotNil(t, r.Summary)
	}
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	assert.False(t, Succeeded(results))
	assert.True(t, Succeeded(results[:2]))
}

func TestRunAllSkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &countingRunner{}
	results := NewScheduler(runner, 1).RunAll(ctx, []models.JobRequest{{RunLabel: "a"}})
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Empty(t, runner.started)
}

func TestQueueStartsLongestRunsFirst(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.jsonl")
	large := filepath.Join(dir, "large.jsonl")
	require.NoError(t, os.WriteFile(small, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(large, []byte("{}\n{}\n{}\n{}\n"), 0o644))

	q := NewJobQueue()
	q.Enqueue(models.JobRequest{RunLabel: "small", DatasetPath: small, Mode: models.ModeAdapter})
	q.Enqueue(models.JobRequest{RunLabel: "large", DatasetPath: large, Mode: models.ModeAdapter})
	q.Enqueue(models.JobRequest{RunLabel: "full", DatasetPath: small, Mode: models.ModeFull})
	q.Enqueue(models.JobRequest{RunLabel: "small-2", DatasetPath: small, Mode: models.ModeAdapter})

	var order []string
	for item := q.PopJob(); item != nil; item = q.PopJob() {
		order = append(order, item.Request.RunLabel)
	}
	assert.Equal(t, []string{"full", "large", "small", "small-2"}, order)
}
