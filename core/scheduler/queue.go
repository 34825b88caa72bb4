package scheduler

import (
	"container/heap"
	"os"
	"sync"

	"remote-trainer/core/models"
)

// JobQueue orders pending runs so the longest ones start first
type JobQueue struct {
	jobs []*QueuedJob
	seq  int
	mu   sync.Mutex
}

// QueuedJob wraps a request with its ordering keys
type QueuedJob struct {
	Request models.JobRequest
	Weight  int64 // Larger runs first
	Seq     int   // Submission order breaks ties
	Index   int   // For heap.Interface
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{
		jobs: make([]*QueuedJob, 0),
	}
	heap.Init(jq)
	return jq
}

// Enqueue adds a request to the queue
func (jq *JobQueue) Enqueue(req models.JobRequest) {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	heap.Push(jq, &QueuedJob{
		Request: req,
		Weight:  weight(req),
		Seq:     jq.seq,
	})
	jq.seq++
}

// PopJob removes and returns the next queued job, or nil when empty
func (jq *JobQueue) PopJob() *QueuedJob {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if jq.Len() == 0 {
		return nil
	}
	return heap.Pop(jq).(*QueuedJob)
}

// Size returns the number of queued requests
func (jq *JobQueue) Size() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.Len()
}

// weight estimates run length: full training dominates, then dataset size
func weight(req models.JobRequest) int64 {
	var w int64
	if info, err := os.Stat(req.DatasetPath); err == nil {
		w = info.Size()
	}
	if req.Mode == models.ModeFull {
		w += 1 << 40
	}
	return w
}

// Len implements heap.Interface; callers hold mu
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

func (jq *JobQueue) Less(i, j int) bool {
	if jq.jobs[i].Weight != jq.jobs[j].Weight {
		return jq.jobs[i].Weight > jq.jobs[j].Weight
	}
	return jq.jobs[i].Seq < jq.jobs[j].Seq
}

func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].Index = i
	jq.jobs[j].Index = j
}

func (jq *JobQueue) Push(x interface{}) {
	item := x.(*QueuedJob)
	item.Index = len(jq.jobs)
	jq.jobs = append(jq.jobs, item)
}

func (jq *JobQueue) Pop() interface{} {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	jq.jobs = old[:n-1]
	return item
}
