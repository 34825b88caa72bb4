package monitoring

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"remote-trainer/core/models"
)

// CostTracker estimates what the billed instance of a run costs
type CostTracker struct {
	mu         sync.RWMutex
	instanceID string
	rate       float64 // USD per hour
	start      time.Time
	stop       time.Time
	now        func() time.Time
}

// NewCostTracker creates a new cost tracker
func NewCostTracker() *CostTracker {
	return &CostTracker{now: time.Now}
}

// TrackInstance starts billing for inst
func (ct *CostTracker) TrackInstance(inst *models.RemoteInstance) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.instanceID = inst.ID
	ct.rate = inst.CostPerHour
	ct.start = inst.CreatedAt
	if ct.start.IsZero() {
		ct.start = ct.now()
	}
	ct.stop = time.Time{}
	if ct.rate == 0 {
		zap.S().Named("cost").Warnf("No hourly price known for instance %s, cost will not be estimated", inst.ID)
	}
}

// StopTracking ends billing; later calls keep the first stop time
func (ct *CostTracker) StopTracking() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.start.IsZero() || !ct.stop.IsZero() {
		return
	}
	ct.stop = ct.now()
}

// BilledDuration returns how long the instance has been (or was) alive
func (ct *CostTracker) BilledDuration() time.Duration {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if ct.start.IsZero() {
		return 0
	}
	end := ct.stop
	if end.IsZero() {
		end = ct.now()
	}
	return end.Sub(ct.start)
}

// EstimatedCost returns the running cost rounded to cents, or nil when no instance or rate is known
func (ct *CostTracker) EstimatedCost() *float64 {
	ct.mu.RLock()
	rate, started := ct.rate, !ct.start.IsZero()
	ct.mu.RUnlock()

	if !started || rate <= 0 {
		return nil
	}
	cost := math.Round(rate*ct.BilledDuration().Hours()*100) / 100
	return &cost
}
