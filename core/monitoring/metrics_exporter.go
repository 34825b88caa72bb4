package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"remote-trainer/core/models"
)

const (
	metricsSubsystem = "remote_trainer"

	phaseLabel = "phase"
	modeLabel  = "mode"
)

// MetricsExporter collects per-run metrics into a private registry and
// writes them in the node-exporter textfile format
type MetricsExporter struct {
	registry *prometheus.Registry

	success    *prometheus.GaugeVec
	duration   prometheus.Gauge
	terminated prometheus.Gauge
	cost       prometheus.Gauge
	finished   prometheus.Gauge
	phase      *prometheus.GaugeVec
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter() *MetricsExporter {
	me := &MetricsExporter{
		registry: prometheus.NewRegistry(),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_success",
			Help:      "1 if the last training run succeeded",
		}, []string{modeLabel}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_duration_seconds",
			Help:      "wall clock duration of the last run",
		}),
		terminated: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_instance_terminated",
			Help:      "1 if the last run's instance was terminated",
		}),
		cost: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_estimated_cost_usd",
			Help:      "estimated instance cost of the last run",
		}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "unix time the last run finished",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "last_run_phase_duration_seconds",
			Help:      "duration of each pipeline stage of the last run",
		}, []string{phaseLabel}),
	}

	me.registry.MustRegister(me.success, me.duration, me.terminated, me.cost, me.finished, me.phase)
	return me
}

// Registry exposes the underlying registry
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Record sets the gauges from a finished run
func (me *MetricsExporter) Record(mode models.TrainingMode, summary *models.RunSummary, progress *models.ProgressState) {
	me.success.With(prometheus.Labels{modeLabel: string(mode)}).Set(boolGauge(summary.TrainingSuccess))
	me.terminated.Set(boolGauge(summary.Terminated))

	finished := time.Now()
	if summary.FinishedAt != nil {
		finished = *summary.FinishedAt
	}
	me.finished.Set(float64(finished.Unix()))
	me.duration.Set(finished.Sub(summary.StartedAt).Seconds())

	if summary.EstimatedCostUSD != nil {
		me.cost.Set(*summary.EstimatedCostUSD)
	}

	if progress == nil {
		return
	}
	for _, st := range progress.Stages {
		if st.StartedAt == nil || st.FinishedAt == nil {
			continue
		}
		me.phase.With(prometheus.Labels{phaseLabel: st.Name}).Set(st.FinishedAt.Sub(*st.StartedAt).Seconds())
	}
}

// WriteTextfile writes the registry to path for the node-exporter textfile collector
func (me *MetricsExporter) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, me.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
