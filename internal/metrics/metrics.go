package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nas-go/internal/nas"
)

// Recorder is the Prometheus implementation of nas.Recorder. Each CLI
// invocation owns one registry; WriteTextfile dumps it for node_exporter's
// textfile collector.
type Recorder struct {
	registry *prometheus.Registry

	snapshotsTotal      *prometheus.CounterVec
	snapshotDuration    prometheus.Histogram
	mountWait           *prometheus.HistogramVec
	permissionDecisions *prometheus.CounterVec
	operationsTotal     *prometheus.CounterVec
}

var _ nas.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()

	return &Recorder{
		registry: reg,
		snapshotsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nas_snapshots_total",
				Help: "Snapshots attempted, by result and failure reason",
			},
			[]string{"result", "reason"},
		),
		snapshotDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "nas_snapshot_duration_seconds",
				Help: "Time to archive a stage directory",
				Buckets: []float64{
					0.1, // 100ms
					0.5,
					1,
					5,
					30,
					120,
				},
			},
		),
		mountWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nas_mount_wait_seconds",
				Help:    "Time spent waiting for a snapshot mount to become active",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"result"},
		),
		permissionDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nas_permission_decisions_total",
				Help: "Permission evaluations by capability and outcome",
			},
			[]string{"capability", "allowed"},
		),
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nas_operations_total",
				Help: "CLI operations by name and final status",
			},
			[]string{"operation", "status"},
		),
	}
}

func (r *Recorder) SnapshotCreated(d time.Duration) {
	r.snapshotsTotal.WithLabelValues("success", "").Inc()
	r.snapshotDuration.Observe(d.Seconds())
}

func (r *Recorder) SnapshotFailed(reason string) {
	r.snapshotsTotal.WithLabelValues("failure", reason).Inc()
}

func (r *Recorder) MountWait(d time.Duration, ok bool) {
	result := "active"
	if !ok {
		result = "timeout"
	}
	r.mountWait.WithLabelValues(result).Observe(d.Seconds())
}

func (r *Recorder) PermissionDecision(c nas.Capability, allowed bool) {
	r.permissionDecisions.WithLabelValues(c.String(), strconv.FormatBool(allowed)).Inc()
}

// OperationFinished counts a completed CLI operation.
func (r *Recorder) OperationFinished(operation, status string) {
	r.operationsTotal.WithLabelValues(operation, status).Inc()
}

// Gatherer exposes the registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the registry in the text exposition format to path.
// An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
