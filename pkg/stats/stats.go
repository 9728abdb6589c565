// Package stats counts what a sync run did. Counters live on a private
// registry so several runs in one process (tests) never collide, and can be
// written out in the Prometheus textfile format for node_exporter.
package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the counters of one run. A nil *Stats is valid and counts
// nothing.
type Stats struct {
	registry *prometheus.Registry

	Windows          prometheus.Counter
	Series           prometheus.Counter
	SkippedSeries    *prometheus.CounterVec
	PointsWritten    prometheus.Counter
	AbandonedBatches prometheus.Counter
	FailedCommits    prometheus.Counter
	Fallbacks        prometheus.Counter
}

// New creates and registers the run counters.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		Windows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_windows_total",
			Help: "Source query windows issued.",
		}),
		Series: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_series_total",
			Help: "Series received from the source.",
		}),
		SkippedSeries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinysync_series_skipped_total",
			Help: "Series dropped before writing, by reason.",
		}, []string{"reason"}),
		PointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_points_written_total",
			Help: "Points committed to the store.",
		}),
		AbandonedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_batches_abandoned_total",
			Help: "Series batches discarded because of a malformed point.",
		}),
		FailedCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_commits_failed_total",
			Help: "Batch commits rejected by the store.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinysync_resume_fallbacks_total",
			Help: "Queries resumed from the configured start timestamp.",
		}),
	}
	s.registry.MustRegister(
		s.Windows,
		s.Series,
		s.SkippedSeries,
		s.PointsWritten,
		s.AbandonedBatches,
		s.FailedCommits,
		s.Fallbacks,
	)
	return s
}

// Registry exposes the underlying registry.
func (s *Stats) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// IncWindows counts one source query window.
func (s *Stats) IncWindows() {
	if s != nil {
		s.Windows.Inc()
	}
}

// IncSeries counts one series received.
func (s *Stats) IncSeries() {
	if s != nil {
		s.Series.Inc()
	}
}

// IncSkipped counts a series skipped for reason (no-entity, malformed-scope).
func (s *Stats) IncSkipped(reason string) {
	if s != nil {
		s.SkippedSeries.WithLabelValues(reason).Inc()
	}
}

// AddPointsWritten counts n committed points.
func (s *Stats) AddPointsWritten(n int) {
	if s != nil && n > 0 {
		s.PointsWritten.Add(float64(n))
	}
}

// IncAbandoned counts a series dropped on a bad point.
func (s *Stats) IncAbandoned() {
	if s != nil {
		s.AbandonedBatches.Inc()
	}
}

// IncFailedCommits counts a rejected commit.
func (s *Stats) IncFailedCommits() {
	if s != nil {
		s.FailedCommits.Inc()
	}
}

// IncFallbacks counts a resume from the start timestamp.
func (s *Stats) IncFallbacks() {
	if s != nil {
		s.Fallbacks.Inc()
	}
}

// WriteTextfile writes every counter to path in the text exposition format.
// The file is replaced atomically.
func (s *Stats) WriteTextfile(path string) error {
	if s == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, s.registry); err != nil {
		return fmt.Errorf("write stats textfile: %w", err)
	}
	return nil
}
