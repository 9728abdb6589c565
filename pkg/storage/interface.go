package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/nicktill/tinysync/pkg/metrics"
)

// ErrNoData is returned by LastTimestamp when nothing is stored for a metric.
var ErrNoData = errors.New("no data stored for metric")

// Storage defines the interface for destination backends.
// Implementations: memory (testing), badger (default), sqlite
type Storage interface {
	// Write stores metrics atomically: either all are written or none.
	// A metric with the same name, labels and timestamp as an existing one
	// replaces it.
	Write(ctx context.Context, metrics []metrics.Metric) error

	// Query retrieves metrics within a time range
	Query(ctx context.Context, req QueryRequest) ([]metrics.Metric, error)

	// LastTimestamp returns the newest timestamp stored for the metric name,
	// or ErrNoData.
	LastTimestamp(ctx context.Context, name string) (time.Time, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what metrics to retrieve
type QueryRequest struct {
	// Time range (inclusive)
	Start time.Time
	End   time.Time

	// Filter by metric name (optional)
	MetricNames []string

	// Filter by labels (optional)
	Labels map[string]string

	// Limit number of results (0 = no limit)
	Limit int
}

// Stats provides storage usage info
type Stats struct {
	// Total metrics stored
	TotalMetrics uint64

	// Unique time series (metric name + label combinations)
	TotalSeries uint64

	// Storage size in bytes
	SizeBytes uint64

	// Oldest metric timestamp
	OldestMetric time.Time

	// Newest metric timestamp
	NewestMetric time.Time
}

// Matches reports whether m passes the request filters.
func (req QueryRequest) Matches(m metrics.Metric) bool {
	if m.Timestamp.Before(req.Start) || m.Timestamp.After(req.End) {
		return false
	}

	if len(req.MetricNames) > 0 {
		found := false
		for _, name := range req.MetricNames {
			if m.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for k, v := range req.Labels {
		if m.Labels == nil || m.Labels[k] != v {
			return false
		}
	}

	return true
}

// SeriesKey creates a deterministic string key for a series
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "," + k + "=" + labels[k]
	}
	return key
}
