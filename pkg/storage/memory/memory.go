package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Storage stores metrics in memory. Data is lost on restart.
// Useful for testing and dry runs.
type Storage struct {
	metrics map[recordKey]metrics.Metric
	mu      sync.RWMutex
}

type recordKey struct {
	series string
	ts     int64
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		metrics: make(map[recordKey]metrics.Metric),
	}
}

// Write stores metrics in memory
func (s *Storage) Write(ctx context.Context, batch []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range batch {
		key := recordKey{series: storage.SeriesKey(m.Name, m.Labels), ts: m.Timestamp.UnixNano()}
		s.metrics[key] = m
	}
	return nil
}

// Query retrieves metrics matching the request, ordered by timestamp
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []metrics.Metric
	for _, m := range s.metrics {
		if req.Matches(m) {
			results = append(results, m)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return storage.SeriesKey(results[i].Name, results[i].Labels) < storage.SeriesKey(results[j].Name, results[j].Labels)
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// LastTimestamp returns the newest timestamp stored for name
func (s *Storage) LastTimestamp(ctx context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, m := range s.metrics {
		if m.Name == name && m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	if last.IsZero() {
		return time.Time{}, storage.ErrNoData
	}
	return last, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalMetrics: uint64(len(s.metrics)),
	}

	seriesMap := make(map[string]bool)
	for key, m := range s.metrics {
		seriesMap[key.series] = true

		if stats.OldestMetric.IsZero() || m.Timestamp.Before(stats.OldestMetric) {
			stats.OldestMetric = m.Timestamp
		}
		if m.Timestamp.After(stats.NewestMetric) {
			stats.NewestMetric = m.Timestamp
		}
	}

	stats.TotalSeries = uint64(len(seriesMap))

	// Rough size estimate (each metric ~100 bytes)
	stats.SizeBytes = uint64(len(s.metrics)) * 100

	return stats, nil
}
