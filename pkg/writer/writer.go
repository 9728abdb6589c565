// Package writer turns source pointlists into tagged records and commits
// them to a storage backend. It also answers where a metric should resume.
package writer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/reference"
	"github.com/nicktill/tinysync/pkg/stats"
	"github.com/nicktill/tinysync/pkg/storage"
)

const defaultTimeout = 30 * time.Second

// Config controls point decoding and commits.
type Config struct {
	// Precision is the unit of point timestamps (time.Millisecond for
	// Datadog, time.Second for pre-converted data).
	Precision time.Duration

	// SkipNullPoints drops points with a null value instead of abandoning
	// the series.
	SkipNullPoints bool

	// Timeout bounds each storage call.
	Timeout time.Duration
}

// Writer commits series batches to a Storage.
type Writer struct {
	store storage.Storage
	cfg   Config
	log   *zap.Logger
	stats *stats.Stats
}

// New creates a writer. st may be nil.
func New(store storage.Storage, cfg Config, log *zap.Logger, st *stats.Stats) *Writer {
	if cfg.Precision <= 0 {
		cfg.Precision = time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Writer{
		store: store,
		cfg:   cfg,
		log:   log.With(zap.String("component", "writer")),
		stats: st,
	}
}

// LastTimestamp returns the newest stored time for metric. Every failure is a
// *StartQueryError matching ErrStartQueryFailed.
func (w *Writer) LastTimestamp(ctx context.Context, metric string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	ts, err := w.store.LastTimestamp(ctx, metric)
	switch {
	case errors.Is(err, storage.ErrNoData):
		return time.Time{}, &StartQueryError{Metric: metric, Reason: ReasonNoData, Err: err}
	case err != nil:
		return time.Time{}, &StartQueryError{Metric: metric, Reason: ReasonQueryFailed, Err: err}
	case ts.Unix() <= 0:
		return time.Time{}, &StartQueryError{Metric: metric, Reason: ReasonMalformed}
	}
	return ts, nil
}

// SendPoints buffers every point of one series and commits them with a
// single storage write. A point with the wrong shape or a non-numeric value
// abandons the whole series. Commit failures are logged, never returned; the
// stored last timestamp is then unchanged so the next run retries the series.
func (w *Writer) SendPoints(ctx context.Context, metric string, entity reference.Entity, points []metrics.RawPoint) {
	batch := NewBatch(metric, entity)

	for i, raw := range points {
		ts, value, err := decodePoint(raw, w.cfg.Precision)
		if errors.Is(err, errNullValue) && w.cfg.SkipNullPoints {
			w.log.Debug("skipping null point",
				zap.String("metric", metric),
				zap.String("foundry", entity.ID),
				zap.Int("index", i),
			)
			continue
		}
		if err != nil {
			w.log.Warn("abandoning series batch on bad point",
				zap.String("metric", metric),
				zap.String("foundry", entity.ID),
				zap.Int("index", i),
				zap.ByteString("point", raw),
				zap.Error(err),
			)
			w.stats.IncAbandoned()
			return
		}
		batch.Add(ts, value)
	}

	w.commit(ctx, batch, entity.ID)
}

func (w *Writer) commit(ctx context.Context, batch *Batch, entityID string) {
	if batch.Len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if err := w.store.Write(ctx, batch.Records()); err != nil {
		w.log.Warn("commit failed",
			zap.String("metric", batch.Metric()),
			zap.String("foundry", entityID),
			zap.Int("points", batch.Len()),
			zap.Error(err),
		)
		w.stats.IncFailedCommits()
		return
	}
	w.stats.AddPointsWritten(batch.Len())

	w.log.Debug("series committed",
		zap.String("metric", batch.Metric()),
		zap.String("foundry", entityID),
		zap.Int("points", batch.Len()),
	)
}
