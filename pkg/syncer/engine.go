// Package syncer drives one catch-up pass: for every configured query it
// finds where the destination left off and sweeps the source forward in
// fixed-size windows up to the current time.
package syncer

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/queries"
	"github.com/nicktill/tinysync/pkg/reference"
	"github.com/nicktill/tinysync/pkg/source"
	"github.com/nicktill/tinysync/pkg/stats"
)

// Window policies
const (
	PolicyExtend = "extend"
	PolicyFixed  = "fixed"
)

// Exit statuses returned by Run
const (
	StatusOK          = 0
	StatusConfigError = 1
)

const defaultWindow = 3600

// Source runs one windowed query.
type Source interface {
	Query(ctx context.Context, window metrics.Window, query string) *source.Iterator
}

// Resolver maps an entity id to its reference row.
type Resolver interface {
	Resolve(table *reference.Table, id string) (reference.Entity, error)
}

// Writer is the destination side of the pass.
type Writer interface {
	LastTimestamp(ctx context.Context, metric string) (time.Time, error)
	SendPoints(ctx context.Context, metric string, entity reference.Entity, points []metrics.RawPoint)
}

// Config holds the engine settings.
type Config struct {
	FoundationsFile string
	QueriesFile     string

	// WindowSeconds is the sweep step R.
	WindowSeconds int64

	// StartTimestamp is the resume time (epoch seconds) for metrics with
	// nothing stored yet.
	StartTimestamp int64

	// WindowPolicy is PolicyExtend or PolicyFixed.
	WindowPolicy string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs sync passes.
type Engine struct {
	cfg      Config
	source   Source
	resolver Resolver
	writer   Writer
	log      *zap.Logger
	stats    *stats.Stats
}

// New creates an engine. st may be nil.
func New(cfg Config, src Source, res Resolver, w Writer, log *zap.Logger, st *stats.Stats) *Engine {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = defaultWindow
	}
	if cfg.WindowPolicy == "" {
		cfg.WindowPolicy = PolicyExtend
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		source:   src,
		resolver: res,
		writer:   w,
		log:      log.With(zap.String("component", "syncer")),
		stats:    st,
	}
}

// Run loads the reference table and query list, then syncs every query in
// order. It returns StatusConfigError when either file cannot be loaded or
// any query entry is incomplete; no query is processed in that case.
func (e *Engine) Run(ctx context.Context) int {
	table, err := reference.LoadFile(e.cfg.FoundationsFile, e.log)
	if err != nil {
		e.log.Error("failed to load foundations file", zap.String("path", e.cfg.FoundationsFile), zap.Error(err))
		return StatusConfigError
	}

	list, err := queries.LoadFile(e.cfg.QueriesFile)
	if err != nil {
		var entryErr *queries.EntryError
		switch {
		case errors.As(err, &entryErr):
			e.log.Error("query missing required key",
				zap.Int("query", entryErr.Position),
				zap.String("key", entryErr.Key),
			)
		case errors.Is(err, queries.ErrMissingQueries):
			e.log.Error("error loading queries file, missing key", zap.String("key", "queries"))
		default:
			e.log.Error("failed to load queries file", zap.String("path", e.cfg.QueriesFile), zap.Error(err))
		}
		return StatusConfigError
	}

	e.log.Info("sync starting",
		zap.Int("queries", len(list)),
		zap.Int("foundries", table.Len()),
		zap.String("window_policy", e.cfg.WindowPolicy),
	)

	for i, q := range list {
		if err := ctx.Err(); err != nil {
			e.log.Warn("sync interrupted", zap.Int("remaining", len(list)-i), zap.Error(err))
			return StatusOK
		}
		e.log.Info("starting query", zap.Int("query", i+1), zap.String("metric", q.Metric))

		start := e.resumeTime(ctx, q.Metric)
		windows := e.SendResults(ctx, start, q.Metric, q.Query, table)

		e.log.Info("query done", zap.Int("query", i+1), zap.String("metric", q.Metric), zap.Int("windows", windows))
	}
	return StatusOK
}

func (e *Engine) resumeTime(ctx context.Context, metric string) int64 {
	ts, err := e.writer.LastTimestamp(ctx, metric)
	if err != nil {
		e.log.Debug("start time query failed, using start timestamp",
			zap.String("metric", metric),
			zap.Int64("start", e.cfg.StartTimestamp),
			zap.Error(err),
		)
		e.stats.IncFallbacks()
		return e.cfg.StartTimestamp
	}
	return ts.Unix()
}

// SendResults sweeps [start, now) in steps of the window size and hands
// every resolvable series to the writer. It returns the number of windows
// queried, which never exceeds ceil((now-start)/window).
func (e *Engine) SendResults(ctx context.Context, start int64, metric, query string, table *reference.Table) int {
	now := e.cfg.Now().Unix()
	step := e.cfg.WindowSeconds
	end := min(start+step, now)

	windows := 0
	for s := start; s < now; s += step {
		if ctx.Err() != nil {
			return windows
		}
		switch e.cfg.WindowPolicy {
		case PolicyFixed:
			end = min(s+step, now)
		default:
			// The right edge only moves forward; it never trails the step.
			end = max(end, min(s+step, now))
		}

		e.log.Info("window",
			zap.String("metric", metric),
			zap.Int64("start", s),
			zap.Int64("end", end),
			zap.Int64("diff", end-start),
		)
		windows++
		e.stats.IncWindows()

		it := e.source.Query(ctx, metrics.Window{Start: s, End: end}, query)
		for it.Next() {
			series := it.Series()
			e.stats.IncSeries()
			if e.cfg.WindowPolicy != PolicyFixed {
				end = min(end+step, now)
			}
			e.handleSeries(ctx, metric, series, table)
		}
	}
	return windows
}

func (e *Engine) handleSeries(ctx context.Context, metric string, series metrics.Series, table *reference.Table) {
	id, ok := entityID(series.Scope)
	if !ok {
		e.log.Error("series scope has no entity id", zap.String("metric", metric), zap.String("scope", series.Scope))
		e.stats.IncSkipped("malformed-scope")
		return
	}

	entity, err := e.resolver.Resolve(table, id)
	if err != nil {
		e.log.Debug("skipping series", zap.String("metric", metric), zap.String("foundry", id), zap.Error(err))
		e.stats.IncSkipped("no-entity")
		return
	}

	e.log.Debug("processing points",
		zap.String("metric", metric),
		zap.String("foundry", id),
		zap.Int("points", len(series.Pointlist)),
	)
	e.writer.SendPoints(ctx, metric, entity, series.Pointlist)
}

// entityID returns the part of scope after the first colon.
func entityID(scope string) (string, bool) {
	_, id, found := strings.Cut(scope, ":")
	return id, found
}
