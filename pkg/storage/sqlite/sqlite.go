package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
    name   TEXT    NOT NULL,
    series TEXT    NOT NULL,
    labels TEXT    NOT NULL,
    ts     INTEGER NOT NULL,
    value  REAL    NOT NULL,
    type   TEXT    NOT NULL,
    PRIMARY KEY (name, series, ts)
);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);
`

const upsert = `INSERT INTO metrics (name, series, labels, ts, value, type) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (name, series, ts) DO UPDATE SET value = excluded.value, labels = excluded.labels, type = excluded.type`

// Storage implements storage.Storage on a SQLite database.
type Storage struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the SQLite file at path and applies the schema.
// The caller must call Close() when done.
func Open(path string, log *zap.Logger) (*Storage, error) {
	// modernc.org/sqlite is pure Go and works without CGO
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s, err := New(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and applies the schema.
func New(db *sql.DB, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Storage{db: db, log: log}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create metrics table: %w", err)
	}
	s.log.Debug("sqlite schema applied")
	return s, nil
}

// Write stores the batch in a single transaction.
func (s *Storage) Write(ctx context.Context, batch []metrics.Metric) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		labels, err := json.Marshal(m.Labels)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal labels: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			m.Name,
			storage.SeriesKey(m.Name, m.Labels),
			string(labels),
			m.Timestamp.UnixNano(),
			m.Value,
			string(m.Type),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec insert for %s: %w", m.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("batch persisted", zap.Int("metrics", len(batch)))
	return nil
}

// Query returns matching records ordered by timestamp.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, labels, ts, value, type FROM metrics WHERE ts >= ? AND ts <= ? ORDER BY ts`,
		req.Start.UnixNano(), req.End.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var results []metrics.Metric
	for rows.Next() {
		var (
			m      metrics.Metric
			labels string
			ts     int64
			typ    string
		)
		if err := rows.Scan(&m.Name, &labels, &ts, &m.Value, &typ); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
		m.Timestamp = time.Unix(0, ts)
		m.Type = metrics.MetricType(typ)

		if !req.Matches(m) {
			continue
		}
		results = append(results, m)
		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}
	return results, rows.Err()
}

// LastTimestamp returns the newest timestamp stored for name.
func (s *Storage) LastTimestamp(ctx context.Context, name string) (time.Time, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM metrics WHERE name = ?`, name).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last timestamp: %w", err)
	}
	if !last.Valid {
		return time.Time{}, storage.ErrNoData
	}
	return time.Unix(0, last.Int64), nil
}

// Stats returns storage statistics.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		total, series       int64
		oldest, newest      sql.NullInt64
		pageCount, pageSize int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT series), MIN(ts), MAX(ts) FROM metrics`,
	).Scan(&total, &series, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	stats := &storage.Stats{
		TotalMetrics: uint64(total),
		TotalSeries:  uint64(series),
	}
	if oldest.Valid {
		stats.OldestMetric = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		stats.NewestMetric = time.Unix(0, newest.Int64)
	}

	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			stats.SizeBytes = uint64(pageCount * pageSize)
		}
	}
	return stats, nil
}

// Close shuts down the database connection.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
