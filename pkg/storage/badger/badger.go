package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Key prefixes. Data keys sort by series then time; last keys hold the
// newest timestamp written per metric name.
var (
	dataPrefix = []byte{'d'}
	lastPrefix = []byte{'l'}
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64

	// Logger receives badger's internal logs (nil = silent)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(zapAdapter{cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	// 16 MB memtable is the smallest that avoids excessive flushes
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of 2 GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Write stores metrics in a single BadgerDB transaction. A nil error means
// the batch is stored, even if ctx ended meanwhile.
func (s *Storage) Write(ctx context.Context, batch []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			newest := make(map[string]time.Time)

			for i, m := range batch {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				value, err := encodeMetric(m)
				if err != nil {
					return fmt.Errorf("failed to encode metric: %w", err)
				}
				if err := txn.Set(makeKey(m.Name, m.Labels, m.Timestamp), value); err != nil {
					return fmt.Errorf("failed to write metric: %w", err)
				}

				if m.Timestamp.After(newest[m.Name]) {
					newest[m.Name] = m.Timestamp
				}
			}

			for name, ts := range newest {
				if err := bumpLast(txn, name, ts); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	// The transaction may already be committing when ctx ends, so the
	// result always comes from the transaction itself.
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := <-done; err != nil {
			return fmt.Errorf("write operation cancelled: %w", err)
		}
		return nil
	}
}

// bumpLast raises the stored last timestamp for name to ts if it is newer
func bumpLast(txn *badger.Txn, name string, ts time.Time) error {
	key := lastKey(name)

	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("failed to read last timestamp: %w", err)
	default:
		var current int64
		if err := item.Value(func(val []byte) error {
			current = int64(binary.BigEndian.Uint64(val))
			return nil
		}); err != nil {
			return err
		}
		if current >= ts.UnixNano() {
			return nil
		}
	}

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(ts.UnixNano()))
	return txn.Set(key, val)
}

// Query retrieves metrics matching the request, ordered by timestamp
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []metrics.Metric
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = dataPrefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				_, ts := parseKey(it.Item().Key())
				if ts.Before(req.Start) || ts.After(req.End) {
					continue
				}

				err := it.Item().Value(func(val []byte) error {
					m, err := decodeMetric(val)
					if err != nil {
						return err
					}
					if req.Matches(m) {
						res.results = append(res.results, m)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		sort.SliceStable(res.results, func(i, j int) bool {
			return res.results[i].Timestamp.Before(res.results[j].Timestamp)
		})
		if req.Limit > 0 && len(res.results) > req.Limit {
			res.results = res.results[:req.Limit]
		}
		return res.results, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// LastTimestamp returns the newest timestamp stored for name
func (s *Storage) LastTimestamp(ctx context.Context, name string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	var last time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt last timestamp for %q: %d bytes", name, len(val))
			}
			last = time.Unix(0, int64(binary.BigEndian.Uint64(val)))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, storage.ErrNoData
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last timestamp: %w", err)
	}
	return last, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = dataPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seriesMap := make(map[uint64]bool)
		for it.Rewind(); it.Valid(); it.Next() {
			stats.TotalMetrics++
			if stats.TotalMetrics%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			hash, ts := parseKey(it.Item().Key())
			seriesMap[hash] = true

			if stats.OldestMetric.IsZero() || ts.Before(stats.OldestMetric) {
				stats.OldestMetric = ts
			}
			if ts.After(stats.NewestMetric) {
				stats.NewestMetric = ts
			}
		}

		stats.TotalSeries = uint64(len(seriesMap))
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// makeKey creates a sortable key: prefix + series_hash + timestamp
// Format: ['d'][series_hash (8 bytes)][timestamp (8 bytes)]
func makeKey(name string, labels map[string]string, ts time.Time) []byte {
	hash := xxhash.Sum64String(storage.SeriesKey(name, labels))

	key := make([]byte, 17)
	key[0] = dataPrefix[0]
	binary.BigEndian.PutUint64(key[1:9], hash)
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	return key
}

// parseKey extracts the series hash and timestamp from a data key
func parseKey(key []byte) (uint64, time.Time) {
	hash := binary.BigEndian.Uint64(key[1:9])
	tsNano := binary.BigEndian.Uint64(key[9:17])
	return hash, time.Unix(0, int64(tsNano))
}

func lastKey(name string) []byte {
	return bytes.Join([][]byte{lastPrefix, []byte(name)}, nil)
}

func encodeMetric(m metrics.Metric) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetric(data []byte) (metrics.Metric, error) {
	var m metrics.Metric
	err := json.Unmarshal(data, &m)
	return m, err
}

// zapAdapter routes badger's printf-style logger into zap
type zapAdapter struct {
	l *zap.SugaredLogger
}

func (a zapAdapter) Errorf(f string, v ...interface{})   { a.l.Errorf(f, v...) }
func (a zapAdapter) Warningf(f string, v ...interface{}) { a.l.Warnf(f, v...) }
func (a zapAdapter) Infof(f string, v ...interface{})    { a.l.Debugf(f, v...) }
func (a zapAdapter) Debugf(f string, v ...interface{})   { a.l.Debugf(f, v...) }
