package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/storage/badger"
	"github.com/nicktill/tinysync/pkg/storage/memory"
	"github.com/nicktill/tinysync/pkg/storage/sqlite"
)

const gcDiscardRatio = 0.5

// openStore opens the configured destination backend.
func openStore(cfg config.StoreConfig, log *zap.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn("memory store selected, synced data is discarded on exit")
		return memory.New(), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return sqlite.Open(cfg.Path, log.With(zap.String("component", "sqlite")))
	default:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return badger.New(badger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      log.With(zap.String("component", "badger")),
		})
	}
}

// closeStore reports totals, reclaims badger value-log space and closes.
func closeStore(ctx context.Context, store storage.Storage, log *zap.Logger) {
	if st, err := store.Stats(ctx); err != nil {
		log.Warn("failed to read store stats", zap.Error(err))
	} else {
		log.Info("store totals",
			zap.Uint64("records", st.TotalMetrics),
			zap.Uint64("series", st.TotalSeries),
			zap.Uint64("size_bytes", st.SizeBytes),
			zap.Time("oldest", st.OldestMetric),
			zap.Time("newest", st.NewestMetric),
		)
	}

	if b, ok := store.(*badger.Storage); ok {
		if err := b.RunGC(gcDiscardRatio); err != nil {
			log.Debug("badger gc", zap.Error(err))
		}
	}

	if err := store.Close(); err != nil {
		log.Error("failed to close store", zap.Error(err))
	}
}
