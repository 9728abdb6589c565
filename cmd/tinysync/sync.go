package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/logger"
	"github.com/nicktill/tinysync/pkg/reference"
	"github.com/nicktill/tinysync/pkg/source"
	"github.com/nicktill/tinysync/pkg/stats"
	"github.com/nicktill/tinysync/pkg/syncer"
	"github.com/nicktill/tinysync/pkg/writer"
)

func runSync(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfigError
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	log, err := logger.NewWithWriter(cfg.Log.Level, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	log, _ = logger.WithRunID(log)
	defer logger.Flush(log)

	store, err := openStore(cfg.Store, log)
	if err != nil {
		log.Error("failed to open store", zap.String("backend", cfg.Store.Backend), zap.String("path", cfg.Store.Path), zap.Error(err))
		return exitConfigError
	}
	defer closeStore(context.WithoutCancel(ctx), store, log)

	st := stats.New()
	src := source.NewClient(source.Config{
		BaseURL: cfg.Datadog.URL,
		APIKey:  cfg.Datadog.APIKey,
		AppKey:  cfg.Datadog.AppKey,
		Timeout: cfg.Datadog.Timeout,
	}, log)

	w := writer.New(store, writer.Config{
		Precision:      pointPrecision(cfg.Sync.PointPrecision),
		SkipNullPoints: cfg.Writer.SkipNullPoints,
		Timeout:        cfg.Store.Timeout,
	}, log, st)

	engine := syncer.New(syncer.Config{
		FoundationsFile: cfg.FoundationsFile,
		QueriesFile:     cfg.QueriesFile,
		WindowSeconds:   cfg.TimeRangeSeconds(),
		StartTimestamp:  cfg.Sync.StartTimestamp,
		WindowPolicy:    cfg.Sync.WindowPolicy,
	}, src, reference.NewResolver(log), w, log, st)

	started := time.Now()
	code := engine.Run(ctx)
	log.Info("sync finished", zap.Int("status", code), zap.Duration("elapsed", time.Since(started)))

	if err := st.WriteTextfile(cfg.Stats.Textfile); err != nil {
		log.Warn("failed to write stats", zap.String("path", cfg.Stats.Textfile), zap.Error(err))
	}
	return code
}

func pointPrecision(p string) time.Duration {
	if p == config.PrecisionSeconds {
		return time.Second
	}
	return time.Millisecond
}
