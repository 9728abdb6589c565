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
	"github.com/nicktill/tinysync/pkg/export"
	"github.com/nicktill/tinysync/pkg/logger"
	"github.com/nicktill/tinysync/pkg/metrics"
)

const defaultExportWindow = 24 * time.Hour

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	output := fs.StringP("output", "o", "-", "output file, - for stdout; a .zst suffix compresses with zstd")
	format := fs.String("format", export.FormatJSON, "json or csv")
	start := fs.String("start", "", "RFC3339 start time (default: 24h before end)")
	end := fs.String("end", "", "RFC3339 end time (default: now)")
	names := fs.StringSlice("metric", nil, "metric name to export (repeatable)")
	foundry := fs.String("foundry", "", "only export records of this foundry")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfigError
	}

	cfg, err := config.Load(fs)
	if err == nil {
		err = cfg.ValidateStore()
	}
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	opts, err := exportOptions(*start, *end, *format, *names, *foundry, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	// stdout may carry the export itself
	log, err := logger.NewWithWriter(cfg.Log.Level, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	defer logger.Flush(log)

	store, err := openStore(cfg.Store, log)
	if err != nil {
		log.Error("failed to open store", zap.String("backend", cfg.Store.Backend), zap.String("path", cfg.Store.Path), zap.Error(err))
		return exitConfigError
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", zap.Error(err))
		}
	}()

	exp := export.NewExporter(store)
	var res *export.Result
	if *output == "-" {
		res, err = exp.Export(ctx, stdout, opts)
	} else {
		res, err = exp.ExportFile(ctx, *output, opts)
	}
	if err != nil {
		log.Error("export failed", zap.Error(err))
		return exitConfigError
	}

	log.Info("export finished",
		zap.Int("records", res.MetricsExported),
		zap.String("range", res.TimeRange),
		zap.String("format", res.Format),
		zap.Bool("compressed", res.Compressed),
		zap.String("output", *output),
	)
	return exitOK
}

func exportOptions(start, end, format string, names []string, foundry string, now time.Time) (export.Options, error) {
	opts := export.Options{
		End:         now,
		MetricNames: names,
		Format:      format,
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return opts, fmt.Errorf("invalid --end: %w", err)
		}
		opts.End = t
	}
	opts.Start = opts.End.Add(-defaultExportWindow)
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return opts, fmt.Errorf("invalid --start: %w", err)
		}
		opts.Start = t
	}
	if foundry != "" {
		opts.Labels = map[string]string{metrics.LabelFoundry: foundry}
	}
	return opts, nil
}
