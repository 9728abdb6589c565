package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

const formatVersion = "1.0"

// Exporter reads records from a store and encodes them.
type Exporter struct {
	storage storage.Storage
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// Options selects what to export and how.
type Options struct {
	// Time range to export (inclusive)
	Start time.Time
	End   time.Time

	// Filter by metric names (nil = all metrics)
	MetricNames []string

	// Filter by labels, e.g. foundry=f1 (nil = no label filtering)
	Labels map[string]string

	// Format: "json" or "csv"
	Format string
}

// Result contains stats about the export
type Result struct {
	MetricsExported int       `json:"metrics_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	Compressed      bool      `json:"compressed"`
	ExportedAt      time.Time `json:"exported_at"`
}

type document struct {
	Metadata metadata         `json:"metadata"`
	Metrics  []metrics.Metric `json:"metrics"`
}

type metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	MetricCount int       `json:"metric_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Export writes the selected records to w in opts.Format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Format != FormatJSON && opts.Format != FormatCSV {
		return nil, fmt.Errorf("unsupported export format %q", opts.Format)
	}
	if opts.End.Before(opts.Start) {
		return nil, fmt.Errorf("export end %s is before start %s", opts.End.Format(time.RFC3339), opts.Start.Format(time.RFC3339))
	}

	data, err := e.storage.Query(ctx, storage.QueryRequest{
		Start:       opts.Start,
		End:         opts.End,
		MetricNames: opts.MetricNames,
		Labels:      opts.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	exportedAt := e.now().UTC()
	switch opts.Format {
	case FormatCSV:
		err = writeCSV(w, data)
	default:
		err = writeJSON(w, data, opts, exportedAt)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		MetricsExported: len(data),
		TimeRange:       fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:          opts.Format,
		ExportedAt:      exportedAt,
	}, nil
}

// ExportFile exports to path, zstd-compressed when path ends in ".zst".
func (e *Exporter) ExportFile(ctx context.Context, path string, opts Options) (res *Result, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if !strings.HasSuffix(path, ".zst") {
		return e.Export(ctx, f, opts)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	res, err = e.Export(ctx, zw, opts)
	if cerr := zw.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("finish zstd stream: %w", cerr))
	}
	if err != nil {
		return nil, err
	}
	res.Compressed = true
	return res, nil
}

func writeJSON(w io.Writer, data []metrics.Metric, opts Options, exportedAt time.Time) error {
	if data == nil {
		data = []metrics.Metric{}
	}
	doc := document{
		Metadata: metadata{
			ExportedAt:  exportedAt,
			StartTime:   opts.Start,
			EndTime:     opts.End,
			MetricCount: len(data),
			Format:      FormatJSON,
			Version:     formatVersion,
		},
		Metrics: data,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, data []metrics.Metric) error {
	cw := csv.NewWriter(w)

	labelKeys := collectLabelKeys(data)
	header := append([]string{"timestamp", "name", "type", "value"}, labelKeys...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range data {
		row := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.Name,
			string(m.Type),
			strconv.FormatFloat(m.Value, 'f', -1, 64),
		}
		for _, key := range labelKeys {
			row = append(row, m.Labels[key])
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// collectLabelKeys gathers all unique label keys from metrics and returns them sorted
func collectLabelKeys(data []metrics.Metric) []string {
	keySet := make(map[string]struct{})
	for _, m := range data {
		for key := range m.Labels {
			keySet[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
