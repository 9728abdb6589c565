// Package export dumps synced records from the local store.
//
// Two formats are supported. JSON keeps every field of every record plus a
// metadata header (time range, count, export time). CSV flattens records to
// one row each with a column per label key, which suits spreadsheets and
// pandas.
//
// ExportFile picks the format from the options and compresses the output
// with zstd when the path ends in ".zst":
//
//	exp := export.NewExporter(store)
//	res, err := exp.ExportFile(ctx, "cpu-2024-05.json.zst", export.Options{
//	    Start:       start,
//	    End:         end,
//	    MetricNames: []string{"cpu"},
//	    Format:      export.FormatJSON,
//	})
//
// Decompress with `zstd -d` or any zstd reader.
package export
