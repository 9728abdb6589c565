package queries

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMissingQueries is returned when the document has no queries list.
var ErrMissingQueries = errors.New("queries file missing key: queries")

// MetricQuery pairs a destination metric name with a source query.
type MetricQuery struct {
	Metric string
	Query  string
}

// EntryError reports a queries entry without a required key.
// Position is 1-based.
type EntryError struct {
	Position int
	Key      string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("query %d missing required key: %s", e.Position, e.Key)
}

type entry struct {
	Metric *string `json:"metric"`
	Query  *string `json:"query"`
}

type document struct {
	Queries *[]entry `json:"queries"`
}

// LoadFile reads and validates the queries document at path.
func LoadFile(path string) ([]MetricQuery, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queries file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a queries document. Validation stops at the
// first bad entry; nothing is returned unless every entry is complete.
func Parse(raw []byte) ([]MetricQuery, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode queries: %w", err)
	}
	if doc.Queries == nil {
		return nil, ErrMissingQueries
	}

	out := make([]MetricQuery, 0, len(*doc.Queries))
	for i, e := range *doc.Queries {
		if e.Metric == nil || *e.Metric == "" {
			return nil, &EntryError{Position: i + 1, Key: "metric"}
		}
		if e.Query == nil || *e.Query == "" {
			return nil, &EntryError{Position: i + 1, Key: "query"}
		}
		out = append(out, MetricQuery{Metric: *e.Metric, Query: *e.Query})
	}
	return out, nil
}
