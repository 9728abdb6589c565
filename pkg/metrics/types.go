package metrics

import (
	"encoding/json"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	CounterType MetricType = "counter"
	GaugeType   MetricType = "gauge"
)

// Label keys attached to every synced record
const (
	LabelFoundry     = "foundry"
	LabelEnvironment = "environment"
	LabelDatacenter  = "dc"
	LabelRegion      = "region"
	LabelContext     = "context"
)

// Metric represents a single stored data point
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Window is a source query range in epoch seconds.
type Window struct {
	Start int64
	End   int64
}

// RawPoint is one undecoded pointlist entry, normally [timestamp, value].
type RawPoint = json.RawMessage

// Series is one result of a source query for a single scope.
type Series struct {
	Scope     string     `json:"scope"`
	Pointlist []RawPoint `json:"pointlist"`
}
