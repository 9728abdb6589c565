package writer

import (
	"time"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/reference"
)

// Batch buffers the records of one series. It is bound to a single metric
// name and carries the entity tags on every record.
type Batch struct {
	metric  string
	labels  map[string]string
	records []metrics.Metric
}

// NewBatch creates an empty batch for metric tagged with entity.
func NewBatch(metric string, entity reference.Entity) *Batch {
	return &Batch{
		metric: metric,
		labels: map[string]string{
			metrics.LabelFoundry:     entity.ID,
			metrics.LabelEnvironment: entity.Environment,
			metrics.LabelDatacenter:  entity.Datacenter,
			metrics.LabelRegion:      entity.Region,
			metrics.LabelContext:     entity.Context,
		},
	}
}

// Add buffers one point.
func (b *Batch) Add(ts time.Time, value float64) {
	b.records = append(b.records, metrics.Metric{
		Name:      b.metric,
		Type:      metrics.GaugeType,
		Value:     value,
		Labels:    b.labels,
		Timestamp: ts,
	})
}

// Metric returns the metric name the batch is bound to.
func (b *Batch) Metric() string { return b.metric }

// Len returns the number of buffered records.
func (b *Batch) Len() int { return len(b.records) }

// Records returns the buffered records in insertion order.
func (b *Batch) Records() []metrics.Metric { return b.records }
