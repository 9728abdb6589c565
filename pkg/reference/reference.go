package reference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

var (
	// ErrMalformedTable is returned when the document has no foundations list.
	ErrMalformedTable = errors.New("malformed reference info")

	// ErrEntityNotFound is returned when no entity has the requested id.
	ErrEntityNotFound = errors.New("entity not found")
)

// Entity is one row of the foundations table.
type Entity struct {
	ID          string `json:"foundry"`
	Environment string `json:"environment"`
	Datacenter  string `json:"dc"`
	Region      string `json:"region"`
	Context     string `json:"context"`
}

// Table is the preloaded, read-only foundations table.
type Table struct {
	byID      map[string]Entity
	malformed bool
}

type document struct {
	Foundations *[]Entity `json:"foundations"`
}

// LoadFile reads a foundations document from path.
func LoadFile(path string, log *zap.Logger) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read foundations file: %w", err)
	}
	table, err := Parse(raw, log)
	if err != nil {
		return nil, fmt.Errorf("parse foundations file %s: %w", path, err)
	}
	return table, nil
}

// Parse decodes a foundations document. A document without the foundations
// key is not an error here: it yields a table on which every lookup fails
// with ErrMalformedTable.
func Parse(raw []byte, log *zap.Logger) (*Table, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Foundations == nil {
		return &Table{malformed: true}, nil
	}
	return NewTable(*doc.Foundations, log), nil
}

// NewTable indexes entities by id. When an id repeats, the first row wins.
func NewTable(entities []Entity, log *zap.Logger) *Table {
	t := &Table{byID: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		if _, dup := t.byID[e.ID]; dup {
			if log != nil {
				log.Warn("duplicate foundry in reference info, keeping first", zap.String("foundry", e.ID))
			}
			continue
		}
		t.byID[e.ID] = e
	}
	return t
}

// Len returns the number of entities in the table.
func (t *Table) Len() int {
	return len(t.byID)
}

// Resolver looks up entity ids in a Table and logs misses.
type Resolver struct {
	log *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(log *zap.Logger) *Resolver {
	return &Resolver{log: log.With(zap.String("component", "reference"))}
}

// Resolve returns the entity with the given id, or ErrMalformedTable or
// ErrEntityNotFound. Callers skip the series on any error.
func (r *Resolver) Resolve(table *Table, id string) (Entity, error) {
	if table == nil || table.malformed {
		r.log.Error("malformed reference info (missing foundations list)")
		return Entity{}, ErrMalformedTable
	}
	e, ok := table.byID[id]
	if !ok {
		r.log.Error("entity not found in reference info", zap.String("foundry", id))
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return e, nil
}
