package elt

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ColumnType is the declared type of a schema column.
type ColumnType string

const (
	Int32     ColumnType = "int32"
	Int64     ColumnType = "int64"
	Double    ColumnType = "double"
	String    ColumnType = "string"
	Timestamp ColumnType = "timestamp"
	Bool      ColumnType = "bool"
)

// columnTypes is the set of types a schema may declare.
var columnTypes = map[ColumnType]struct{}{
	Int32:     {},
	Int64:     {},
	Double:    {},
	String:    {},
	Timestamp: {},
	Bool:      {},
}

// Column declares one named, typed, optionally nullable column.
type Column struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Nullable bool       `json:"nullable" yaml:"nullable"`
}

// Schema is the ordered column layout shared by every record in a
// dataset.
type Schema struct {
	Version int      `json:"version" yaml:"version"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Column returns the named column and whether it exists.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Violation reasons reported by Registry.Validate.
const (
	ReasonTypeMismatch     = "type_mismatch"
	ReasonNullNotAllowed   = "null_not_allowed"
	ReasonMissingColumn    = "missing_column"
	ReasonUnexpectedColumn = "unexpected_column"
)

// SchemaViolation reports the first schema mismatch found in a batch.
type SchemaViolation struct {
	Column string
	Reason string
}

func (v *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation on column %q: %s", v.Column, v.Reason)
}

// SchemaConflict is returned by Registry.Evolve when a proposed schema
// is not an additive change.
type SchemaConflict struct {
	Column string
	Detail string
}

func (c *SchemaConflict) Error() string {
	return fmt.Sprintf("schema conflict on column %q: %s", c.Column, c.Detail)
}

// Registry holds the canonical schema for the dataset and validates
// record batches against it. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	schema Schema
	cols   map[string]Column
}

// NewRegistry builds a Registry from the given schema, rejecting
// empty, duplicated, or unknown-typed columns.
func NewRegistry(s Schema) (*Registry, error) {
	if len(s.Columns) == 0 {
		return nil, errors.New("schema has no columns")
	}
	cols := make(map[string]Column, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return nil, errors.Errorf("schema column %d has an empty name", i)
		}
		if _, ok := cols[c.Name]; ok {
			return nil, errors.Errorf("schema column %q declared twice", c.Name)
		}
		if _, ok := columnTypes[c.Type]; !ok {
			return nil, errors.Errorf("schema column %q has unknown type %q", c.Name, c.Type)
		}
		cols[c.Name] = c
	}
	return &Registry{schema: s, cols: cols}, nil
}

// Schema returns the current schema.
func (r *Registry) Schema() Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema
}

// Validate checks every record in the batch against the schema,
// returning a *SchemaViolation for the first mismatch found. A record
// may omit a nullable column; a non-nullable column must be present
// and non-nil. Columns not declared in the schema are rejected.
func (r *Registry) Validate(b Batch) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range b.Records {
		for name := range rec {
			if _, ok := r.cols[name]; !ok {
				return &SchemaViolation{Column: name, Reason: ReasonUnexpectedColumn}
			}
		}
		for _, col := range r.schema.Columns {
			v, ok := rec[col.Name]
			if !ok {
				if !col.Nullable {
					return &SchemaViolation{Column: col.Name, Reason: ReasonMissingColumn}
				}
				continue
			}
			if v == nil {
				if !col.Nullable {
					return &SchemaViolation{Column: col.Name, Reason: ReasonNullNotAllowed}
				}
				continue
			}
			if !typeOK(v, col.Type) {
				return &SchemaViolation{Column: col.Name, Reason: ReasonTypeMismatch}
			}
		}
	}
	return nil
}

// Evolve replaces the schema with next if next is an additive change:
// every existing column keeps its type, no non-nullable column is
// removed, and every added column is nullable. Otherwise it returns a
// *SchemaConflict and leaves the schema unchanged.
func (r *Registry) Evolve(next Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	nextCols := make(map[string]Column, len(next.Columns))
	for _, c := range next.Columns {
		if _, ok := columnTypes[c.Type]; !ok {
			return &SchemaConflict{Column: c.Name, Detail: fmt.Sprintf("unknown type %q", c.Type)}
		}
		nextCols[c.Name] = c
	}
	for _, cur := range r.schema.Columns {
		nc, ok := nextCols[cur.Name]
		if !ok {
			if !cur.Nullable {
				return &SchemaConflict{Column: cur.Name, Detail: "non-nullable column removed"}
			}
			continue
		}
		if nc.Type != cur.Type {
			return &SchemaConflict{Column: cur.Name, Detail: fmt.Sprintf("type changed from %s to %s", cur.Type, nc.Type)}
		}
	}
	for _, nc := range next.Columns {
		if _, ok := r.cols[nc.Name]; !ok && !nc.Nullable {
			return &SchemaConflict{Column: nc.Name, Detail: "added column must be nullable"}
		}
	}
	r.schema = next
	cols := make(map[string]Column, len(next.Columns))
	for _, c := range next.Columns {
		cols[c.Name] = c
	}
	r.cols = cols
	return nil
}

// typeOK reports whether v satisfies the declared column type.
// Integer columns accept the narrower Go integer kinds so that
// connectors don't have to care which width a decoder produced.
func typeOK(v interface{}, t ColumnType) bool {
	switch t {
	case Int32:
		switch n := v.(type) {
		case int32:
			return true
		case int:
			return n >= -1<<31 && n < 1<<31
		case int64:
			return n >= -1<<31 && n < 1<<31
		}
	case Int64:
		switch v.(type) {
		case int64, int32, int:
			return true
		}
	case Double:
		switch v.(type) {
		case float64, float32:
			return true
		}
	case String:
		_, ok := v.(string)
		return ok
	case Timestamp:
		_, ok := v.(time.Time)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
