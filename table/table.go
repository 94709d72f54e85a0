// Package table provides the table-format connector: a local
// snapshot-committed table store backed by leveldb. Batches written to
// a table are staged under a pending snapshot and invisible to readers
// until Commit publishes them by atomically advancing the table's
// catalog entry. A failed or abandoned commit leaves the prior
// snapshot current.
package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pilosa/elt"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// Key layout:
//   catalog!<table>          -> elt.CatalogEntry (the commit pointer)
//   snap!<table>!<id>        -> manifest (data keys of the snapshot)
//   data!<table>!<id>!<seq>  -> one staged batch, CSV-encoded

// manifest records which data keys make up one snapshot. A snapshot
// appends to its parent: Keys includes the parent's keys.
type manifest struct {
	SnapshotID int64    `json:"snapshot_id"`
	Parent     int64    `json:"parent,omitempty"`
	Keys       []string `json:"keys"`
	Records    int64    `json:"records"`
}

type pending struct {
	snapshotID int64
	keys       []string
	records    int64
}

// Connector reads and writes snapshot-committed tables. The uri of
// its operations is the table name.
type Connector struct {
	db     *leveldb.DB
	schema elt.Schema

	mu      sync.Mutex
	pending map[string]*pending

	// commitHook, when set, runs before the commit pointer is
	// advanced; tests use it to simulate commit failures.
	commitHook func() error
}

// NewConnector opens (creating if needed) the table store at path.
func NewConnector(schema elt.Schema, path string) (*Connector, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening table store at %s", path)
	}
	return &Connector{
		db:      db,
		schema:  schema,
		pending: make(map[string]*pending),
	}, nil
}

// Close closes the underlying store.
func (c *Connector) Close() error {
	return c.db.Close()
}

// Write stages the batch under the table's pending snapshot. Staged
// data is invisible to readers until Commit.
func (c *Connector) Write(ctx context.Context, table string, b elt.Batch) (elt.WriteSummary, error) {
	if err := ctx.Err(); err != nil {
		return elt.WriteSummary{}, err
	}
	var buf bytes.Buffer
	n, err := elt.EncodeCSV(&buf, c.schema, b, true)
	if err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "encoding batch")
	}

	c.mu.Lock()
	p := c.pending[table]
	if p == nil {
		p = &pending{snapshotID: time.Now().UnixNano()}
		c.pending[table] = p
	}
	key := dataKey(table, p.snapshotID, len(p.keys))
	p.keys = append(p.keys, key)
	p.records += int64(b.Len())
	c.mu.Unlock()

	if err := c.db.Put([]byte(key), buf.Bytes(), nil); err != nil {
		return elt.WriteSummary{}, elt.NewConnectorError(elt.ErrUnreachable, "staging batch", err)
	}
	return elt.WriteSummary{Records: int64(b.Len()), Bytes: n}, nil
}

// Commit publishes the table's staged batches as a new snapshot. The
// manifest and the advanced catalog entry are written in one atomic
// leveldb batch, so a reader sees either the prior snapshot or the
// complete new one, never anything in between.
func (c *Connector) Commit(ctx context.Context, meta elt.SnapshotMeta) (elt.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return elt.CatalogEntry{}, err
	}
	table := meta.Table

	c.mu.Lock()
	p := c.pending[table]
	delete(c.pending, table)
	c.mu.Unlock()
	if p == nil {
		p = &pending{snapshotID: time.Now().UnixNano()}
	}

	if c.commitHook != nil {
		if err := c.commitHook(); err != nil {
			return elt.CatalogEntry{}, elt.NewConnectorError(elt.ErrConflict, "committing snapshot", err)
		}
	}

	prior, err := c.Catalog(table)
	if err != nil && elt.KindOf(err) != elt.ErrNotFound {
		return elt.CatalogEntry{}, err
	}

	m := manifest{
		SnapshotID: p.snapshotID,
		Records:    p.records,
		Keys:       p.keys,
	}
	if prior.SnapshotID != 0 {
		parent, err := c.manifest(table, prior.SnapshotID)
		if err != nil {
			return elt.CatalogEntry{}, err
		}
		m.Parent = parent.SnapshotID
		m.Keys = append(append([]string{}, parent.Keys...), p.keys...)
		m.Records += parent.Records
	}

	entry := elt.CatalogEntry{
		Table:         table,
		SnapshotID:    m.SnapshotID,
		SchemaVersion: meta.SchemaVersion,
		Records:       m.Records,
	}
	mbuf, err := json.Marshal(m)
	if err != nil {
		return elt.CatalogEntry{}, errors.Wrap(err, "encoding manifest")
	}
	ebuf, err := json.Marshal(entry)
	if err != nil {
		return elt.CatalogEntry{}, errors.Wrap(err, "encoding catalog entry")
	}
	wb := new(leveldb.Batch)
	wb.Put([]byte(snapKey(table, m.SnapshotID)), mbuf)
	wb.Put([]byte(catalogKey(table)), ebuf)
	if err := c.db.Write(wb, nil); err != nil {
		return elt.CatalogEntry{}, elt.NewConnectorError(elt.ErrUnreachable, "committing snapshot", err)
	}
	return entry, nil
}

// Discard drops the table's pending snapshot and deletes its staged
// batches. The published snapshot is untouched.
func (c *Connector) Discard(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	p := c.pending[table]
	delete(c.pending, table)
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	wb := new(leveldb.Batch)
	for _, key := range p.keys {
		wb.Delete([]byte(key))
	}
	if err := c.db.Write(wb, nil); err != nil {
		return elt.NewConnectorError(elt.ErrUnreachable, "discarding staged batches", err)
	}
	return nil
}

// Catalog returns the table's current catalog entry, or a not_found
// error if the table has never been committed.
func (c *Connector) Catalog(table string) (elt.CatalogEntry, error) {
	data, err := c.db.Get([]byte(catalogKey(table)), nil)
	if err == leveldb.ErrNotFound {
		return elt.CatalogEntry{}, elt.NewConnectorError(elt.ErrNotFound, "reading catalog", errors.Errorf("table %q has no committed snapshot", table))
	}
	if err != nil {
		return elt.CatalogEntry{}, elt.NewConnectorError(elt.ErrUnreachable, "reading catalog", err)
	}
	var entry elt.CatalogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return elt.CatalogEntry{}, errors.Wrap(err, "decoding catalog entry")
	}
	return entry, nil
}

func (c *Connector) manifest(table string, snapshotID int64) (manifest, error) {
	data, err := c.db.Get([]byte(snapKey(table, snapshotID)), nil)
	if err != nil {
		return manifest{}, elt.NewConnectorError(elt.ErrUnreachable, "reading manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, errors.Wrap(err, "decoding manifest")
	}
	return m, nil
}

// Open streams the table's current snapshot.
func (c *Connector) Open(ctx context.Context, table string, batchSize int) (elt.Cursor, error) {
	entry, err := c.Catalog(table)
	if err != nil {
		return nil, err
	}
	m, err := c.manifest(table, entry.SnapshotID)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c, keys: m.Keys, batchSize: batchSize}, nil
}

func catalogKey(table string) string { return "catalog!" + table }

func snapKey(table string, id int64) string {
	return fmt.Sprintf("snap!%s!%016x", table, id)
}

func dataKey(table string, id int64, seq int) string {
	return fmt.Sprintf("data!%s!%016x!%08d", table, id, seq)
}

type cursor struct {
	c         *Connector
	keys      []string
	batchSize int

	dec *elt.CSVDecoder
}

func (cu *cursor) Next(ctx context.Context) (elt.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return elt.Batch{}, err
		}
		if cu.dec == nil {
			if len(cu.keys) == 0 {
				return elt.Batch{}, io.EOF
			}
			key := cu.keys[0]
			cu.keys = cu.keys[1:]
			data, err := cu.c.db.Get([]byte(key), nil)
			if err != nil {
				return elt.Batch{}, elt.NewConnectorError(elt.ErrUnreachable, "reading "+key, err)
			}
			dec, err := elt.NewCSVDecoder(bytes.NewReader(data), cu.c.schema)
			if err != nil {
				return elt.Batch{}, errors.Wrapf(err, "decoding %s", key)
			}
			cu.dec = dec
		}
		b, err := cu.dec.Batch(cu.batchSize)
		if err == io.EOF {
			cu.dec = nil
			continue
		}
		return b, err
	}
}

func (cu *cursor) Close() error { return nil }
