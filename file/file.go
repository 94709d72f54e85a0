// Package file provides a local-filesystem connector reading and
// writing headered CSV part files under a base directory. It is the
// offline stand-in for the remote object stores.
package file

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

// Connector reads and writes CSV files under Dir. The uri passed to
// its operations is a path prefix relative to Dir.
type Connector struct {
	schema elt.Schema
	dir    string

	mu    sync.Mutex
	parts map[string]int
}

// NewConnector returns a Connector rooted at dir.
func NewConnector(schema elt.Schema, dir string) *Connector {
	return &Connector{schema: schema, dir: dir, parts: make(map[string]int)}
}

// Open streams the records of every .csv file under uri, in lexical
// filename order.
func (c *Connector) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	names, err := c.List(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c, names: names, batchSize: batchSize}, nil
}

// List returns the relative paths of the .csv files under uri.
func (c *Connector) List(ctx context.Context, uri string) ([]string, error) {
	root := filepath.Join(c.dir, filepath.FromSlash(uri))
	var names []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".csv" {
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(errors.Cause(err)) {
		return nil, elt.NewConnectorError(elt.ErrNotFound, "list files", err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the file at uri.
func (c *Connector) Delete(ctx context.Context, uri string) error {
	err := os.Remove(filepath.Join(c.dir, filepath.FromSlash(uri)))
	if os.IsNotExist(err) {
		return elt.NewConnectorError(elt.ErrNotFound, "delete file", err)
	}
	return errors.Wrapf(err, "deleting %s", uri)
}

// Write stores the batch as one part file under uri. The file is
// written to a temp name and renamed, so readers never observe a
// partial batch.
func (c *Connector) Write(ctx context.Context, uri string, b elt.Batch) (elt.WriteSummary, error) {
	if err := ctx.Err(); err != nil {
		return elt.WriteSummary{}, err
	}
	var buf bytes.Buffer
	n, err := elt.EncodeCSV(&buf, c.schema, b, true)
	if err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "encoding batch")
	}

	dir := filepath.Join(c.dir, filepath.FromSlash(uri))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "creating sink directory")
	}
	name := filepath.Join(dir, c.nextPart(uri))
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "writing part file")
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return elt.WriteSummary{}, errors.Wrap(err, "publishing part file")
	}
	return elt.WriteSummary{Records: int64(b.Len()), Bytes: n}, nil
}

// Discard removes the part files written under uri since the
// connector last reset its counter, so a replayed stream starts over
// at part-00000 with no stale parts beside it.
func (c *Connector) Discard(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	n := c.parts[uri]
	delete(c.parts, uri)
	c.mu.Unlock()
	dir := filepath.Join(c.dir, filepath.FromSlash(uri))
	for i := 0; i < n; i++ {
		err := os.Remove(filepath.Join(dir, partName(i)))
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "discarding %s", partName(i))
		}
	}
	return nil
}

func (c *Connector) nextPart(uri string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.parts[uri]
	c.parts[uri] = n + 1
	return partName(n)
}

func partName(n int) string {
	const digits = "0123456789"
	buf := []byte("part-00000.csv")
	for i := 9; n > 0 && i >= 5; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}

type cursor struct {
	c         *Connector
	names     []string
	batchSize int

	cur io.ReadCloser
	dec *elt.CSVDecoder
}

func (cu *cursor) Next(ctx context.Context) (elt.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return elt.Batch{}, err
		}
		if cu.dec == nil {
			if len(cu.names) == 0 {
				return elt.Batch{}, io.EOF
			}
			name := cu.names[0]
			cu.names = cu.names[1:]
			f, err := os.Open(filepath.Join(cu.c.dir, filepath.FromSlash(name)))
			if err != nil {
				return elt.Batch{}, errors.Wrapf(err, "opening %s", name)
			}
			dec, err := elt.NewCSVDecoder(f, cu.c.schema)
			if err != nil {
				f.Close()
				return elt.Batch{}, errors.Wrapf(err, "decoding %s", name)
			}
			cu.cur, cu.dec = f, dec
		}
		b, err := cu.dec.Batch(cu.batchSize)
		if err == io.EOF {
			cu.cur.Close()
			cu.cur, cu.dec = nil, nil
			continue
		}
		return b, err
	}
}

func (cu *cursor) Close() error {
	if cu.cur != nil {
		return cu.cur.Close()
	}
	return nil
}
