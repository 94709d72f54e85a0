package file

import (
	"context"
	"io"
	"testing"

	"github.com/pilosa/elt"
	"github.com/pilosa/elt/fake"
)

func readAll(t *testing.T, src elt.Source, uri string, batchSize int) []elt.Record {
	t.Helper()
	cur, err := src.Open(context.Background(), uri, batchSize)
	if err != nil {
		t.Fatalf("opening %s: %v", uri, err)
	}
	defer cur.Close()
	var recs []elt.Record
	for {
		b, err := cur.Next(context.Background())
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatalf("reading %s: %v", uri, err)
		}
		recs = append(recs, b.Records...)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	schema := fake.TaxiSchema()
	c := NewConnector(schema, t.TempDir())

	src := fake.NewSource(3, 120)
	cur, err := src.Open(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	var written int64
	for {
		b, err := cur.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("generating: %v", err)
		}
		ws, err := c.Write(context.Background(), "staging/trips", b)
		if err != nil {
			t.Fatalf("writing: %v", err)
		}
		written += ws.Records
		if ws.Bytes == 0 {
			t.Fatal("write summary reports zero bytes")
		}
	}
	if written != 120 {
		t.Fatalf("expected 120 written, got %d", written)
	}

	names, err := c.List(context.Background(), "staging/trips")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 part files, got %v", names)
	}

	got := readAll(t, c, "staging/trips", 64)
	if len(got) != 120 {
		t.Fatalf("expected 120 records back, got %d", len(got))
	}
	reg, err := elt.NewRegistry(schema)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	if err := reg.Validate(elt.Batch{Records: got}); err != nil {
		t.Fatalf("round-tripped records fail validation: %v", err)
	}
}

func TestListMissingIsNotFound(t *testing.T) {
	c := NewConnector(fake.TaxiSchema(), t.TempDir())
	_, err := c.List(context.Background(), "nope")
	if elt.KindOf(err) != elt.ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestDiscardRemovesPartsAndResetsCounter(t *testing.T) {
	c := NewConnector(fake.TaxiSchema(), t.TempDir())
	cur, err := fake.NewSource(7, 40).Open(context.Background(), "", 20)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	for {
		b, err := cur.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("generating: %v", err)
		}
		if _, err := c.Write(context.Background(), "staging/trips", b); err != nil {
			t.Fatalf("writing: %v", err)
		}
	}
	if err := c.Discard(context.Background(), "staging/trips"); err != nil {
		t.Fatalf("discarding: %v", err)
	}
	names, err := c.List(context.Background(), "staging/trips")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("discard left parts behind: %v", names)
	}

	// The counter reset: the next write starts over at part-00000 and
	// a replay leaves exactly one set of parts.
	b := elt.Batch{Records: readAllFake(t, 8, 10)}
	if _, err := c.Write(context.Background(), "staging/trips", b); err != nil {
		t.Fatalf("rewriting: %v", err)
	}
	names, err = c.List(context.Background(), "staging/trips")
	if err != nil || len(names) != 1 {
		t.Fatalf("listing after replay: %v %v", names, err)
	}
	if names[0] != "staging/trips/part-00000.csv" {
		t.Fatalf("replay did not restart at part-00000: %v", names)
	}
}

func readAllFake(t *testing.T, seed int64, count int) []elt.Record {
	t.Helper()
	cur, err := fake.NewSource(seed, count).Open(context.Background(), "", count)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	b, err := cur.Next(context.Background())
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	return b.Records
}

func TestDelete(t *testing.T) {
	c := NewConnector(fake.TaxiSchema(), t.TempDir())
	cur, err := fake.NewSource(1, 10).Open(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	b, err := cur.Next(context.Background())
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	if _, err := c.Write(context.Background(), "d", b); err != nil {
		t.Fatalf("writing: %v", err)
	}
	names, err := c.List(context.Background(), "d")
	if err != nil || len(names) != 1 {
		t.Fatalf("listing: %v %v", names, err)
	}
	if err := c.Delete(context.Background(), names[0]); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	if err := c.Delete(context.Background(), names[0]); elt.KindOf(err) != elt.ErrNotFound {
		t.Fatalf("expected not_found on second delete, got %v", err)
	}
}
