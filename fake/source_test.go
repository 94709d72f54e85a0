package fake

import (
	"context"
	"io"
	"reflect"
	"testing"

	"github.com/pilosa/elt"
)

func TestSourceCountAndSchema(t *testing.T) {
	reg, err := elt.NewRegistry(TaxiSchema())
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	src := NewSource(42, 250)
	cur, err := src.Open(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	defer cur.Close()

	total := 0
	var b elt.Batch
	for b, err = cur.Next(context.Background()); err == nil; b, err = cur.Next(context.Background()) {
		if b.Len() > 100 {
			t.Fatalf("batch exceeds batch size: %d", b.Len())
		}
		if verr := reg.Validate(b); verr != nil {
			t.Fatalf("generated batch fails validation: %v", verr)
		}
		total += b.Len()
	}
	if err != io.EOF {
		t.Fatalf("unexpected cursor error: %v", err)
	}
	if total != 250 {
		t.Fatalf("expected 250 records, got %d", total)
	}
}

func TestSourceDeterministic(t *testing.T) {
	read := func() []elt.Record {
		cur, err := NewSource(7, 40).Open(context.Background(), "", 16)
		if err != nil {
			t.Fatalf("opening source: %v", err)
		}
		defer cur.Close()
		var recs []elt.Record
		for {
			b, err := cur.Next(context.Background())
			if err == io.EOF {
				return recs
			}
			if err != nil {
				t.Fatalf("reading batch: %v", err)
			}
			recs = append(recs, b.Records...)
		}
	}

	first, second := read(), read()
	if !reflect.DeepEqual(first, second) {
		t.Fatal("same seed produced different records")
	}
}
