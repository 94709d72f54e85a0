package elt

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCSVRoundTrip(t *testing.T) {
	schema := testSchema()
	in := Batch{Records: []Record{
		validRecord(),
		{
			"id":   int64(8),
			"code": int32(3),
			"fare": 1.25,
			"flag": false,
			"at":   time.Date(2013, 8, 2, 12, 30, 0, 0, time.UTC),
			// note absent
		},
	}}

	var buf bytes.Buffer
	n, err := EncodeCSV(&buf, schema, in, true)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("byte count %d, buffer has %d", n, buf.Len())
	}

	dec, err := NewCSVDecoder(&buf, schema)
	if err != nil {
		t.Fatalf("building decoder: %v", err)
	}
	out, err := dec.Batch(10)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %v\nout: %v", in, out)
	}
	if _, err := dec.Batch(10); err != io.EOF {
		t.Fatalf("expected io.EOF after last record, got %v", err)
	}
}

func TestCSVDecoderBatching(t *testing.T) {
	schema := Schema{Columns: []Column{{Name: "id", Type: Int64}}}
	data := "id\n1\n2\n3\n4\n5\n"
	dec, err := NewCSVDecoder(strings.NewReader(data), schema)
	if err != nil {
		t.Fatalf("building decoder: %v", err)
	}
	b, err := dec.Batch(2)
	if err != nil || b.Len() != 2 {
		t.Fatalf("first batch: %d records, err %v", b.Len(), err)
	}
	b, err = dec.Batch(2)
	if err != nil || b.Len() != 2 {
		t.Fatalf("second batch: %d records, err %v", b.Len(), err)
	}
	b, err = dec.Batch(2)
	if err != nil || b.Len() != 1 {
		t.Fatalf("short final batch: %d records, err %v", b.Len(), err)
	}
	if b.Records[0]["id"] != int64(5) {
		t.Fatalf("final record: %v", b.Records[0])
	}
}

func TestCSVDecoderRejectsBadHeaders(t *testing.T) {
	schema := Schema{Columns: []Column{{Name: "id", Type: Int64}}}
	for _, data := range []string{
		"id,id\n",      // duplicate
		"id,\n",        // empty name
		"id,unknown\n", // undeclared
	} {
		if _, err := NewCSVDecoder(strings.NewReader(data), schema); err == nil {
			t.Fatalf("header %q accepted", data)
		}
	}
}

func TestCSVTimestampFallback(t *testing.T) {
	schema := Schema{Columns: []Column{{Name: "at", Type: Timestamp}}}
	dec, err := NewCSVDecoder(strings.NewReader("at\n2013-08-01T00:05:00Z\n"), schema)
	if err != nil {
		t.Fatalf("building decoder: %v", err)
	}
	b, err := dec.Batch(1)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	want := time.Date(2013, 8, 1, 0, 5, 0, 0, time.UTC)
	if got := b.Records[0]["at"]; !got.(time.Time).Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
