package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pilosa/elt"
	"github.com/pilosa/elt/fake"
)

func TestCreateTableDDL(t *testing.T) {
	s := elt.Schema{Columns: []elt.Column{
		{Name: "id", Type: elt.Int64},
		{Name: "fare", Type: elt.Double},
		{Name: "note", Type: elt.String, Nullable: true},
		{Name: "at", Type: elt.Timestamp},
		{Name: "flagged", Type: elt.Bool},
		{Name: "code", Type: elt.Int32},
	}}
	got := createTableDDL("trips", s)
	want := `CREATE TABLE IF NOT EXISTS "trips" ("id" bigint NOT NULL, "fare" double precision NOT NULL, "note" text, "at" timestamp NOT NULL, "flagged" boolean NOT NULL, "code" integer NOT NULL)`
	if got != want {
		t.Fatalf("ddl mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestRowValuesOrderAndNulls(t *testing.T) {
	s := fake.TaxiSchema()
	at := time.Date(2013, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := elt.Record{
		"vendor_id":        int32(2),
		"pickup_datetime":  at,
		"dropoff_datetime": at.Add(10 * time.Minute),
		"rate_code_id":     int32(1),
		"passenger_count":  int32(3),
		"trip_distance":    4.2,
		"fare_amount":      11.5,
		"total_amount":     11.5,
		"payment_type":     int32(1),
	}
	row := rowValues(s, rec)
	if len(row) != len(s.Columns) {
		t.Fatalf("expected %d values, got %d", len(s.Columns), len(row))
	}
	if row[0] != int32(2) {
		t.Fatalf("expected vendor_id first, got %v", row[0])
	}
	// store_and_fwd_flag, tip_amount, tolls_amount were absent.
	for i, col := range s.Columns {
		switch col.Name {
		case "store_and_fwd_flag", "tip_amount", "tolls_amount":
			if row[i] != nil {
				t.Fatalf("expected nil for absent %s, got %v", col.Name, row[i])
			}
		default:
			if row[i] == nil {
				t.Fatalf("unexpected nil for %s", col.Name)
			}
		}
	}
}

func TestDiscardDropsBufferedRows(t *testing.T) {
	c := &Connector{schema: fake.TaxiSchema(), pending: make(map[string]*load)}
	cur, err := fake.NewSource(3, 20).Open(context.Background(), "", 20)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	b, err := cur.Next(context.Background())
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	if _, err := c.Write(context.Background(), "trips", b); err != nil {
		t.Fatalf("buffering: %v", err)
	}
	if c.pending["trips"] == nil || c.pending["trips"].records != 20 {
		t.Fatalf("buffer state: %+v", c.pending["trips"])
	}
	if err := c.Discard(context.Background(), "trips"); err != nil {
		t.Fatalf("discarding: %v", err)
	}
	if c.pending["trips"] != nil {
		t.Fatal("discard left buffered rows behind")
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		code string
		kind elt.ErrKind
	}{
		{"28P01", elt.ErrAuthFailed},
		{"42P01", elt.ErrNotFound},
		{"40001", elt.ErrConflict},
		{"53200", elt.ErrQuotaExceeded},
		{"08006", elt.ErrUnreachable},
	}
	for _, tst := range tests {
		err := classify("op", &pgconn.PgError{Code: tst.code, Message: "boom"})
		if got := elt.KindOf(err); got != tst.kind {
			t.Fatalf("%s: expected %s, got %s", tst.code, tst.kind, got)
		}
	}
}
