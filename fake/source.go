// Package fake provides an elt.Source which generates deterministic
// taxi trip records, for tests and offline demo runs.
package fake

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/pilosa/elt"
)

// TaxiSchema is the column schema of the generated trip records. It
// follows the green-taxi trip record layout.
func TaxiSchema() elt.Schema {
	return elt.Schema{
		Version: 1,
		Columns: []elt.Column{
			{Name: "vendor_id", Type: elt.Int32},
			{Name: "pickup_datetime", Type: elt.Timestamp},
			{Name: "dropoff_datetime", Type: elt.Timestamp},
			{Name: "store_and_fwd_flag", Type: elt.String, Nullable: true},
			{Name: "rate_code_id", Type: elt.Int32},
			{Name: "passenger_count", Type: elt.Int32},
			{Name: "trip_distance", Type: elt.Double},
			{Name: "fare_amount", Type: elt.Double},
			{Name: "tip_amount", Type: elt.Double, Nullable: true},
			{Name: "tolls_amount", Type: elt.Double, Nullable: true},
			{Name: "total_amount", Type: elt.Double},
			{Name: "payment_type", Type: elt.Int32},
		},
	}
}

// Source generates Count fake trip records. Using the same seed gives
// the same series of records on a given version of Go, and reopening
// the source replays it from the beginning.
type Source struct {
	Seed  int64
	Count int
}

// NewSource creates a Source generating count records from seed.
func NewSource(seed int64, count int) *Source {
	return &Source{Seed: seed, Count: count}
}

// Open implements elt.Source. The uri is ignored; the dataset is the
// generator itself.
func (s *Source) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &cursor{
		rng:       rand.New(rand.NewSource(s.Seed)),
		remaining: s.Count,
		batchSize: batchSize,
	}, nil
}

type cursor struct {
	rng       *rand.Rand
	remaining int
	batchSize int
}

func (c *cursor) Next(ctx context.Context) (elt.Batch, error) {
	if err := ctx.Err(); err != nil {
		return elt.Batch{}, err
	}
	if c.remaining <= 0 {
		return elt.Batch{}, io.EOF
	}
	n := c.batchSize
	if n > c.remaining {
		n = c.remaining
	}
	c.remaining -= n
	b := elt.Batch{Records: make([]elt.Record, n)}
	for i := range b.Records {
		b.Records[i] = c.trip()
	}
	return b, nil
}

func (c *cursor) Close() error { return nil }

var epoch = time.Date(2013, time.August, 1, 0, 0, 0, 0, time.UTC)

// trip generates one record. Monetary amounts are rounded to cents so
// records survive a CSV round trip unchanged.
func (c *cursor) trip() elt.Record {
	pickup := epoch.Add(time.Duration(c.rng.Intn(28*24*3600)) * time.Second)
	duration := time.Duration(120+c.rng.Intn(3600)) * time.Second
	distance := cents(0.5 + c.rng.Float64()*25)
	fare := cents(2.5 + distance*2.1)
	tip := cents(fare * c.rng.Float64() * 0.3)
	tolls := 0.0
	if c.rng.Intn(10) == 0 {
		tolls = 5.76
	}
	rec := elt.Record{
		"vendor_id":        int32(1 + c.rng.Intn(2)),
		"pickup_datetime":  pickup,
		"dropoff_datetime": pickup.Add(duration),
		"rate_code_id":     int32(1 + c.rng.Intn(6)),
		"passenger_count":  int32(1 + c.rng.Intn(5)),
		"trip_distance":    distance,
		"fare_amount":      fare,
		"total_amount":     cents(fare + tip + tolls),
		"payment_type":     int32(1 + c.rng.Intn(4)),
	}
	if c.rng.Intn(20) == 0 {
		rec["store_and_fwd_flag"] = "Y"
	}
	if tip > 0 {
		rec["tip_amount"] = tip
	}
	if tolls > 0 {
		rec["tolls_amount"] = tolls
	}
	return rec
}

func cents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
