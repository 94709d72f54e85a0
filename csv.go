package elt

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// timeLayout is the timestamp format used on the wire by the CSV
// codec. RFC3339 is accepted on decode as a fallback.
const timeLayout = "2006-01-02 15:04:05"

// CSVDecoder reads schema-typed records from headered CSV. Columns in
// the header which the schema doesn't declare are an error immediately
// rather than a per-record unexpected_column violation later.
type CSVDecoder struct {
	r      *csv.Reader
	schema Schema
	header []string
}

// NewCSVDecoder reads the header line and resolves it against the
// schema.
func NewCSVDecoder(r io.Reader, s Schema) (*CSVDecoder, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if h == "" {
			return nil, errors.Errorf("csv header has empty name at %d", i)
		}
		if _, dup := seen[h]; dup {
			return nil, errors.Errorf("csv header repeats %q", h)
		}
		seen[h] = struct{}{}
		if _, ok := s.Column(h); !ok {
			return nil, errors.Errorf("csv header names undeclared column %q", h)
		}
	}
	return &CSVDecoder{r: cr, schema: s, header: header}, nil
}

// Batch decodes up to n records. It returns io.EOF (with an empty
// batch) once the input is exhausted.
func (d *CSVDecoder) Batch(n int) (Batch, error) {
	b := Batch{Records: make([]Record, 0, n)}
	for len(b.Records) < n {
		row, err := d.r.Read()
		if err == io.EOF {
			if len(b.Records) == 0 {
				return Batch{}, io.EOF
			}
			return b, nil
		}
		if err != nil {
			return Batch{}, errors.Wrap(err, "reading csv row")
		}
		if len(row) != len(d.header) {
			return Batch{}, errors.Errorf("csv row has %d fields, header has %d", len(row), len(d.header))
		}
		rec := make(Record, len(row))
		for i, raw := range row {
			col, _ := d.schema.Column(d.header[i])
			if raw == "" {
				continue // absent; nullability enforced by the registry
			}
			v, err := parseValue(raw, col.Type)
			if err != nil {
				return Batch{}, errors.Wrapf(err, "column %q", col.Name)
			}
			rec[col.Name] = v
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func parseValue(raw string, t ColumnType) (interface{}, error) {
	switch t {
	case Int32:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case Int64:
		return strconv.ParseInt(raw, 10, 64)
	case Double:
		return strconv.ParseFloat(raw, 64)
	case String:
		return raw, nil
	case Timestamp:
		if ts, err := time.Parse(timeLayout, raw); err == nil {
			return ts, nil
		}
		return time.Parse(time.RFC3339, raw)
	case Bool:
		return strconv.ParseBool(raw)
	}
	return nil, errors.Errorf("unknown column type %q", t)
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// EncodeCSV writes the batch as CSV in schema column order, with a
// header when header is true, and returns the byte count.
func EncodeCSV(w io.Writer, s Schema, b Batch, header bool) (int64, error) {
	cw := &countingWriter{w: w}
	csvw := csv.NewWriter(cw)
	row := make([]string, len(s.Columns))
	if header {
		for i, c := range s.Columns {
			row[i] = c.Name
		}
		if err := csvw.Write(row); err != nil {
			return cw.n, errors.Wrap(err, "writing csv header")
		}
	}
	for _, rec := range b.Records {
		for i, c := range s.Columns {
			v, ok := rec[c.Name]
			if !ok || v == nil {
				row[i] = ""
				continue
			}
			row[i] = formatValue(v)
		}
		if err := csvw.Write(row); err != nil {
			return cw.n, errors.Wrap(err, "writing csv row")
		}
	}
	csvw.Flush()
	if err := csvw.Error(); err != nil {
		return cw.n, errors.Wrap(err, "flushing csv")
	}
	return cw.n, nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(timeLayout)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return ""
}
