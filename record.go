package elt

// Record is one row of a dataset, keyed by column name. A nullable
// column may be absent or explicitly nil; the two are equivalent for
// downstream encoding.
type Record map[string]interface{}

// Batch is a bounded group of records sharing one schema. Batches are
// the unit of transfer between connectors and the unit of write
// atomicity at a sink.
type Batch struct {
	Records []Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// WriteSummary reports what a sink accepted.
type WriteSummary struct {
	Records int64
	Bytes   int64
}

// Add accumulates another summary into ws.
func (ws *WriteSummary) Add(o WriteSummary) {
	ws.Records += o.Records
	ws.Bytes += o.Bytes
}
