// Package mock provides in-memory connectors and a run store for
// testing pipeline machinery without real backends.
package mock

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pilosa/elt"
)

// Source replays Batches. OpenErr and NextErrs inject failures;
// NextErrs is consumed one error per Open, so a source can fail
// transiently and then succeed on retry.
type Source struct {
	Batches []elt.Batch
	OpenErr error
	Delay   time.Duration

	mu       sync.Mutex
	NextErrs []error
	Opens    int
}

// Open implements elt.Source.
func (s *Source) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	s.mu.Lock()
	s.Opens++
	var nextErr error
	if len(s.NextErrs) > 0 {
		nextErr = s.NextErrs[0]
		s.NextErrs = s.NextErrs[1:]
	}
	s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &cursor{batches: s.Batches, errAtEnd: nextErr, delay: s.Delay}, nil
}

type cursor struct {
	batches  []elt.Batch
	errAtEnd error
	delay    time.Duration
}

func (c *cursor) Next(ctx context.Context) (elt.Batch, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return elt.Batch{}, ctx.Err()
		}
	}
	if len(c.batches) == 0 {
		if c.errAtEnd != nil {
			err := c.errAtEnd
			c.errAtEnd = nil
			return elt.Batch{}, err
		}
		return elt.Batch{}, io.EOF
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	return b, nil
}

func (c *cursor) Close() error { return nil }

// Sink records writes and commits. WriteErr, CommitErr and DiscardErr
// inject failures.
type Sink struct {
	WriteErr   error
	CommitErr  error
	DiscardErr error

	mu        sync.Mutex
	Written   []elt.Batch
	Commits   int
	Discards  int
	Committed elt.SnapshotMeta
	WroteAt   []time.Time
}

// Write implements elt.Sink.
func (s *Sink) Write(ctx context.Context, uri string, b elt.Batch) (elt.WriteSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return elt.WriteSummary{}, s.WriteErr
	}
	s.Written = append(s.Written, b)
	s.WroteAt = append(s.WroteAt, time.Now())
	return elt.WriteSummary{Records: int64(b.Len())}, nil
}

// Commit implements elt.Committer.
func (s *Sink) Commit(ctx context.Context, meta elt.SnapshotMeta) (elt.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return elt.CatalogEntry{}, s.CommitErr
	}
	s.Commits++
	s.Committed = meta
	return elt.CatalogEntry{Table: meta.Table, SnapshotID: time.Now().UnixNano(), SchemaVersion: meta.SchemaVersion, Records: meta.Records}, nil
}

// Discard implements elt.Discarder, dropping everything written since
// the last Commit.
func (s *Sink) Discard(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DiscardErr != nil {
		return s.DiscardErr
	}
	s.Discards++
	s.Written = nil
	s.WroteAt = nil
	return nil
}

// Records returns the total record count written.
func (s *Sink) Records() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.Written {
		n += int64(b.Len())
	}
	return n
}

// Writes returns how many batches have been written.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Written)
}

// RunStore is an in-memory elt.RunStore. Records survive across
// orchestrator runs within one test, which is enough to exercise
// resumability.
type RunStore struct {
	mu      sync.Mutex
	runs    map[string][]byte
	changes map[string][]elt.StatusChange

	// SaveErr fails every SaveRun. FailStatus/FailErr fail AppendChange
	// only for transitions to FailStatus, so tests can break the store
	// at one precise checkpoint.
	SaveErr    error
	FailStatus elt.StageStatus
	FailErr    error
}

// NewRunStore returns an empty in-memory store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string][]byte),
		changes: make(map[string][]elt.StatusChange),
	}
}

// SaveRun implements elt.RunStore.
func (m *RunStore) SaveRun(rec *elt.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.runs[rec.RunID] = buf
	return nil
}

// LoadRun implements elt.RunStore.
func (m *RunStore) LoadRun(runID string) (*elt.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.runs[runID]
	if !ok {
		return nil, elt.NewConnectorError(elt.ErrNotFound, "loading run", nil)
	}
	rec := &elt.RunRecord{}
	if err := json.Unmarshal(buf, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendChange implements elt.RunStore.
func (m *RunStore) AppendChange(ch elt.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStatus != "" && ch.Status == m.FailStatus {
		return m.FailErr
	}
	m.changes[ch.RunID] = append(m.changes[ch.RunID], ch)
	return nil
}

// Changes implements elt.RunStore.
func (m *RunStore) Changes(runID string) ([]elt.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]elt.StatusChange{}, m.changes[runID]...), nil
}

// Close implements elt.RunStore.
func (m *RunStore) Close() error { return nil }
