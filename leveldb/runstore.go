// Package leveldb provides an elt.RunStore implementation using
// leveldb, interchangeable with the boltdb store.
package leveldb

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pilosa/elt"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// RunStore is an elt.RunStore backed by a leveldb directory.
type RunStore struct {
	db  *leveldb.DB
	seq uint64
}

// NewRunStore opens (creating if needed) the leveldb at dirname.
func NewRunStore(dirname string) (*RunStore, error) {
	db, err := leveldb.OpenFile(dirname, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb at '%v'", dirname)
	}
	s := &RunStore{db: db}
	// resume the change sequence past any existing entries
	iter := db.NewIterator(util.BytesPrefix([]byte("change!")), nil)
	for iter.Next() {
		s.seq++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "scanning change log")
	}
	return s, nil
}

// Close closes the underlying leveldb.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run's latest snapshot.
func (s *RunStore) SaveRun(rec *elt.RunRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding run record")
	}
	return errors.Wrap(s.db.Put(runKey(rec.RunID), buf, nil), "writing run record")
}

// LoadRun fetches the run's latest snapshot, returning a not_found
// error for unknown run ids.
func (s *RunStore) LoadRun(runID string) (*elt.RunRecord, error) {
	buf, err := s.db.Get(runKey(runID), nil)
	if err == leveldb.ErrNotFound {
		return nil, elt.NewConnectorError(elt.ErrNotFound, "loading run", errors.Errorf("no run %q", runID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading run record")
	}
	rec := &elt.RunRecord{}
	if err := json.Unmarshal(buf, rec); err != nil {
		return nil, errors.Wrap(err, "decoding run record")
	}
	return rec, nil
}

// AppendChange appends one transition to the audit log.
func (s *RunStore) AppendChange(ch elt.StatusChange) error {
	buf, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "encoding status change")
	}
	seq := atomic.AddUint64(&s.seq, 1)
	return errors.Wrap(s.db.Put(changeKey(ch.RunID, seq), buf, nil), "writing status change")
}

// Changes returns the run's transitions in append order.
func (s *RunStore) Changes(runID string) ([]elt.StatusChange, error) {
	var out []elt.StatusChange
	iter := s.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf("change!%s!", runID))), nil)
	for iter.Next() {
		var ch elt.StatusChange
		if err := json.Unmarshal(iter.Value(), &ch); err != nil {
			iter.Release()
			return nil, errors.Wrap(err, "decoding status change")
		}
		out = append(out, ch)
	}
	iter.Release()
	return out, errors.Wrap(iter.Error(), "iterating change log")
}

func runKey(runID string) []byte {
	return []byte("run!" + runID)
}

func changeKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("change!%s!%016x", runID, seq))
}
