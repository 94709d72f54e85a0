// Package boltdb provides an elt.RunStore implementation using boltdb.
// The "runs" bucket holds the latest-status snapshot per run id; the
// "changes" bucket is the append-only log of stage-status transitions
// kept for audit.
package boltdb

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

var (
	runsBucket    = []byte("runs")
	changesBucket = []byte("changes")
)

// RunStore is an elt.RunStore backed by one bolt file.
type RunStore struct {
	db *bolt.DB
}

// NewRunStore opens (creating if needed) the bolt file at filename.
func NewRunStore(filename string) (*RunStore, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening db file '%v'", filename)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return errors.Wrap(err, "creating runs bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(changesBucket); err != nil {
			return errors.Wrap(err, "creating changes bucket")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return &RunStore{db: db}, nil
}

// Close syncs and closes the underlying boltdb.
func (s *RunStore) Close() error {
	if err := s.db.Sync(); err != nil {
		return errors.Wrap(err, "syncing db")
	}
	return s.db.Close()
}

// SaveRun upserts the run's latest snapshot.
func (s *RunStore) SaveRun(rec *elt.RunRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding run record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(rec.RunID), buf)
	})
}

// LoadRun fetches the run's latest snapshot, returning a not_found
// error for unknown run ids.
func (s *RunStore) LoadRun(runID string) (*elt.RunRecord, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(runsBucket).Get([]byte(runID)); v != nil {
			buf = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading run record")
	}
	if buf == nil {
		return nil, elt.NewConnectorError(elt.ErrNotFound, "loading run", errors.Errorf("no run %q", runID))
	}
	rec := &elt.RunRecord{}
	if err := json.Unmarshal(buf, rec); err != nil {
		return nil, errors.Wrap(err, "decoding run record")
	}
	return rec, nil
}

// AppendChange appends one transition to the audit log. Entries are
// keyed run id + bucket sequence so they read back in append order.
func (s *RunStore) AppendChange(ch elt.StatusChange) error {
	buf, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "encoding status change")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(changesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "getting sequence")
		}
		return b.Put(changeKey(ch.RunID, seq), buf)
	})
}

// Changes returns the run's transitions in append order.
func (s *RunStore) Changes(runID string) ([]elt.StatusChange, error) {
	var out []elt.StatusChange
	prefix := append([]byte(runID), '!')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(changesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ch elt.StatusChange
			if err := json.Unmarshal(v, &ch); err != nil {
				return errors.Wrap(err, "decoding status change")
			}
			out = append(out, ch)
		}
		return nil
	})
	return out, err
}

func changeKey(runID string, seq uint64) []byte {
	k := make([]byte, 0, len(runID)+9)
	k = append(k, runID...)
	k = append(k, '!')
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
