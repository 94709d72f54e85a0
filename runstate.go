package elt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StageStatus is the execution state of one stage within a run.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageState is one stage's slot in a RunRecord.
type StageState struct {
	Status    StageStatus `json:"status"`
	Records   int64       `json:"records"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// slot pairs a StageState with its own lock so concurrently running
// stages never contend on each other's updates.
type slot struct {
	mu    sync.Mutex
	state StageState
}

// RunRecord is the durable per-run bookkeeping: one status slot per
// stage, fixed at creation. Slots are updated under a per-stage lock;
// the set of stages never changes during a run.
type RunRecord struct {
	RunID     string
	StartedAt time.Time
	stages    map[string]*slot
}

// NewRunRecord creates a RunRecord with a pending slot per stage.
func NewRunRecord(runID string, stageNames []string) *RunRecord {
	now := time.Now().UTC()
	r := &RunRecord{
		RunID:     runID,
		StartedAt: now,
		stages:    make(map[string]*slot, len(stageNames)),
	}
	for _, name := range stageNames {
		r.stages[name] = &slot{state: StageState{Status: StatusPending, UpdatedAt: now}}
	}
	return r
}

// Stage returns a copy of the named stage's state.
func (r *RunRecord) Stage(name string) (StageState, bool) {
	s, ok := r.stages[name]
	if !ok {
		return StageState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// SetStage updates the named stage's slot.
func (r *RunRecord) SetStage(name string, st StageStatus, records int64, errMsg string) {
	s, ok := r.stages[name]
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = StageState{Status: st, Records: records, Error: errMsg, UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()
}

// AddStage ensures a slot exists for name, used when resuming a run
// whose stored record predates a newly declared stage.
func (r *RunRecord) AddStage(name string) {
	if _, ok := r.stages[name]; !ok {
		r.stages[name] = &slot{state: StageState{Status: StatusPending, UpdatedAt: time.Now().UTC()}}
	}
}

// Stages returns a point-in-time copy of every stage's state.
func (r *RunRecord) Stages() map[string]StageState {
	out := make(map[string]StageState, len(r.stages))
	for name, s := range r.stages {
		s.mu.Lock()
		out[name] = s.state
		s.mu.Unlock()
	}
	return out
}

// Failed returns the names of stages whose terminal status is failed.
func (r *RunRecord) Failed() []string {
	var failed []string
	for name, st := range r.Stages() {
		if st.Status == StatusFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

type runRecordJSON struct {
	RunID     string                `json:"run_id"`
	StartedAt time.Time             `json:"started_at"`
	Stages    map[string]StageState `json:"stages"`
}

// MarshalJSON serializes the record's latest-status snapshot.
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(runRecordJSON{
		RunID:     r.RunID,
		StartedAt: r.StartedAt,
		Stages:    r.Stages(),
	})
}

// UnmarshalJSON rebuilds the record, restoring one slot per stage.
func (r *RunRecord) UnmarshalJSON(data []byte) error {
	var rj runRecordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return errors.Wrap(err, "decoding run record")
	}
	r.RunID = rj.RunID
	r.StartedAt = rj.StartedAt
	r.stages = make(map[string]*slot, len(rj.Stages))
	for name, st := range rj.Stages {
		r.stages[name] = &slot{state: st}
	}
	return nil
}

// StatusChange is one entry in the append-only audit log of stage
// status transitions.
type StatusChange struct {
	RunID   string      `json:"run_id"`
	Stage   string      `json:"stage"`
	Status  StageStatus `json:"status"`
	Records int64       `json:"records"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

// RunStore persists run records. SaveRun stores the latest-status
// snapshot keyed by run id; AppendChange adds to the append-only
// transition log kept for audit. LoadRun returns a not_found
// ConnectorError for unknown run ids.
type RunStore interface {
	SaveRun(rec *RunRecord) error
	LoadRun(runID string) (*RunRecord, error)
	AppendChange(ch StatusChange) error
	Changes(runID string) ([]StatusChange, error)
	Close() error
}
