package elt

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"
)

func TestRunRecordJSONRoundTrip(t *testing.T) {
	rec := NewRunRecord("r1", []string{"extract", "load"})
	rec.SetStage("extract", StatusSucceeded, 1000, "")
	rec.SetStage("load", StatusFailed, 0, "opening trips: unreachable")

	buf, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	out := &RunRecord{}
	if err := json.Unmarshal(buf, out); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if out.RunID != "r1" || !out.StartedAt.Equal(rec.StartedAt) {
		t.Fatalf("header mismatch: %s %v", out.RunID, out.StartedAt)
	}
	if !reflect.DeepEqual(rec.Stages(), out.Stages()) {
		t.Fatalf("stage states mismatch:\n in: %v\nout: %v", rec.Stages(), out.Stages())
	}
}

func TestRunRecordFailed(t *testing.T) {
	rec := NewRunRecord("r1", []string{"a", "b", "c", "d"})
	rec.SetStage("a", StatusSucceeded, 10, "")
	rec.SetStage("b", StatusFailed, 0, "boom")
	rec.SetStage("c", StatusSkipped, 0, "dependency did not succeed")
	rec.SetStage("d", StatusFailed, 0, "boom")

	failed := rec.Failed()
	sort.Strings(failed)
	if !reflect.DeepEqual(failed, []string{"b", "d"}) {
		t.Fatalf("expected [b d], got %v", failed)
	}
}

func TestRunRecordAddStage(t *testing.T) {
	rec := NewRunRecord("r1", []string{"a"})
	rec.AddStage("b")
	rec.AddStage("a") // existing slot untouched
	if st, ok := rec.Stage("b"); !ok || st.Status != StatusPending {
		t.Fatalf("added stage: %v %v", st, ok)
	}
	if len(rec.Stages()) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(rec.Stages()))
	}
}
