package leveldb

import (
	"testing"
	"time"

	"github.com/pilosa/elt"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening run store: %v", err)
	}
	defer s.Close()

	rec := elt.NewRunRecord("run-9", []string{"extract", "export"})
	rec.SetStage("extract", elt.StatusSucceeded, 500, "")
	if err := s.SaveRun(rec); err != nil {
		t.Fatalf("saving: %v", err)
	}

	got, err := s.LoadRun("run-9")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	st, ok := got.Stage("extract")
	if !ok || st.Status != elt.StatusSucceeded || st.Records != 500 {
		t.Fatalf("extract state mangled: %+v", st)
	}
	st, _ = got.Stage("export")
	if st.Status != elt.StatusPending {
		t.Fatalf("export should still be pending: %+v", st)
	}

	if _, err := s.LoadRun("missing"); elt.KindOf(err) != elt.ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestChangesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRunStore(dir)
	if err != nil {
		t.Fatalf("opening run store: %v", err)
	}
	for _, st := range []elt.StageStatus{elt.StatusRunning, elt.StatusSucceeded} {
		if err := s.AppendChange(elt.StatusChange{RunID: "r", Stage: "load", Status: st, At: time.Now()}); err != nil {
			t.Fatalf("appending: %v", err)
		}
	}
	s.Close()

	s, err = NewRunStore(dir)
	if err != nil {
		t.Fatalf("reopening run store: %v", err)
	}
	defer s.Close()
	if err := s.AppendChange(elt.StatusChange{RunID: "r", Stage: "load", Status: elt.StatusFailed, At: time.Now()}); err != nil {
		t.Fatalf("appending after reopen: %v", err)
	}

	got, err := s.Changes("r")
	if err != nil {
		t.Fatalf("reading changes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(got))
	}
	if got[2].Status != elt.StatusFailed {
		t.Fatalf("appended change out of order: %+v", got)
	}
}
