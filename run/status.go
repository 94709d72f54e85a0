package run

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pilosa/elt"
)

// StatusMain holds the options for inspecting a recorded run.
type StatusMain struct {
	RunID      string `help:"Run id to inspect."`
	StateStore string `help:"Run state backend: bolt or leveldb."`
	StatePath  string `help:"Path to the run state database."`
	History    bool   `help:"Print the full status change log instead of the latest snapshot."`

	stdout io.Writer
}

// NewStatusMain gets a new StatusMain with the default configuration.
func NewStatusMain() *StatusMain {
	return &StatusMain{
		StateStore: "bolt",
		StatePath:  "elt-runs.db",
		stdout:     os.Stdout,
	}
}

// Run prints the stage statuses of the run, or its full transition log
// with History.
func (m *StatusMain) Run() error {
	if m.RunID == "" {
		return elt.Configf("a run id is required")
	}
	store, err := openStore(m.StateStore, m.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if m.History {
		changes, err := store.Changes(m.RunID)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			fmt.Fprintf(m.stdout, "%s %-20s %-10s records=%d", ch.At.Format(time.RFC3339), ch.Stage, ch.Status, ch.Records)
			if ch.Error != "" {
				fmt.Fprintf(m.stdout, " error=%q", ch.Error)
			}
			fmt.Fprintln(m.stdout)
		}
		return nil
	}

	rec, err := store.LoadRun(m.RunID)
	if err != nil {
		return err
	}
	states := rec.Stages()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(m.stdout, "run %s started %s\n", rec.RunID, rec.StartedAt.Format(time.RFC3339))
	for _, name := range names {
		st := states[name]
		fmt.Fprintf(m.stdout, "%-20s %-10s records=%d", name, st.Status, st.Records)
		if st.Error != "" {
			fmt.Fprintf(m.stdout, " error=%q", st.Error)
		}
		fmt.Fprintln(m.stdout)
	}
	return nil
}
