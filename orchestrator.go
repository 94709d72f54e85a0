package elt

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Orchestrator sequences stages according to their dependency graph.
// The graph is validated acyclic at construction; at run time every
// stage whose dependencies have all succeeded may execute, and ready
// siblings execute concurrently.
type Orchestrator struct {
	stages map[string]StageDescriptor
	order  []string

	runner      *StageRunner
	store       RunStore
	resume      bool
	maxParallel int
}

// OrchOption is a functional option for the Orchestrator.
type OrchOption func(o *Orchestrator)

// OptResume controls whether stages recorded succeeded under the same
// run id are skipped. Defaults to true.
func OptResume(resume bool) OrchOption {
	return func(o *Orchestrator) {
		o.resume = resume
	}
}

// OptMaxParallel bounds how many stages run at once. Zero or negative
// means no bound beyond graph readiness.
func OptMaxParallel(n int) OrchOption {
	return func(o *Orchestrator) {
		o.maxParallel = n
	}
}

// NewOrchestrator validates the stage graph and connector refs,
// failing fast with a CycleError or ConfigError before anything runs.
func NewOrchestrator(descs []StageDescriptor, runner *StageRunner, store RunStore, opts ...OrchOption) (*Orchestrator, error) {
	o := &Orchestrator{
		stages: make(map[string]StageDescriptor, len(descs)),
		runner: runner,
		store:  store,
		resume: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, d := range descs {
		if d.Name == "" {
			return nil, Configf("stage with empty name")
		}
		if _, dup := o.stages[d.Name]; dup {
			return nil, Configf("stage %q declared twice", d.Name)
		}
		o.stages[d.Name] = d
	}
	for _, d := range descs {
		for _, dep := range d.DependsOn {
			if _, ok := o.stages[dep]; !ok {
				return nil, Configf("stage %q depends on undeclared stage %q", d.Name, dep)
			}
		}
		if _, err := runner.Connectors.Source(d.Source); err != nil {
			return nil, err
		}
		if _, err := runner.Connectors.Sink(d.Sink); err != nil {
			return nil, err
		}
	}
	order, err := topoSort(descs)
	if err != nil {
		return nil, err
	}
	o.order = order
	return o, nil
}

// topoSort returns a topological order of the stages (Kahn), or a
// CycleError naming the stages left unordered.
func topoSort(descs []StageDescriptor) ([]string, error) {
	indegree := make(map[string]int, len(descs))
	dependents := make(map[string][]string, len(descs))
	for _, d := range descs {
		indegree[d.Name] = len(d.DependsOn)
		for _, dep := range d.DependsOn {
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}
	var ready []string
	for _, d := range descs {
		if indegree[d.Name] == 0 {
			ready = append(ready, d.Name)
		}
	}
	order := make([]string, 0, len(descs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(descs) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{Stages: cyclic}
	}
	return order, nil
}

type stageResult struct {
	name   string
	status StageStatus
}

// Run executes the pipeline under runID (generated when empty) and
// returns the final run record. Stage failures don't abort independent
// branches; they surface afterwards as a PartialFailureError. Errors
// from the run store itself abort the run.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	rec, err := o.loadOrCreate(runID)
	if err != nil {
		return nil, err
	}
	if o.store != nil {
		if err := o.store.SaveRun(rec); err != nil {
			return rec, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	results := make(chan stageResult, len(o.stages))
	done := make(map[string]StageStatus, len(o.stages))
	inflight := make(map[string]struct{}, len(o.stages))

	for len(done) < len(o.stages) {
		launched := false
		for _, name := range o.order {
			if _, ok := done[name]; ok {
				continue
			}
			if _, ok := inflight[name]; ok {
				continue
			}
			desc := o.stages[name]
			allDone, anyFailed := o.depState(desc, done)
			if !allDone {
				continue
			}
			if st, ok := rec.Stage(name); ok && st.Status == StatusSucceeded {
				// Succeeded under this run id already; resumability
				// means the stage's connectors are never touched again.
				done[name] = StatusSucceeded
				launched = true
				continue
			}
			if anyFailed {
				if err := checkpoint(rec, o.store, name, StatusSkipped, 0, "dependency did not succeed"); err != nil {
					// Drain launched stages before surfacing the store
					// error so none outlive the run.
					for len(inflight) > 0 {
						res := <-results
						delete(inflight, res.name)
					}
					g.Wait()
					return rec, err
				}
				done[name] = StatusSkipped
				launched = true
				continue
			}
			inflight[name] = struct{}{}
			launched = true
			g.Go(func() error {
				err := o.runner.Execute(gctx, desc, rec, o.store)
				st := StatusSucceeded
				if err != nil {
					st = StatusFailed
				}
				results <- stageResult{name: desc.Name, status: st}
				if err != nil {
					if _, stageFailure := err.(*StageError); stageFailure {
						log.Printf("run %s: %v", runID, err)
						return nil
					}
					return err
				}
				return nil
			})
		}
		if len(inflight) == 0 {
			if !launched {
				break
			}
			continue
		}
		res := <-results
		done[res.name] = res.status
		delete(inflight, res.name)
	}

	if err := g.Wait(); err != nil {
		return rec, err
	}
	if failed := rec.Failed(); len(failed) > 0 {
		sort.Strings(failed)
		return rec, &PartialFailureError{RunID: runID, Failed: failed}
	}
	return rec, nil
}

// depState reports whether all of desc's dependencies are terminal,
// and whether any of them ended failed or skipped.
func (o *Orchestrator) depState(desc StageDescriptor, done map[string]StageStatus) (allDone, anyFailed bool) {
	allDone = true
	for _, dep := range desc.DependsOn {
		st, ok := done[dep]
		if !ok {
			allDone = false
			continue
		}
		if st == StatusFailed || st == StatusSkipped {
			anyFailed = true
		}
	}
	return allDone, anyFailed
}

// loadOrCreate fetches the stored record for runID when resuming,
// resetting non-succeeded slots to pending, or starts a fresh record.
func (o *Orchestrator) loadOrCreate(runID string) (*RunRecord, error) {
	names := make([]string, 0, len(o.stages))
	for name := range o.stages {
		names = append(names, name)
	}
	if !o.resume || o.store == nil {
		return NewRunRecord(runID, names), nil
	}
	rec, err := o.store.LoadRun(runID)
	if err != nil {
		if KindOf(err) == ErrNotFound {
			return NewRunRecord(runID, names), nil
		}
		return nil, err
	}
	for _, name := range names {
		rec.AddStage(name)
		if st, _ := rec.Stage(name); st.Status != StatusSucceeded {
			rec.SetStage(name, StatusPending, 0, "")
		}
	}
	return rec, nil
}

// checkpoint makes one stage-status transition durable: the audit log
// entry plus the latest snapshot.
func checkpoint(rec *RunRecord, store RunStore, stage string, st StageStatus, records int64, errMsg string) error {
	rec.SetStage(stage, st, records, errMsg)
	if store == nil {
		return nil
	}
	if err := store.AppendChange(StatusChange{
		RunID:   rec.RunID,
		Stage:   stage,
		Status:  st,
		Records: records,
		Error:   errMsg,
		At:      time.Now().UTC(),
	}); err != nil {
		return err
	}
	return store.SaveRun(rec)
}
