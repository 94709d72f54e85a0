package elt

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/pkg/errors"
)

// StageDescriptor declares one source-to-sink movement step. Refs name
// connectors registered with the orchestrator's Connectors map.
// Descriptors are immutable during a run.
type StageDescriptor struct {
	Name           string   `yaml:"name"`
	Source         string   `yaml:"source"`
	SourceURI      string   `yaml:"source_uri"`
	Sink           string   `yaml:"sink"`
	SinkURI        string   `yaml:"sink_uri"`
	DependsOn      []string `yaml:"depends_on"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// RetryPolicy bounds retries of transiently failing stages. Delay
// doubles per attempt up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries transient failures three times starting
// at a half-second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// StageError wraps the terminal error of a stage execution.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Cause() error  { return e.Err }
func (e *StageError) Unwrap() error { return e.Err }

// StageRunner executes single stages: stream batches from the source,
// validate each against the registry, write to the sink, commit when
// the sink supports it, and checkpoint the run record.
type StageRunner struct {
	Registry   *Registry
	Connectors Connectors
	BatchSize  int
	Retry      RetryPolicy
}

// NewStageRunner returns a StageRunner with the default retry policy.
func NewStageRunner(reg *Registry, conns Connectors, batchSize int) *StageRunner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &StageRunner{
		Registry:   reg,
		Connectors: conns,
		BatchSize:  batchSize,
		Retry:      DefaultRetryPolicy(),
	}
}

// Execute runs one stage to a terminal status, mutating rec and
// checkpointing every transition through store. Transient connector
// failures (unreachable, quota_exceeded) restart the stream under the
// retry policy; schema violations and permanent connector failures
// fail the stage immediately.
func (sr *StageRunner) Execute(ctx context.Context, desc StageDescriptor, rec *RunRecord, store RunStore) error {
	src, err := sr.Connectors.Source(desc.Source)
	if err != nil {
		return sr.fail(desc, rec, store, err)
	}
	snk, err := sr.Connectors.Sink(desc.Sink)
	if err != nil {
		return sr.fail(desc, rec, store, err)
	}

	// The parent context outlives any stage timeout so staged writes can
	// still be discarded after the deadline fires.
	cleanupCtx := ctx
	if desc.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(desc.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if err := checkpoint(rec, store, desc.Name, StatusRunning, 0, ""); err != nil {
		return err
	}

	var records int64
	for attempt := 1; ; attempt++ {
		records, err = sr.execute(ctx, src, snk, desc)
		if err == nil {
			break
		}
		// A retry replays the source stream from the start, so whatever
		// the failed attempt already staged must be dropped before the
		// next attempt (or before the stage fails) to keep it out of a
		// later commit.
		if dErr := discard(cleanupCtx, snk, desc.SinkURI); dErr != nil {
			log.Printf("stage %s: discarding staged writes: %v", desc.Name, dErr)
			return sr.fail(desc, rec, store, err)
		}
		if Retryable(err) && attempt < sr.Retry.MaxAttempts && ctx.Err() == nil {
			delay := sr.Retry.backoff(attempt)
			log.Printf("stage %s attempt %d/%d failed (%v), retrying in %v", desc.Name, attempt, sr.Retry.MaxAttempts, err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
			}
		}
		return sr.fail(desc, rec, store, err)
	}

	if err := checkpoint(rec, store, desc.Name, StatusSucceeded, records, ""); err != nil {
		return err
	}
	return nil
}

// execute is one attempt: stream, validate, write, commit.
func (sr *StageRunner) execute(ctx context.Context, src Source, snk Sink, desc StageDescriptor) (int64, error) {
	cur, err := src.Open(ctx, desc.SourceURI, sr.BatchSize)
	if err != nil {
		return 0, errors.Wrapf(err, "opening source %s", desc.Source)
	}
	defer cur.Close()

	var total WriteSummary
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := cur.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "reading from %s", desc.Source)
		}
		if b.Len() == 0 {
			continue
		}
		// Validate before the batch touches the sink; invalid data is
		// never partially written.
		if err := sr.Registry.Validate(b); err != nil {
			return 0, err
		}
		ws, err := snk.Write(ctx, desc.SinkURI, b)
		if err != nil {
			return 0, errors.Wrapf(err, "writing to %s", desc.Sink)
		}
		total.Add(ws)
	}

	if committer, ok := snk.(Committer); ok {
		_, err := committer.Commit(ctx, SnapshotMeta{
			Table:         desc.SinkURI,
			SchemaVersion: sr.Registry.Schema().Version,
			Records:       total.Records,
		})
		if err != nil {
			return 0, errors.Wrapf(err, "committing to %s", desc.Sink)
		}
	}
	return total.Records, nil
}

func discard(ctx context.Context, snk Sink, uri string) error {
	d, ok := snk.(Discarder)
	if !ok {
		return nil
	}
	return d.Discard(ctx, uri)
}

func (sr *StageRunner) fail(desc StageDescriptor, rec *RunRecord, store RunStore, cause error) error {
	if ckErr := checkpoint(rec, store, desc.Name, StatusFailed, 0, cause.Error()); ckErr != nil {
		log.Printf("checkpointing failure of stage %s: %v", desc.Name, ckErr)
	}
	return &StageError{Stage: desc.Name, Err: cause}
}
