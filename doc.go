// elt is a staged extract-load-transform pipeline which moves a
// fixed-schema dataset through a sequence of heterogeneous storage
// backends. Each backend is wrapped by a connector package, and the
// core of the module is the machinery which moves record batches
// between connectors with validated, resumable, checkpointed stage
// transitions.
//
// 1. Connectors
//
//    A connector knows how to get record batches out of (or into) one
//    kind of backend - an HTTP endpoint serving CSV, an S3-compatible
//    object store, a snapshot-committed table store, a cloud blob
//    container, a SQL warehouse, a Kafka topic. Sources implement
//    elt.Source and stream finite, restartable sequences of batches;
//    sinks implement elt.Sink and accept batches with per-batch
//    atomicity. Sinks with an atomic publish step (the table store and
//    the warehouse) additionally implement elt.Committer: a reader
//    never observes a half-appended table.
//
// 2. Schema registry
//
//    Every record which passes through a stage is validated against
//    the registry's column schema - name, type, nullability. A batch
//    with any violating record never reaches the stage's sink. Schema
//    evolution is additive only.
//
// 3. Stages and the orchestrator
//
//    A stage reads from one connector and writes to another. Stages
//    are declared with their dependencies; the orchestrator validates
//    the resulting graph is acyclic, runs ready stages concurrently,
//    retries stages which failed for transient reasons, skips the
//    dependents of failed stages, and checkpoints every status
//    transition to a durable run store so that a failed run can be
//    re-invoked and resume where it left off.
package elt
