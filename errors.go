package elt

import "fmt"

// ErrKind classifies connector failures for retry policy.
type ErrKind string

const (
	ErrUnreachable   ErrKind = "unreachable"
	ErrAuthFailed    ErrKind = "auth_failed"
	ErrQuotaExceeded ErrKind = "quota_exceeded"
	ErrNotFound      ErrKind = "not_found"
	ErrConflict      ErrKind = "conflict"
)

// ConnectorError is a backend failure classified by kind. Op names the
// operation that failed in the connector's own terms.
type ConnectorError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Cause supports github.com/pkg/errors unwinding.
func (e *ConnectorError) Cause() error { return e.Err }

func (e *ConnectorError) Unwrap() error { return e.Err }

// NewConnectorError wraps err as a ConnectorError of the given kind.
func NewConnectorError(kind ErrKind, op string, err error) *ConnectorError {
	return &ConnectorError{Kind: kind, Op: op, Err: err}
}

// KindOf walks the cause chain of err looking for a ConnectorError and
// returns its kind, or "" if err carries no connector classification.
func KindOf(err error) ErrKind {
	for err != nil {
		if ce, ok := err.(*ConnectorError); ok {
			return ce.Kind
		}
		switch e := err.(type) {
		case interface{ Cause() error }:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return ""
		}
	}
	return ""
}

// Retryable reports whether err is the kind of connector failure a
// stage should retry: the backend may come back (unreachable) or the
// pressure may subside (quota_exceeded). Everything else is permanent
// as far as a single run is concerned.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrUnreachable, ErrQuotaExceeded:
		return true
	}
	return false
}

// IsSchemaViolation reports whether err (or its cause) is a
// *SchemaViolation.
func IsSchemaViolation(err error) bool {
	for err != nil {
		if _, ok := err.(*SchemaViolation); ok {
			return true
		}
		switch e := err.(type) {
		case interface{ Cause() error }:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return false
		}
	}
	return false
}

// CycleError is returned at orchestrator configuration time when the
// stage dependency graph is not acyclic. Stages lists the stages left
// unordered after topological reduction.
type CycleError struct {
	Stages []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among stages %v", e.Stages)
}

// ConfigError is a fatal configuration problem discovered before any
// stage runs: an unknown connector ref, a dependency on an undeclared
// stage, a malformed pipeline file.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Detail }

// Configf builds a ConfigError.
func Configf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Detail: fmt.Sprintf(format, args...)}
}

// IsConfigErr reports whether err is a configuration-time failure
// (ConfigError or CycleError), used by the CLI for its exit code.
func IsConfigErr(err error) bool {
	for err != nil {
		switch err.(type) {
		case *ConfigError, *CycleError:
			return true
		}
		switch e := err.(type) {
		case interface{ Cause() error }:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return false
		}
	}
	return false
}

// PartialFailureError is returned from Orchestrator.Run when the run
// finished but one or more stages ended failed.
type PartialFailureError struct {
	RunID  string
	Failed []string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("run %s: stages failed: %v", e.RunID, e.Failed)
}
