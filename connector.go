package elt

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// Source streams record batches out of a backend. Open may be called
// again with the same uri to restart the stream from the beginning;
// connectors with backends that can't replay should document it.
type Source interface {
	Open(ctx context.Context, uri string, batchSize int) (Cursor, error)
}

// Cursor is a finite, lazy sequence of batches. Next returns io.EOF
// after the last batch.
type Cursor interface {
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Sink accepts record batches. A Write is atomic at batch granularity:
// a failed Write leaves nothing from that batch visible downstream.
type Sink interface {
	Write(ctx context.Context, uri string, b Batch) (WriteSummary, error)
}

// Committer is implemented by sinks with an atomic publish step (the
// table store, the warehouse). Batches written before Commit are
// invisible to readers; Commit either makes them all visible as a new
// snapshot or fails leaving the prior snapshot current.
type Committer interface {
	Commit(ctx context.Context, meta SnapshotMeta) (CatalogEntry, error)
}

// Discarder is the optional staging-reset capability of a sink.
// Discard drops everything written to uri since the last Commit,
// restoring the sink's published state for uri. Stage retries discard
// before replaying the stream, so a failed attempt's batches are never
// published alongside the replay's.
type Discarder interface {
	Discard(ctx context.Context, uri string) error
}

// Lister is the optional list capability of a connector.
type Lister interface {
	List(ctx context.Context, uri string) ([]string, error)
}

// Deleter is the optional delete capability of a connector.
type Deleter interface {
	Delete(ctx context.Context, uri string) error
}

// SnapshotMeta describes a pending append at Commit time.
type SnapshotMeta struct {
	Table         string
	SchemaVersion int
	Records       int64
}

// CatalogEntry identifies the committed state of a table.
type CatalogEntry struct {
	Table         string `json:"table"`
	SnapshotID    int64  `json:"current_snapshot_id"`
	SchemaVersion int    `json:"schema_version"`
	Records       int64  `json:"records"`
}

// Config carries the per-connector connection parameters recognized by
// every connector constructor. Credentials are always referenced by
// CredentialsRef and resolved through a SecretResolver, never embedded.
type Config struct {
	Endpoint       string   `yaml:"endpoint"`
	Region         string   `yaml:"region"`
	CredentialsRef string   `yaml:"credentials_ref"`
	Bucket         string   `yaml:"bucket"`
	Table          string   `yaml:"table"`
	Path           string   `yaml:"path"`
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	Seed           int64    `yaml:"seed"`
	Records        int      `yaml:"records"`
	BatchSize      int      `yaml:"batch_size"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// SecretResolver resolves a credentials reference to its secret value.
// The secret store itself is an external collaborator.
type SecretResolver interface {
	Secret(ref string) (string, error)
}

// EnvSecrets resolves credential references from the environment. The
// reference "minio" with prefix "ELT_SECRET" reads ELT_SECRET_MINIO.
type EnvSecrets struct {
	Prefix string
}

// Secret implements SecretResolver.
func (e EnvSecrets) Secret(ref string) (string, error) {
	key := e.Prefix + "_" + envKey(ref)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret ref %q: %s not set", ref, key)
	}
	return v, nil
}

func envKey(ref string) string {
	out := make([]byte, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case c == '-' || c == '.' || c == '/':
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

// Connectors maps connector refs to connector implementations. A ref
// resolves to whichever capabilities the implementation exposes.
type Connectors map[string]interface{}

// Source resolves ref to a Source.
func (c Connectors) Source(ref string) (Source, error) {
	impl, ok := c[ref]
	if !ok {
		return nil, Configf("unknown connector ref %q", ref)
	}
	src, ok := impl.(Source)
	if !ok {
		return nil, Configf("connector %q has no read capability", ref)
	}
	return src, nil
}

// Sink resolves ref to a Sink.
func (c Connectors) Sink(ref string) (Sink, error) {
	impl, ok := c[ref]
	if !ok {
		return nil, Configf("unknown connector ref %q", ref)
	}
	snk, ok := impl.(Sink)
	if !ok {
		return nil, Configf("connector %q has no write capability", ref)
	}
	return snk, nil
}
