// Package run wires a pipeline definition file to live connectors, a
// run state store, and the orchestrator.
package run

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/pilosa/elt"
	"github.com/pilosa/elt/aws/s3"
	"github.com/pilosa/elt/boltdb"
	"github.com/pilosa/elt/cloud"
	"github.com/pilosa/elt/fake"
	"github.com/pilosa/elt/file"
	"github.com/pilosa/elt/http"
	"github.com/pilosa/elt/kafka"
	"github.com/pilosa/elt/leveldb"
	"github.com/pilosa/elt/table"
	"github.com/pilosa/elt/warehouse"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConnectorSpec is one connector entry in the pipeline file: a type
// naming which connector to build, plus its connection parameters.
type ConnectorSpec struct {
	Type       string `yaml:"type"`
	elt.Config `yaml:",inline"`
}

// RetrySpec is the optional retry section of the pipeline file.
type RetrySpec struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// Config is the parsed pipeline definition file.
type Config struct {
	Schema     elt.Schema               `yaml:"schema"`
	Connectors map[string]ConnectorSpec `yaml:"connectors"`
	Stages     []elt.StageDescriptor    `yaml:"stages"`
	Retry      RetrySpec                `yaml:"retry"`
}

// LoadConfig reads and parses a pipeline definition file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, elt.Configf("reading pipeline file: %v", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, elt.Configf("parsing pipeline file %s: %v", path, err)
	}
	if len(cfg.Schema.Columns) == 0 {
		return nil, elt.Configf("pipeline file %s declares no schema columns", path)
	}
	if len(cfg.Stages) == 0 {
		return nil, elt.Configf("pipeline file %s declares no stages", path)
	}
	return cfg, nil
}

// Main holds the options for executing a pipeline.
type Main struct {
	Pipeline     string `help:"Path to the pipeline definition file."`
	RunID        string `help:"Run id to execute under. A random id is generated when blank."`
	Resume       bool   `help:"Skip stages already recorded succeeded under this run id."`
	StateStore   string `help:"Run state backend: bolt or leveldb."`
	StatePath    string `help:"Path to the run state database."`
	MaxParallel  int    `help:"Maximum stages executing at once. Zero means unbounded."`
	BatchSize    int    `help:"Records per batch."`
	SecretPrefix string `help:"Environment variable prefix for credential references."`
}

// NewMain gets a new Main with the default configuration.
func NewMain() *Main {
	return &Main{
		Pipeline:     "pipeline.yaml",
		Resume:       true,
		StateStore:   "bolt",
		StatePath:    "elt-runs.db",
		BatchSize:    1000,
		SecretPrefix: "ELT_SECRET",
	}
}

// Run executes the pipeline to completion, logging a per-stage report.
// The returned error is a *elt.PartialFailureError when stages failed
// but the run itself finished.
func (m *Main) Run() error {
	cfg, err := LoadConfig(m.Pipeline)
	if err != nil {
		return err
	}
	reg, err := elt.NewRegistry(cfg.Schema)
	if err != nil {
		return elt.Configf("schema: %v", err)
	}

	secrets := elt.EnvSecrets{Prefix: m.SecretPrefix}
	conns, err := buildConnectors(cfg, reg.Schema(), secrets)
	if err != nil {
		return err
	}
	defer closeAll(conns)

	store, err := openStore(m.StateStore, m.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := elt.NewStageRunner(reg, conns, m.BatchSize)
	if cfg.Retry.MaxAttempts > 0 {
		runner.Retry = elt.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		}
	}
	orch, err := elt.NewOrchestrator(cfg.Stages, runner, store,
		elt.OptResume(m.Resume), elt.OptMaxParallel(m.MaxParallel))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	rec, err := orch.Run(ctx, m.RunID)
	if rec != nil {
		report(rec, time.Since(start))
	}
	return err
}

// openStore opens the named run state backend.
func openStore(kind, path string) (elt.RunStore, error) {
	switch kind {
	case "bolt":
		return boltdb.NewRunStore(path)
	case "leveldb":
		return leveldb.NewRunStore(path)
	}
	return nil, elt.Configf("unknown state store %q (want bolt or leveldb)", kind)
}

// buildConnectors constructs every connector the pipeline file names.
func buildConnectors(cfg *Config, schema elt.Schema, secrets elt.SecretResolver) (elt.Connectors, error) {
	conns := make(elt.Connectors, len(cfg.Connectors))
	for ref, spec := range cfg.Connectors {
		conn, err := buildConnector(spec, schema, secrets)
		if err != nil {
			return nil, errors.Wrapf(err, "connector %q", ref)
		}
		conns[ref] = conn
	}
	return conns, nil
}

func buildConnector(spec ConnectorSpec, schema elt.Schema, secrets elt.SecretResolver) (interface{}, error) {
	switch spec.Type {
	case "fake":
		return fake.NewSource(spec.Seed, spec.Records), nil
	case "file":
		if spec.Path == "" {
			return nil, elt.Configf("file connector needs a path")
		}
		return file.NewConnector(schema, spec.Path), nil
	case "http":
		var opts []http.Option
		if spec.TimeoutSeconds > 0 {
			opts = append(opts, http.OptTimeout(time.Duration(spec.TimeoutSeconds)*time.Second))
		}
		return http.NewConnector(schema, opts...), nil
	case "s3":
		if spec.Bucket == "" {
			return nil, elt.Configf("s3 connector needs a bucket")
		}
		opts := []s3.Option{s3.OptRegion(spec.Region), s3.OptEndpoint(spec.Endpoint)}
		if spec.CredentialsRef != "" {
			creds, err := secrets.Secret(spec.CredentialsRef)
			if err != nil {
				return nil, err
			}
			opts = append(opts, s3.OptCredentials(creds))
		}
		return s3.NewConnector(schema, spec.Bucket, opts...)
	case "cloud":
		if spec.Bucket == "" {
			return nil, elt.Configf("cloud connector needs a bucket")
		}
		opts := []cloud.Option{cloud.OptRegion(spec.Region), cloud.OptEndpoint(spec.Endpoint)}
		if spec.CredentialsRef != "" {
			creds, err := secrets.Secret(spec.CredentialsRef)
			if err != nil {
				return nil, err
			}
			opts = append(opts, cloud.OptCredentials(creds))
		}
		return cloud.NewConnector(schema, spec.Bucket, opts...)
	case "table":
		if spec.Path == "" {
			return nil, elt.Configf("table connector needs a path")
		}
		return table.NewConnector(schema, spec.Path)
	case "warehouse":
		if spec.Endpoint == "" {
			return nil, elt.Configf("warehouse connector needs an endpoint")
		}
		dsn := spec.Endpoint
		if spec.CredentialsRef != "" {
			creds, err := secrets.Secret(spec.CredentialsRef)
			if err != nil {
				return nil, err
			}
			dsn = injectCredentials(dsn, creds)
		}
		return warehouse.NewConnector(context.Background(), schema, dsn)
	case "kafka":
		if len(spec.Brokers) == 0 || spec.Topic == "" {
			return nil, elt.Configf("kafka connector needs brokers and a topic")
		}
		return kafka.NewConnector(schema, spec.Brokers, spec.Topic), nil
	}
	return nil, elt.Configf("unknown connector type %q", spec.Type)
}

// injectCredentials splices a resolved "user:password" secret into a
// URL-style DSN, so credentials never appear in the pipeline file.
func injectCredentials(dsn, creds string) string {
	i := strings.Index(dsn, "://")
	if i < 0 {
		return creds + "@" + dsn
	}
	return dsn[:i+3] + creds + "@" + dsn[i+3:]
}

func closeAll(conns elt.Connectors) {
	for ref, conn := range conns {
		if c, ok := conn.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("closing connector %q: %v", ref, err)
			}
		}
	}
}

// report logs the final status of every stage, in name order.
func report(rec *elt.RunRecord, elapsed time.Duration) {
	states := rec.Stages()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := states[name]
		if st.Error != "" {
			log.Printf("run %s: stage %-20s %-10s records=%d error=%q", rec.RunID, name, st.Status, st.Records, st.Error)
			continue
		}
		log.Printf("run %s: stage %-20s %-10s records=%d", rec.RunID, name, st.Status, st.Records)
	}
	log.Printf("run %s: done in %v", rec.RunID, elapsed)
}
