// Package http provides the elt.Source connector for HTTP endpoints
// serving headered CSV (the trip-data download URLs are the motivating
// case).
package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

// Connector streams CSV over HTTP GET. It is read-only.
type Connector struct {
	schema elt.Schema
	client *http.Client
}

// Option is a functional option for the http Connector.
type Option func(c *Connector)

// OptClient sets the HTTP client used for requests.
func OptClient(client *http.Client) Option {
	return func(c *Connector) {
		c.client = client
	}
}

// OptTimeout sets the request timeout on the connector's client.
func OptTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.client.Timeout = d
	}
}

// NewConnector returns a Connector decoding records against schema.
func NewConnector(schema elt.Schema, opts ...Option) *Connector {
	c := &Connector{
		schema: schema,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open issues a GET for uri and streams the response body as batches.
// Reopening the same uri restarts the dataset from the beginning.
func (c *Connector) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", uri)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, elt.NewConnectorError(elt.ErrUnreachable, "http get", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, elt.NewConnectorError(kindForStatus(resp.StatusCode), "http get", errors.Errorf("%s returned %s", uri, resp.Status))
	}
	dec, err := elt.NewCSVDecoder(resp.Body, c.schema)
	if err != nil {
		resp.Body.Close()
		return nil, errors.Wrapf(err, "decoding %s", uri)
	}
	return &cursor{body: resp.Body, dec: dec, batchSize: batchSize}, nil
}

func kindForStatus(code int) elt.ErrKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return elt.ErrAuthFailed
	case http.StatusNotFound:
		return elt.ErrNotFound
	case http.StatusTooManyRequests:
		return elt.ErrQuotaExceeded
	case http.StatusConflict:
		return elt.ErrConflict
	}
	return elt.ErrUnreachable
}

type cursor struct {
	body      io.ReadCloser
	dec       *elt.CSVDecoder
	batchSize int
}

func (c *cursor) Next(ctx context.Context) (elt.Batch, error) {
	if err := ctx.Err(); err != nil {
		return elt.Batch{}, err
	}
	return c.dec.Batch(c.batchSize)
}

func (c *cursor) Close() error {
	return c.body.Close()
}
