// Package cloud provides the cloud-blob connector: an export-only sink
// which uploads gzip-compressed CSV blobs to a blob container over the
// S3 wire protocol, which object stores from every major cloud either
// speak natively or front with a gateway.
package cloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

// Option is a functional option for the cloud Connector.
type Option func(c *Connector)

// OptEndpoint points the connector at the container's endpoint.
func OptEndpoint(endpoint string) Option {
	return func(c *Connector) {
		c.endpoint = endpoint
	}
}

// OptRegion sets the region.
func OptRegion(region string) Option {
	return func(c *Connector) {
		c.region = region
	}
}

// OptCredentials sets static credentials as "accessKey:secretKey".
func OptCredentials(creds string) Option {
	return func(c *Connector) {
		c.creds = creds
	}
}

// OptCompress controls gzip compression of uploaded blobs. On by
// default.
func OptCompress(compress bool) Option {
	return func(c *Connector) {
		c.compress = compress
	}
}

// uploader is the slice of the blob API the connector uses; tests
// substitute an in-memory implementation.
type uploader interface {
	PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...interface{}) (*s3.PutObjectOutput, error)
	ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, opts ...interface{}) (*s3.ListObjectsOutput, error)
	DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, opts ...interface{}) (*s3.DeleteObjectOutput, error)
}

type realAPI struct {
	*s3.S3
}

func (r realAPI) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...interface{}) (*s3.PutObjectOutput, error) {
	return r.S3.PutObjectWithContext(ctx, in)
}
func (r realAPI) ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, _ ...interface{}) (*s3.ListObjectsOutput, error) {
	return r.S3.ListObjectsWithContext(ctx, in)
}
func (r realAPI) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...interface{}) (*s3.DeleteObjectOutput, error) {
	return r.S3.DeleteObjectWithContext(ctx, in)
}

// Connector uploads dataset blobs to one container.
type Connector struct {
	container string
	region    string
	endpoint  string
	creds     string
	compress  bool

	schema elt.Schema
	api    uploader

	mu    sync.Mutex
	blobs map[string]int
}

// NewConnector returns a Connector for container with the options
// applied.
func NewConnector(schema elt.Schema, container string, opts ...Option) (*Connector, error) {
	c := &Connector{
		container: container,
		region:    "us-east-1",
		compress:  true,
		schema:    schema,
		blobs:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	cfg := &aws.Config{Region: aws.String(c.region)}
	if c.endpoint != "" {
		cfg.Endpoint = aws.String(c.endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if c.creds != "" {
		parts := strings.SplitN(c.creds, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New("credentials must be accessKey:secretKey")
		}
		cfg.Credentials = credentials.NewStaticCredentials(parts[0], parts[1], "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "getting session")
	}
	c.api = realAPI{s3.New(sess)}
	return c, nil
}

// Write uploads the batch as one blob under the uri prefix.
func (c *Connector) Write(ctx context.Context, uri string, b elt.Batch) (elt.WriteSummary, error) {
	var csvBuf bytes.Buffer
	n, err := elt.EncodeCSV(&csvBuf, c.schema, b, true)
	if err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "encoding batch")
	}

	body := csvBuf.Bytes()
	contentType := "text/csv"
	name := c.nextBlob(uri, ".csv")
	if c.compress {
		var gzBuf bytes.Buffer
		gz := gzip.NewWriter(&gzBuf)
		if _, err := gz.Write(body); err != nil {
			return elt.WriteSummary{}, errors.Wrap(err, "compressing blob")
		}
		if err := gz.Close(); err != nil {
			return elt.WriteSummary{}, errors.Wrap(err, "compressing blob")
		}
		body = gzBuf.Bytes()
		contentType = "application/gzip"
		name += ".gz"
	}

	_, err = c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.container),
		Key:         aws.String(name),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return elt.WriteSummary{}, classify("uploading blob", err)
	}
	return elt.WriteSummary{Records: int64(b.Len()), Bytes: n}, nil
}

// List returns blob names under the uri prefix.
func (c *Connector) List(ctx context.Context, uri string) ([]string, error) {
	resp, err := c.api.ListObjectsWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(c.container),
		Prefix: aws.String(uri),
	})
	if err != nil {
		return nil, classify("listing blobs", err)
	}
	names := make([]string, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		names = append(names, *obj.Key)
	}
	return names, nil
}

// Delete removes one blob.
func (c *Connector) Delete(ctx context.Context, uri string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.container),
		Key:    aws.String(uri),
	})
	if err != nil {
		return classify("deleting blob", err)
	}
	return nil
}

// Discard deletes the blobs uploaded under the uri prefix since the
// connector last reset its counter, so a replayed stream starts over
// at blob-00000 with no stale blobs beside it.
func (c *Connector) Discard(ctx context.Context, uri string) error {
	c.mu.Lock()
	n := c.blobs[uri]
	delete(c.blobs, uri)
	c.mu.Unlock()
	ext := ".csv"
	if c.compress {
		ext += ".gz"
	}
	for i := 0; i < n; i++ {
		if err := c.Delete(ctx, blobName(uri, i, ext)); err != nil && elt.KindOf(err) != elt.ErrNotFound {
			return err
		}
	}
	return nil
}

func (c *Connector) nextBlob(uri, ext string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.blobs[uri]
	c.blobs[uri] = n + 1
	return blobName(uri, n, ext)
}

func blobName(uri string, n int, ext string) string {
	return fmt.Sprintf("%s/blob-%05d%s", strings.TrimSuffix(uri, "/"), n, ext)
}

func classify(op string, err error) error {
	if aerr, ok := errors.Cause(err).(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return elt.NewConnectorError(elt.ErrNotFound, op, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return elt.NewConnectorError(elt.ErrAuthFailed, op, err)
		case "SlowDown", "RequestLimitExceeded", "Throttling":
			return elt.NewConnectorError(elt.ErrQuotaExceeded, op, err)
		}
	}
	return elt.NewConnectorError(elt.ErrUnreachable, op, err)
}
