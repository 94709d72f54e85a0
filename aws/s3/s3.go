// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package s3 provides the object-store connector. It speaks the S3
// API and works against AWS or any S3-compatible store (MinIO) via an
// endpoint override. Objects are headered CSV part files; a PUT is
// atomic, which gives Write its per-batch atomicity.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
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

// Option is a functional option type for the s3 Connector.
type Option func(c *Connector)

// OptEndpoint points the connector at an S3-compatible endpoint (e.g.
// a MinIO server). Path-style addressing is forced when set.
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

// OptCredentials sets static credentials, given as "accessKey:secretKey"
// (the form resolved from a credentials ref).
func OptCredentials(creds string) Option {
	return func(c *Connector) {
		c.creds = creds
	}
}

// Connector is the object-store connector for one bucket.
type Connector struct {
	bucket   string
	region   string
	endpoint string
	creds    string

	schema elt.Schema
	api    s3iface

	mu    sync.Mutex
	parts map[string]int
}

// s3iface is the slice of the S3 client the connector uses; tests
// substitute an in-memory implementation.
type s3iface interface {
	ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, opts ...interface{}) (*s3.ListObjectsOutput, error)
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...interface{}) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...interface{}) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, opts ...interface{}) (*s3.DeleteObjectOutput, error)
}

type realS3 struct {
	*s3.S3
}

func (r realS3) ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, _ ...interface{}) (*s3.ListObjectsOutput, error) {
	return r.S3.ListObjectsWithContext(ctx, in)
}
func (r realS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...interface{}) (*s3.GetObjectOutput, error) {
	return r.S3.GetObjectWithContext(ctx, in)
}
func (r realS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...interface{}) (*s3.PutObjectOutput, error) {
	return r.S3.PutObjectWithContext(ctx, in)
}
func (r realS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...interface{}) (*s3.DeleteObjectOutput, error) {
	return r.S3.DeleteObjectWithContext(ctx, in)
}

// NewConnector returns a Connector for bucket with the options applied.
func NewConnector(schema elt.Schema, bucket string, opts ...Option) (*Connector, error) {
	c := &Connector{
		bucket: bucket,
		region: "us-east-1",
		schema: schema,
		parts:  make(map[string]int),
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
		return nil, errors.Wrap(err, "getting aws session")
	}
	c.api = realS3{s3.New(sess)}
	return c, nil
}

// Open streams batches from every object under the uri prefix.
func (c *Connector) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	keys, err := c.List(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c, keys: keys, batchSize: batchSize}, nil
}

// List returns the object keys under the uri prefix.
func (c *Connector) List(ctx context.Context, uri string) ([]string, error) {
	resp, err := c.api.ListObjectsWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(uri),
	})
	if err != nil {
		return nil, classify("listing objects", err)
	}
	keys := make([]string, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		keys = append(keys, *obj.Key)
	}
	return keys, nil
}

// Delete removes one object.
func (c *Connector) Delete(ctx context.Context, uri string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(uri),
	})
	if err != nil {
		return classify("deleting object", err)
	}
	return nil
}

// Write puts the batch as a single CSV object under the uri prefix.
func (c *Connector) Write(ctx context.Context, uri string, b elt.Batch) (elt.WriteSummary, error) {
	var buf bytes.Buffer
	n, err := elt.EncodeCSV(&buf, c.schema, b, true)
	if err != nil {
		return elt.WriteSummary{}, errors.Wrap(err, "encoding batch")
	}
	_, err = c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.nextKey(uri)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return elt.WriteSummary{}, classify("putting object", err)
	}
	return elt.WriteSummary{Records: int64(b.Len()), Bytes: n}, nil
}

// Discard deletes the objects written under the uri prefix since the
// connector last reset its part counter, so a replayed stream starts
// over at part-00000 with no stale parts beside it.
func (c *Connector) Discard(ctx context.Context, uri string) error {
	c.mu.Lock()
	n := c.parts[uri]
	delete(c.parts, uri)
	c.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := c.Delete(ctx, partKey(uri, i)); err != nil && elt.KindOf(err) != elt.ErrNotFound {
			return err
		}
	}
	return nil
}

func (c *Connector) nextKey(uri string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.parts[uri]
	c.parts[uri] = n + 1
	return partKey(uri, n)
}

func partKey(uri string, n int) string {
	return fmt.Sprintf("%s/part-%05d.csv", strings.TrimSuffix(uri, "/"), n)
}

// classify maps AWS SDK errors onto the connector error taxonomy.
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

type cursor struct {
	c         *Connector
	keys      []string
	batchSize int

	body io.ReadCloser
	dec  *elt.CSVDecoder
}

func (cu *cursor) Next(ctx context.Context) (elt.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return elt.Batch{}, err
		}
		if cu.dec == nil {
			if len(cu.keys) == 0 {
				return elt.Batch{}, io.EOF
			}
			key := cu.keys[0]
			cu.keys = cu.keys[1:]
			out, err := cu.c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(cu.c.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return elt.Batch{}, classify("fetching "+key, err)
			}
			dec, err := elt.NewCSVDecoder(out.Body, cu.c.schema)
			if err != nil {
				out.Body.Close()
				return elt.Batch{}, errors.Wrapf(err, "decoding %s", key)
			}
			cu.body, cu.dec = out.Body, dec
		}
		b, err := cu.dec.Batch(cu.batchSize)
		if err == io.EOF {
			cu.body.Close()
			cu.body, cu.dec = nil, nil
			continue
		}
		return b, err
	}
}

func (cu *cursor) Close() error {
	if cu.body != nil {
		return cu.body.Close()
	}
	return nil
}
