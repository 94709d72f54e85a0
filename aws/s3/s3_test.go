package s3

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pilosa/elt"
	"github.com/pilosa/elt/fake"
)

// memS3 is an in-memory s3iface for tests.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte)}
}

func (m *memS3) ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, _ ...interface{}) (*s3.ListObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if in.Prefix == nil || *in.Prefix == "" || bytes.HasPrefix([]byte(k), []byte(*in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsOutput{}
	for _, k := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...interface{}) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...interface{}) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...interface{}) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func testConnector(t *testing.T, api s3iface) *Connector {
	t.Helper()
	c, err := NewConnector(fake.TaxiSchema(), "test-bucket", OptRegion("us-east-1"))
	if err != nil {
		t.Fatalf("getting connector: %v", err)
	}
	c.api = api
	return c
}

func TestWriteListReadDelete(t *testing.T) {
	mem := newMemS3()
	c := testConnector(t, mem)
	ctx := context.Background()

	cur, err := fake.NewSource(11, 90).Open(ctx, "", 30)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	var b elt.Batch
	for b, err = cur.Next(ctx); err == nil; b, err = cur.Next(ctx) {
		if _, werr := c.Write(ctx, "raw/trips", b); werr != nil {
			t.Fatalf("writing: %v", werr)
		}
	}
	if err != io.EOF {
		t.Fatalf("reading fake source: %v", err)
	}

	keys, err := c.List(ctx, "raw/trips")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 objects, got %v", keys)
	}

	rcur, err := c.Open(ctx, "raw/trips", 25)
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	total := 0
	for b, err = rcur.Next(ctx); err == nil; b, err = rcur.Next(ctx) {
		total += b.Len()
	}
	if err != io.EOF {
		t.Fatalf("reading back: %v", err)
	}
	if total != 90 {
		t.Fatalf("expected 90 records back, got %d", total)
	}

	if err := c.Delete(ctx, keys[0]); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	keys, err = c.List(ctx, "raw/trips")
	if err != nil {
		t.Fatalf("listing after delete: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 objects after delete, got %v", keys)
	}
}

func TestDiscardDeletesWrittenParts(t *testing.T) {
	mem := newMemS3()
	c := testConnector(t, mem)
	ctx := context.Background()

	cur, err := fake.NewSource(11, 60).Open(ctx, "", 30)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	var b elt.Batch
	for b, err = cur.Next(ctx); err == nil; b, err = cur.Next(ctx) {
		if _, werr := c.Write(ctx, "raw/trips", b); werr != nil {
			t.Fatalf("writing: %v", werr)
		}
	}
	if err != io.EOF {
		t.Fatalf("reading fake source: %v", err)
	}

	if err := c.Discard(ctx, "raw/trips"); err != nil {
		t.Fatalf("discarding: %v", err)
	}
	keys, err := c.List(ctx, "raw/trips")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("discard left objects behind: %v", keys)
	}

	// The part counter reset, so a replay starts at part-00000 and the
	// prefix ends up with exactly the replay's objects.
	cur, err = fake.NewSource(12, 30).Open(ctx, "", 30)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	b, err = cur.Next(ctx)
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	if _, err := c.Write(ctx, "raw/trips", b); err != nil {
		t.Fatalf("rewriting: %v", err)
	}
	keys, err = c.List(ctx, "raw/trips")
	if err != nil || len(keys) != 1 || keys[0] != "raw/trips/part-00000.csv" {
		t.Fatalf("replay did not restart at part-00000: %v %v", keys, err)
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		code string
		kind elt.ErrKind
	}{
		{"AccessDenied", elt.ErrAuthFailed},
		{"SlowDown", elt.ErrQuotaExceeded},
		{s3.ErrCodeNoSuchBucket, elt.ErrNotFound},
		{"RequestError", elt.ErrUnreachable},
	}
	for _, tst := range tests {
		err := classify("op", awserr.New(tst.code, "boom", nil))
		if got := elt.KindOf(err); got != tst.kind {
			t.Fatalf("%s: expected %s, got %s", tst.code, tst.kind, got)
		}
	}
}

func TestWriteFailureSurfacesKind(t *testing.T) {
	mem := newMemS3()
	mem.putErr = awserr.New("SlowDown", "slow down", nil)
	c := testConnector(t, mem)

	_, err := c.Write(context.Background(), "raw", elt.Batch{Records: []elt.Record{{"vendor_id": int32(1)}}})
	if !elt.Retryable(err) {
		t.Fatalf("expected retryable quota error, got %v", err)
	}
}
