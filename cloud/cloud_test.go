package cloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"io/ioutil"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pilosa/elt/fake"
)

type memAPI struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memAPI) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...interface{}) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.blobs[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memAPI) ListObjectsWithContext(ctx aws.Context, in *s3.ListObjectsInput, _ ...interface{}) (*s3.ListObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &s3.ListObjectsOutput{}
	for k := range m.blobs {
		if strings.HasPrefix(k, *in.Prefix) {
			out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func (m *memAPI) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...interface{}) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestWriteCompressedBlob(t *testing.T) {
	mem := &memAPI{blobs: make(map[string][]byte)}
	c, err := NewConnector(fake.TaxiSchema(), "export")
	if err != nil {
		t.Fatalf("getting connector: %v", err)
	}
	c.api = mem

	ctx := context.Background()
	cur, err := fake.NewSource(2, 50).Open(ctx, "", 50)
	if err != nil {
		t.Fatalf("opening fake source: %v", err)
	}
	b, err := cur.Next(ctx)
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	ws, err := c.Write(ctx, "trips/2013-08", b)
	if err != nil {
		t.Fatalf("writing: %v", err)
	}
	if ws.Records != 50 {
		t.Fatalf("expected 50 records in summary, got %d", ws.Records)
	}

	names, err := c.List(ctx, "trips/2013-08")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(names) != 1 || !strings.HasSuffix(names[0], ".csv.gz") {
		t.Fatalf("expected one gzipped blob, got %v", names)
	}

	gz, err := gzip.NewReader(bytes.NewReader(mem.blobs[names[0]]))
	if err != nil {
		t.Fatalf("blob is not gzip: %v", err)
	}
	raw, err := ioutil.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 51 { // header + 50 records
		t.Fatalf("expected 51 csv lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "vendor_id,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	if err := c.Delete(ctx, names[0]); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	names, err = c.List(ctx, "trips/2013-08")
	if err != nil || len(names) != 0 {
		t.Fatalf("expected empty container, got %v %v", names, err)
	}
}

func TestUncompressedOption(t *testing.T) {
	mem := &memAPI{blobs: make(map[string][]byte)}
	c, err := NewConnector(fake.TaxiSchema(), "export", OptCompress(false))
	if err != nil {
		t.Fatalf("getting connector: %v", err)
	}
	c.api = mem

	ctx := context.Background()
	cur, _ := fake.NewSource(2, 10).Open(ctx, "", 10)
	b, err := cur.Next(ctx)
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	if _, err := c.Write(ctx, "plain", b); err != nil {
		t.Fatalf("writing: %v", err)
	}
	names, _ := c.List(ctx, "plain")
	if len(names) != 1 || !strings.HasSuffix(names[0], ".csv") {
		t.Fatalf("expected one .csv blob, got %v", names)
	}
}
