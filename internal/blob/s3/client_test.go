package s3blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}

func TestNormalisePrefix(t *testing.T) {
	assert.Equal(t, "", normalisePrefix(""))
	assert.Equal(t, "", normalisePrefix(" / "))
	assert.Equal(t, "costsim/", normalisePrefix("costsim"))
	assert.Equal(t, "a/b/", normalisePrefix("/a/b//"))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}

// fakeS3 serves the handful of path-style S3 calls the package makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/archive-bucket/")
	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = string(body)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		w.Header().Set("Content-Type", "application/xml")
		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>archive-bucket</Name><IsTruncated>false</IsTruncated>`)
		for k, v := range f.objects {
			sb.WriteString(`<Contents><Key>` + k + `</Key><LastModified>2026-01-02T03:04:05.000Z</LastModified><Size>`)
			sb.WriteString(strconv.Itoa(len(v)))
			sb.WriteString(`</Size></Contents>`)
		}
		sb.WriteString(`</ListBucketResult>`)
		_, _ = io.WriteString(w, sb.String())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestWriterReader_AgainstFakeS3(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	c, err := New(ctx, ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "archive-bucket",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	w := NewWriter(c, 0)
	r := NewReader(c)

	ok, err := r.Exists(ctx, "archive/estimates/x.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Upload(ctx, "archive/estimates/x.jsonl", []byte("{\"id\":\"a\"}\n"), jsonlContentType))
	assert.Contains(t, fake.objects["archive/estimates/x.jsonl"], `{"id":"a"}`)

	ok, err = r.Exists(ctx, "archive/estimates/x.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := r.List(ctx, "archive/")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "archive/estimates/x.jsonl", infos[0].Path)
	assert.False(t, infos[0].LastModified.IsZero())
}
