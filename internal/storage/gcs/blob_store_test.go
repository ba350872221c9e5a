package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		name string
		body string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		name, body = r.URL.Query().Get("name"), string(data)
		mu.Unlock()
		fmt.Fprintf(w, `{"name": %q, "bucket": "archive"}`, r.URL.Query().Get("name"))
	})
	store := newTestStore(t, handler, "/summaries/")

	uri, err := store.PutObject(context.Background(), "solo/summary.json", "application/json", strings.NewReader(`{"work":"solo"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/summaries/solo/summary.json", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "summaries/solo/summary.json", name)
	assert.Contains(t, body, `{"work":"solo"}`)
	assert.Contains(t, body, "application/json")
}

func TestPutObjectReportsServerErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "solo/summary.json", "", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solo/summary.json")
}

func TestObjectNameRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "archive", prefix: "p"}
	for _, rel := range []string{"", "  ", "../x", "a/../../b", "/"} {
		_, err := store.ObjectName(rel)
		assert.Error(t, err, rel)
	}
	name, err := store.ObjectName("/solo//summary.json")
	require.NoError(t, err)
	assert.Equal(t, "p/solo/summary.json", name)
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.EqualError(t, err, "storage client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.EqualError(t, err, "bucket name is required")
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	_, err := Open(context.Background(), Config{Bucket: "missing", CheckBucket: true}, nil,
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.ErrorContains(t, err, `get gcs bucket "missing" attributes`)

	store, err := Open(context.Background(), Config{Bucket: "missing"}, nil,
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
