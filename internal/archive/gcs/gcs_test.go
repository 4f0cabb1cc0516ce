package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/dsn-monitor/internal/archive"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	s, err := New(client, Config{Bucket: "dsn-raw"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithCycleMetadata(t *testing.T) {
	t.Parallel()

	var (
		calls atomic.Int32
		mu    sync.Mutex
		sent  string
	)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		sent = string(body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bucket":"dsn-raw","name":%q}`, "dsn/2026/01/09/c1-primary.xml")
	}))

	entry := archive.Entry{
		CycleID:     "c1",
		Source:      "primary",
		ContentType: "text/xml",
		FetchedAt:   time.Date(2026, 1, 9, 23, 59, 0, 0, time.UTC),
	}
	obj := archive.Object{
		Key:         archive.Key("dsn", entry),
		ContentType: archive.ContentType(entry),
		Metadata:    archive.Metadata(entry),
	}
	uri, err := s.PutObject(context.Background(), obj, bytes.NewReader([]byte("<dsn/>")))
	require.NoError(t, err)
	require.Equal(t, "gs://dsn-raw/dsn/2026/01/09/c1-primary.xml", uri)
	require.Positive(t, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, sent, `"contentType":"text/xml"`)
	require.Contains(t, sent, `"cycle_id":"c1"`)
	require.Contains(t, sent, `"source":"primary"`)
	require.Contains(t, sent, `"customTime":"2026-01-09T23:59:00Z"`)
	require.Contains(t, sent, "<dsn/>")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := s.PutObject(context.Background(), archive.Object{Key: "dsn/x.xml"}, bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestPutObjectRequiresKey(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.NotFoundHandler())
	_, err := s.PutObject(context.Background(), archive.Object{}, bytes.NewReader(nil))
	require.Error(t, err)
}
