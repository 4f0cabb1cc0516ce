package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheBustURL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_003, 0)
	got, err := CacheBustURL("https://eyes.nasa.gov/dsn/data/dsn.xml?x=1", now, 5*time.Second)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "340000000", u.Query().Get("r"))
	require.Equal(t, "1", u.Query().Get("x"))

	// Same bucket within the width, next bucket after it.
	same, err := CacheBustURL("https://eyes.nasa.gov/dsn/data/dsn.xml?x=1", now.Add(time.Second), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, got, same)
	next, err := CacheBustURL("https://eyes.nasa.gov/dsn/data/dsn.xml?x=1", now.Add(5*time.Second), 5*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, got, next)
}

func TestCacheBustURLRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := CacheBustURL("/dsn.xml", time.Now(), 5*time.Second)
	require.Error(t, err)
}

func TestClientFetchAppendsCacheBuster(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotQuery url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><dsn/>`))
	}))
	defer srv.Close()

	client := New(Config{
		Timeout:        time.Second,
		CacheBustWidth: 5 * time.Second,
		Now:            func() time.Time { return time.Unix(100, 0) },
	}, nil)

	resp, err := client.Fetch(context.Background(), srv.URL+"/dsn.xml")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.ContentType, "xml")
	require.Equal(t, `<?xml version="1.0"?><dsn/>`, string(resp.Body))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "20", gotQuery.Get("r"))
}

func TestClientFetchNon2xxIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(Config{Timeout: time.Second}, nil)
	_, err := client.Fetch(context.Background(), srv.URL)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
}

func TestClientFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	client := New(Config{Timeout: 50 * time.Millisecond}, nil)
	_, err := client.Fetch(context.Background(), srv.URL)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Zero(t, terr.StatusCode)
}

func TestClientFetchBackupLeavesURLAlone(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		rawQuery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		rawQuery = r.URL.RawQuery
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<table></table>"))
	}))
	defer srv.Close()

	client := New(Config{Timeout: time.Second}, nil)
	for i := 0; i < 2; i++ {
		resp, err := client.FetchBackup(context.Background(), srv.URL+"/schedule")
		require.NoError(t, err)
		require.Equal(t, "<table></table>", string(resp.Body))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, rawQuery)
}

func TestClientFetchBackupInvalidEndpoint(t *testing.T) {
	t.Parallel()

	client := New(Config{}, nil)
	_, err := client.FetchBackup(context.Background(), "::not a url")

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
}
