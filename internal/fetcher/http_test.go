package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:   "test-agent",
		Accept:      "application/geo+json",
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/geo+json", r.Header.Get("Accept"))
		w.Write([]byte("hello world")) //nolint:errcheck
	}))
	defer srv.Close()

	body, err := newTestFetcher().Download(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownload_NotFoundIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, IsUpstream(err))
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	body, err := newTestFetcher().Download(context.Background(), srv.URL)
	require.NoError(t, err)
	body.Close() //nolint:errcheck
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownload_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsUpstream(err))
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPList_Autoindex(t *testing.T) {
	page := `<html><body><h1>Index of /MESH</h1><pre>
<a href="?C=N;O=D">Name</a>
<a href="../">Parent Directory</a>
<a href="archive/">archive/</a>
<a href="MRMS_MESH_00.50_20240528-213000.grib2.gz">MRMS_MESH_00.50_20240528-213000.grib2.gz</a> 28-May-2024 21:31  120K
<a href="MRMS_MESH_00.50_20240528-213200.grib2.gz">MRMS_MESH_00.50_20240528-213200.grib2.gz</a> 28-May-2024 21:33  121K
<a href="MRMS_MESH_00.50_20240528-213200.grib2.gz">dup</a>
</pre></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/MESH/", r.URL.Path)
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	entries, err := newTestFetcher().List(context.Background(), srv.URL+"/MESH")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "MRMS_MESH_00.50_20240528-213000.grib2.gz", entries[0].Name)
	assert.Equal(t, srv.URL+"/MESH/MRMS_MESH_00.50_20240528-213000.grib2.gz", entries[0].URL)
	assert.Equal(t, "MRMS_MESH_00.50_20240528-213200.grib2.gz", entries[1].Name)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	a.OnRateLimit()
	assert.InDelta(t, 5, float64(a.Limit()), 1e-9)
	a.OnRateLimit()
	a.OnRateLimit()
	assert.InDelta(t, 2.5, float64(a.Limit()), 1e-9)
	for range 20 {
		a.OnSuccess()
	}
	assert.InDelta(t, 20, float64(a.Limit()), 1e-9)
}

func TestRouter_Dispatch(t *testing.T) {
	ftpURL, err := isFTP("ftp://ftp.example.com/pub/x")
	require.NoError(t, err)
	assert.True(t, ftpURL)

	ftpURL, err = isFTP("https://mrms.ncep.noaa.gov/data/")
	require.NoError(t, err)
	assert.False(t, ftpURL)

	_, err = isFTP("://bad")
	assert.Error(t, err)
}
