package download

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Success(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithUserAgent("remotedata-test/1.0"))
	resp, err := f.Fetch(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), resp.Data)
	require.Equal(t, "text/plain", resp.MIMEType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "remotedata-test/1.0", gotUA)
}

func TestHTTPFetcher_SniffsMissingContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	resp, err := NewHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "image/png", resp.MIMEType)
}

func TestHTTPFetcher_Non2xxIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such thing"}`))
	}))
	defer srv.Close()

	parser := func(resp *http.Response, body []byte) any {
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil
		}
		return payload
	}

	_, err := NewHTTPFetcher(WithResponseParser(parser)).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusNotFound, he.StatusCode)
	require.Equal(t, map[string]string{"error": "no such thing"}, he.Payload)
	require.Contains(t, he.Error(), "404")

	var te *TransportError
	require.False(t, errors.As(err, &te))
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher().Fetch(context.Background(), url)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, url, te.URL)
	require.NotNil(t, errors.Unwrap(te))
	require.False(t, IsNotFound(err))
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPFetcher(WithTimeout(50*time.Millisecond)).Fetch(context.Background(), srv.URL)
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestHTTPFetcher_MaxBodySize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(WithMaxBodySize(10)).Fetch(context.Background(), srv.URL)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Contains(t, err.Error(), "exceeds")
}

func TestHTTPFetcher_RateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithRateLimit(0.01, 1))

	_, err := f.Fetch(context.Background(), srv.URL+"/first")
	require.NoError(t, err)

	// The burst is spent; the next token is far beyond this deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, srv.URL+"/second")

	var te *TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPFetcher_WithCoordinator(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	env := newTestEnv(t, DefaultConfig())
	coord := New(env.cache, NewHTTPFetcher(), DefaultConfig())

	data, err := coord.Fetch(context.Background(), srv.URL+"/blob")
	require.NoError(t, err)
	require.Equal(t, []byte("remote"), data)

	data, err = coord.Fetch(context.Background(), srv.URL+"/blob")
	require.NoError(t, err)
	require.Equal(t, []byte("remote"), data)
	require.EqualValues(t, 1, hits.Load())
}

func TestMimeType(t *testing.T) {
	require.Equal(t, "image/jpeg", mimeType("image/jpeg", nil))
	require.Equal(t, "text/html", mimeType("text/html; charset=utf-8", nil))
	require.Equal(t, "", mimeType("", nil))
	require.Equal(t, "text/plain", mimeType("", []byte("plain words")))
}
