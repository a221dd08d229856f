package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/remotedata/datacache"
	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/service"
	"github.com/wolfeidau/remotedata/settings"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()

	bodies := map[string]*download.Response{
		"text": {Data: []byte("hello"), MIMEType: "text/plain", StatusCode: 200},
		"img":  {Data: pngBytes(t, 7, 3), MIMEType: "image/png", StatusCode: 200},
	}
	fetcher := download.FetcherFunc(func(_ context.Context, key string) (*download.Response, error) {
		if key == "boom" {
			return nil, &download.HTTPError{URL: key, StatusCode: 500, Body: []byte("upstream broke")}
		}
		resp, ok := bodies[key]
		if !ok {
			return nil, &download.HTTPError{URL: key, StatusCode: 404}
		}
		return resp, nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := service.DefaultConfig(t.TempDir())
	cfg.Logger = logger
	svc, err := service.Open(context.Background(), cfg,
		service.WithFetcher(fetcher),
		service.WithSettingsStore(settings.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	srv := New(svc, Config{Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func do(t *testing.T, method, target string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dataURL(base, key string) string {
	return base + "/data?key=" + url.QueryEscape(key)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestGetDataMissThenHit(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, dataURL(ts.URL, "text"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	resp = do(t, http.MethodGet, dataURL(ts.URL, "text"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestGetDataErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing key", ts.URL + "/data", http.StatusBadRequest},
		{"blank key", dataURL(ts.URL, "  "), http.StatusBadRequest},
		{"not found upstream", dataURL(ts.URL, "nope"), http.StatusNotFound},
		{"upstream error", dataURL(ts.URL, "boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodGet, tt.url)
			require.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestGetDataNoWait(t *testing.T) {
	ts, svc := newTestServer(t)

	resp := do(t, http.MethodGet, dataURL(ts.URL, "text")+"&wait=false")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return svc.Data.Exists(context.Background(), "text")
	}, 2*time.Second, 5*time.Millisecond)

	resp = do(t, http.MethodGet, dataURL(ts.URL, "text")+"&wait=false")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestGetImage(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/image?key=img")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var img imageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&img))
	require.Equal(t, imageResponse{Key: "img", Format: "png", Width: 7, Height: 3}, img)

	resp = do(t, http.MethodGet, ts.URL+"/image?key=text")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDeleteData(t *testing.T) {
	ts, svc := newTestServer(t)
	ctx := context.Background()

	resp := do(t, http.MethodGet, dataURL(ts.URL, "text"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, svc.Data.Exists(ctx, "text"))

	resp = do(t, http.MethodDelete, dataURL(ts.URL, "text"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, svc.Data.Exists(ctx, "text"))

	resp = do(t, http.MethodDelete, ts.URL+"/data")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEntriesStatsPurgeClear(t *testing.T) {
	ts, svc := newTestServer(t)

	for _, k := range []string{"text", "img"} {
		resp := do(t, http.MethodGet, dataURL(ts.URL, k))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := do(t, http.MethodGet, ts.URL+"/entries")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []datacache.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	require.Equal(t, "img", entries[0].Key)
	require.Equal(t, "text", entries[1].Key)

	resp = do(t, http.MethodGet, ts.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats service.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 2, stats.Cache.Entries)
	require.Equal(t, uint64(2), stats.Fetch.Succeeded)

	resp = do(t, http.MethodPost, ts.URL+"/purge")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purge map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&purge))
	require.Equal(t, float64(2), purge["scanned"])
	require.Equal(t, float64(0), purge["expired"])

	resp = do(t, http.MethodPost, ts.URL+"/clear")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, svc.Data.ListKeys(context.Background()))
}

func TestMetricsNotEnabled(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/metrics")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
