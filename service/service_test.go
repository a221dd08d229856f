package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/settings"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(_ context.Context, key string) (*download.Response, error) {
	f.calls.Add(1)
	return &download.Response{Data: []byte("body of " + key), MIMEType: "text/plain", StatusCode: 200}, nil
}

func openTestService(t *testing.T, dir string, cfg Config, opts ...Option) *Service {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = dir
	}
	cfg.NoSync = true
	svc, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return svc
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestFetchPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{}
	ctx := context.Background()

	svc := openTestService(t, dir, DefaultConfig(dir), WithFetcher(fetcher))
	data, err := svc.Coordinator.Fetch(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "body of https://example.com/a", string(data))
	require.NoError(t, svc.Close())

	svc = openTestService(t, dir, DefaultConfig(dir), WithFetcher(fetcher))
	defer svc.Close()

	require.True(t, svc.Data.Exists(ctx, "https://example.com/a"))
	data, err = svc.Coordinator.Fetch(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "body of https://example.com/a", string(data))
	require.Equal(t, int32(1), fetcher.calls.Load())

	rec := svc.Data.Metadata(ctx, "https://example.com/a")
	require.Equal(t, "text/plain", rec.StringField("mime_type"))
}

func TestStatsAndClear(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	svc := openTestService(t, dir, DefaultConfig(dir),
		WithFetcher(&countingFetcher{}),
		WithSettingsStore(settings.NewMemoryStore()),
		WithExecutor(download.NewSerialExecutor()),
	)
	defer svc.Close()

	for _, k := range []string{"a", "b", "c"} {
		_, err := svc.Coordinator.Fetch(ctx, k)
		require.NoError(t, err)
	}

	stats := svc.Stats(ctx)
	require.Equal(t, 3, stats.Cache.Entries)
	require.Equal(t, uint64(3), stats.Fetch.Succeeded)
	require.Equal(t, 0, stats.Images.Len)

	svc.Clear(ctx)
	stats = svc.Stats(ctx)
	require.Equal(t, 0, stats.Cache.Entries)
	require.Equal(t, 0, stats.Cache.Records)
	require.Empty(t, svc.Data.ListKeys(ctx))
}

func TestPurgerRunOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}

	cfg := DefaultConfig(dir)
	cfg.ExpirationInterval = time.Hour
	svc := openTestService(t, dir, cfg, WithFetcher(&countingFetcher{}), WithNow(clock.Now))
	defer svc.Close()

	_, err := svc.Coordinator.Fetch(ctx, "old")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = svc.Coordinator.Fetch(ctx, "new")
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)

	result := svc.Purger.RunOnce(ctx)
	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 1, result.Expired)
	require.False(t, svc.Data.Exists(ctx, "old"))
	require.True(t, svc.Data.Exists(ctx, "new"))

	last, runs := svc.Purger.Last()
	require.Equal(t, 1, runs)
	require.Equal(t, result, last)
}

func TestPurgerStartStop(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.PurgeInterval = 10 * time.Millisecond
	svc := openTestService(t, dir, cfg, WithFetcher(&countingFetcher{}))

	svc.Start(context.Background())
	svc.Start(context.Background())

	require.Eventually(t, func() bool {
		_, runs := svc.Purger.Last()
		return runs >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Close())
	svc.Purger.Stop()
}

func TestPurgerDisabled(t *testing.T) {
	dir := t.TempDir()
	svc := openTestService(t, dir, DefaultConfig(dir), WithFetcher(&countingFetcher{}))
	defer svc.Close()

	svc.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	_, runs := svc.Purger.Last()
	require.Equal(t, 0, runs)
}
