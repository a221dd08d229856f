package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/remotedata/settings"
)

func newTestStore(t *testing.T, st settings.Store, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetOrCreateVivifies(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := settings.NewMemoryStore()
	s := newTestStore(t, st, WithNow(func() time.Time { return now }))

	_, ok := s.Lookup("https://example.com/a")
	require.False(t, ok)

	rec := s.GetOrCreate(ctx, "https://example.com/a")
	require.NotEmpty(t, rec.Filename)
	require.Equal(t, now, rec.Timestamp)

	again := s.GetOrCreate(ctx, "https://example.com/a")
	require.Equal(t, rec.Filename, again.Filename)

	got, ok := s.Lookup("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, rec.Filename, got.Filename)

	// the reservation was persisted
	_, err := st.Get(ctx, DefaultSettingsKey)
	require.NoError(t, err)
}

func TestStore_FilenamesAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, settings.NewMemoryStore())

	seen := map[string]bool{}
	for i := range 50 {
		rec := s.GetOrCreate(ctx, fmt.Sprintf("key-%d", i))
		require.False(t, seen[rec.Filename], "duplicate filename %s", rec.Filename)
		seen[rec.Filename] = true
	}
}

func TestStore_SetUpdateClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, settings.NewMemoryStore())

	s.Set(ctx, "k", Record{Filename: "f1", Timestamp: time.Unix(100, 0)})
	key, ok := s.KeyForFilename("f1")
	require.True(t, ok)
	require.Equal(t, "k", key)

	rec := s.Update(ctx, "k", func(r *Record) {
		r.SetField(FieldMIMEType, String("image/png"))
		r.SetField(FieldSize, Int(42))
	})
	require.Equal(t, "f1", rec.Filename)
	require.Equal(t, "image/png", rec.StringField(FieldMIMEType))
	size, ok := rec.IntField(FieldSize)
	require.True(t, ok)
	require.EqualValues(t, 42, size)

	// replacing the record moves the filename index
	s.Set(ctx, "k", Record{Filename: "f2"})
	_, ok = s.KeyForFilename("f1")
	require.False(t, ok)
	key, ok = s.KeyForFilename("f2")
	require.True(t, ok)
	require.Equal(t, "k", key)

	got, _ := s.Lookup("k")
	require.Empty(t, got.Fields)

	s.Clear(ctx, "k")
	_, ok = s.Lookup("k")
	require.False(t, ok)
	_, ok = s.KeyForFilename("f2")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestStore_SetFillsMissingFilename(t *testing.T) {
	s := newTestStore(t, settings.NewMemoryStore())

	s.Set(context.Background(), "k", Record{})
	rec, ok := s.Lookup("k")
	require.True(t, ok)
	require.NotEmpty(t, rec.Filename)
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, settings.NewMemoryStore())

	s.Update(ctx, "k", func(r *Record) { r.SetField("tag", String("a")) })

	rec, _ := s.Lookup("k")
	rec.SetField("tag", String("mutated"))

	again, _ := s.Lookup("k")
	require.Equal(t, "a", again.StringField("tag"))
}

func TestStore_ClearAll(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	s := newTestStore(t, st)

	s.GetOrCreate(ctx, "a")
	s.GetOrCreate(ctx, "b")
	require.Equal(t, []string{"a", "b"}, s.Keys())

	s.ClearAll(ctx)
	require.Equal(t, 0, s.Len())
	require.Empty(t, s.Keys())

	reloaded := newTestStore(t, st)
	require.Equal(t, 0, reloaded.Len())
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s := newTestStore(t, st)
	s.Set(ctx, "k", Record{
		Filename:  "file-1",
		Timestamp: ts,
		Fields: map[string]Value{
			FieldMIMEType:     String("text/plain"),
			FieldImageWidth:   Int(640),
			FieldDownloadedAt: Time(ts),
		},
	})

	reloaded := newTestStore(t, st)
	rec, ok := reloaded.Lookup("k")
	require.True(t, ok)
	require.Equal(t, "file-1", rec.Filename)
	require.True(t, ts.Equal(rec.Timestamp))
	require.Equal(t, "text/plain", rec.StringField(FieldMIMEType))
	w, _ := rec.IntField(FieldImageWidth)
	require.EqualValues(t, 640, w)
	at, ok := rec.TimeField(FieldDownloadedAt)
	require.True(t, ok)
	require.True(t, ts.Equal(at))

	key, ok := reloaded.KeyForFilename("file-1")
	require.True(t, ok)
	require.Equal(t, "k", key)
}

func TestStore_LargeTableIsCompressed(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	s := newTestStore(t, st)

	for i := range 200 {
		s.Update(ctx, fmt.Sprintf("https://example.com/images/%04d.png", i), func(r *Record) {
			r.SetField(FieldMIMEType, String("image/png"))
		})
	}

	raw, err := st.Get(ctx, DefaultSettingsKey)
	require.NoError(t, err)
	require.Equal(t, formatZstd, raw[0])

	reloaded := newTestStore(t, st)
	require.Equal(t, 200, reloaded.Len())
}

func TestStore_SmallTableIsPlainJSON(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	s := newTestStore(t, st)

	s.GetOrCreate(ctx, "k")

	raw, err := st.Get(ctx, DefaultSettingsKey)
	require.NoError(t, err)
	require.Equal(t, formatJSON, raw[0])
	require.True(t, strings.HasPrefix(string(raw[1:]), "{"))
}

func TestStore_CorruptTableIsReplaced(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	require.NoError(t, st.Set(ctx, DefaultSettingsKey, []byte{0x7f, 'x', 'y'}))

	s := newTestStore(t, st)
	require.Equal(t, 0, s.Len())

	s.GetOrCreate(ctx, "k")
	require.Equal(t, 1, s.Len())
}

func TestStore_CustomSettingsKey(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()
	s := newTestStore(t, st, WithSettingsKey("other"))

	s.GetOrCreate(ctx, "k")

	_, err := st.Get(ctx, "other")
	require.NoError(t, err)
	_, err = st.Get(ctx, DefaultSettingsKey)
	require.ErrorIs(t, err, settings.ErrNotFound)
}

type failingSettings struct {
	settings.Store
	getErr error
	setErr error
}

func (f *failingSettings) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *failingSettings) Set(ctx context.Context, key string, value []byte) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Store.Set(ctx, key, value)
}

func TestStore_LoadErrorIsReturned(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := NewStore(context.Background(), &failingSettings{Store: settings.NewMemoryStore(), getErr: boom})
	require.ErrorIs(t, err, boom)
}

func TestStore_PersistErrorsAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	st := &failingSettings{Store: settings.NewMemoryStore(), setErr: errors.New("read-only")}
	s := newTestStore(t, st)

	rec := s.GetOrCreate(ctx, "k")
	require.NotEmpty(t, rec.Filename)

	got, ok := s.Lookup("k")
	require.True(t, ok)
	require.Equal(t, rec.Filename, got.Filename)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, settings.NewMemoryStore())

	var wg sync.WaitGroup
	filenames := make([]string, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			filenames[i] = s.GetOrCreate(ctx, "shared").Filename
			s.Update(ctx, fmt.Sprintf("k%d", i), func(r *Record) {
				r.SetField(FieldSize, Int(int64(i)))
			})
		}(i)
	}
	wg.Wait()

	for _, f := range filenames {
		require.Equal(t, filenames[0], f)
	}
	require.Equal(t, 21, s.Len())
}
