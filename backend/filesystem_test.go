package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "datacache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("hello, world!")

	err := fs.Write(ctx, "0b7e6a1c-data", bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, "0b7e6a1c-data")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemRejectsInvalidNames(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../escape", ".tmp-123"} {
		err := fs.Write(ctx, name, bytes.NewReader([]byte("x")))
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)

		_, err = fs.Read(ctx, name)
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "entry")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, "entry")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("data"))))
	require.NoError(t, fs.Delete(ctx, "entry"))

	exists, err := fs.Exists(ctx, "entry")
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting again is not an error
	require.NoError(t, fs.Delete(ctx, "entry"))
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("twelve bytes")

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader(data)))

	size, err := fs.Size(ctx, "entry")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = fs.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	names, err := fs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, fs.Write(ctx, n, bytes.NewReader([]byte(n))))
	}

	// Temp files and directories are not entries
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), ".tmp-999"), []byte("partial"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(fs.Root(), "subdir"), 0o755))

	names, err = fs.List(ctx)
	require.NoError(t, err)
	sort.Strings(names)
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func TestFilesystemClear(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a", bytes.NewReader([]byte("a"))))
	require.NoError(t, fs.Write(ctx, "b", bytes.NewReader([]byte("b"))))

	require.NoError(t, fs.Clear(ctx))
	names, err := fs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	info, err := os.Stat(fs.Root())
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Clearing an empty root is a no-op
	require.NoError(t, fs.Clear(ctx))
	names, err = fs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestFilesystemWriteRecreatesRoot(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(fs.Root()))

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("data"))))
	exists, err := fs.Exists(ctx, "entry")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemAtomicWrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("original"))))

	// A failing reader must leave the previous content intact
	err := fs.Write(ctx, "entry", &failingReader{})
	require.Error(t, err)

	rc, err := fs.Read(ctx, "entry")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "original", string(got))

	// And no temp files are left behind
	entries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, "entry", bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, "entry")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestFilesystemOptions(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir(), WithoutSync(true), WithFileMode(0o600))
	require.NoError(t, err)
	require.True(t, fs.noSync)

	require.NoError(t, fs.Write(context.Background(), "entry", bytes.NewReader([]byte("data"))))

	info, err := os.Stat(filepath.Join(fs.Root(), "entry"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFilesystemWriteCanceled(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.Write(ctx, "entry", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)

	names, err := fs.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("read failed")
}
