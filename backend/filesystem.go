package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight writes. Names with this prefix are never
// entries.
const tempPrefix = ".tmp-"

// Filesystem is a Backend storing each entry as one file directly under root.
// Entries are replaced atomically by writing a temp file and renaming it.
type Filesystem struct {
	root   string
	noSync bool
	perm   fs.FileMode
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithoutSync skips the fsync before rename. Entries written just before a
// crash may then be empty.
func WithoutSync(skip bool) FilesystemOption {
	return func(f *Filesystem) { f.noSync = skip }
}

// WithFileMode sets the permission bits of stored entries. The default is 0644.
func WithFileMode(perm fs.FileMode) FilesystemOption {
	return func(f *Filesystem) { f.perm = perm }
}

// NewFilesystem makes root absolute and creates it if needed.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", root, err)
	}
	f := &Filesystem{root: abs, perm: 0o644}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.ensureRoot(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) ensureRoot() error {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("creating root %q: %w", f.root, err)
	}
	return nil
}

// Write replaces the entry name with the contents of r. A failed write leaves
// any previous entry untouched.
func (f *Filesystem) Write(ctx context.Context, name string, r io.Reader) (err error) {
	dst, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Clear may have removed the root underneath us
	if err := f.ensureRoot(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if !f.noSync {
		if err = tmp.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", name, err)
		}
	}
	if err = tmp.Chmod(f.perm); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publishing %s: %w", name, err)
	}
	return nil
}

func (f *Filesystem) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return file, nil
}

// Delete is idempotent.
func (f *Filesystem) Delete(ctx context.Context, name string) error {
	path, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

func (f *Filesystem) Exists(ctx context.Context, name string) (bool, error) {
	_, err := f.Size(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (f *Filesystem) Size(ctx context.Context, name string) (int64, error) {
	path, err := f.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Size(), nil
}

// List returns the regular files under root, skipping temp files and
// subdirectories. A missing root lists as empty.
func (f *Filesystem) List(ctx context.Context) ([]string, error) {
	dirents, err := os.ReadDir(f.root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("listing %s: %w", f.root, err)
	}

	var names []string
	for _, d := range dirents {
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			continue
		}
		names = append(names, d.Name())
	}
	return names, nil
}

// Clear deletes root with everything in it and recreates it empty.
func (f *Filesystem) Clear(ctx context.Context) error {
	if err := os.RemoveAll(f.root); err != nil {
		return fmt.Errorf("clearing %s: %w", f.root, err)
	}
	return f.ensureRoot()
}

// resolve maps name to a path directly under root. Anything that is not a
// single plain path element is rejected.
func (f *Filesystem) resolve(name string) (string, error) {
	switch {
	case name == "", name == ".", name == "..",
		strings.ContainsAny(name, `/\`),
		strings.HasPrefix(name, tempPrefix):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(f.root, name), nil
}

var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
