package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/remotedata/telemetry"
)

// InstrumentedBackend records an operation metric for every call it forwards.
// Reads are recorded when the returned reader is closed so the byte count is
// what the caller consumed.
type InstrumentedBackend struct {
	inner Backend
	label string
}

func NewInstrumentedBackend(b Backend, label string) *InstrumentedBackend {
	return &InstrumentedBackend{inner: b, label: label}
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend { return ib.inner }

// observe starts timing op and returns the function that records it.
func (ib *InstrumentedBackend) observe(ctx context.Context, op string) func(err error, n int64) {
	started := time.Now()
	return func(err error, n int64) {
		telemetry.RecordBackendOp(ctx, ib.label, op, classify(err), time.Since(started), n)
	}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, name string, r io.Reader) error {
	done := ib.observe(ctx, "write")
	body := &tally{r: r}
	err := ib.inner.Write(ctx, name, body)
	done(err, body.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	done := ib.observe(ctx, "read")
	rc, err := ib.inner.Read(ctx, name)
	if err != nil {
		done(err, 0)
		return nil, err
	}
	return &tallyCloser{tally: tally{r: rc}, c: rc, done: done}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, name string) error {
	done := ib.observe(ctx, "delete")
	err := ib.inner.Delete(ctx, name)
	done(err, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, name string) (bool, error) {
	done := ib.observe(ctx, "exists")
	ok, err := ib.inner.Exists(ctx, name)
	done(err, 0)
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context) ([]string, error) {
	done := ib.observe(ctx, "list")
	names, err := ib.inner.List(ctx)
	done(err, 0)
	return names, err
}

func (ib *InstrumentedBackend) Clear(ctx context.Context) error {
	done := ib.observe(ctx, "clear")
	err := ib.inner.Clear(ctx)
	done(err, 0)
	return err
}

// Size forwards to the wrapped backend when it is size aware and reports
// ErrNotFound otherwise.
func (ib *InstrumentedBackend) Size(ctx context.Context, name string) (int64, error) {
	sb, ok := ib.inner.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	done := ib.observe(ctx, "size")
	size, err := sb.Size(ctx, name)
	done(err, 0)
	return size, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type tally struct {
	r   io.Reader
	n   int64
	err error
}

func (t *tally) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

type tallyCloser struct {
	tally
	c      io.Closer
	done   func(err error, n int64)
	closed bool
}

func (t *tallyCloser) Close() error {
	err := t.c.Close()
	if !t.closed {
		t.closed = true
		t.done(t.err, t.n)
	}
	return err
}

var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
)
