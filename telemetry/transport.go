package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeClient   = "4xx"
	OutcomeServer   = "5xx"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
)

// InstrumentedTransport records one upstream fetch per request, labelled by
// origin. The record is written when the body hits EOF or is closed,
// whichever comes first, so the byte count covers what was actually read.
type InstrumentedTransport struct {
	base   http.RoundTripper
	origin string
	now    func() time.Time
}

// NewInstrumentedTransport wraps base, falling back to http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, origin string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, origin: origin, now: time.Now}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := t.now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(req.Context(), t.origin, t.now().Sub(started), 0, errorOutcome(req.Context(), err))
		return nil, err
	}

	resp.Body = &countingBody{
		rc:      resp.Body,
		outcome: statusOutcome(resp.StatusCode),
		record: func(n int64, outcome string) {
			RecordUpstreamFetch(req.Context(), t.origin, t.now().Sub(started), n, outcome)
		},
	}
	return resp, nil
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return OutcomeServer
	case status >= 400:
		return OutcomeClient
	default:
		return OutcomeSuccess
	}
}

func errorOutcome(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeError
}

type countingBody struct {
	rc      io.ReadCloser
	n       int64
	outcome string
	record  func(n int64, outcome string)
	once    sync.Once
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.n += int64(n)
	switch {
	case err == io.EOF:
		b.finish(b.outcome)
	case err != nil:
		// a body that breaks mid-stream is not a success whatever the status
		b.finish(OutcomeError)
	}
	return n, err
}

func (b *countingBody) Close() error {
	b.finish(b.outcome)
	return b.rc.Close()
}

func (b *countingBody) finish(outcome string) {
	b.once.Do(func() { b.record(b.n, outcome) })
}
