package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfeidau/remotedata/telemetry"
)

// DefaultTimeout bounds a single HTTP fetch.
const DefaultTimeout = 60 * time.Second

// DefaultMaxBodySize caps the body read from the origin.
const DefaultMaxBodySize = 256 * 1024 * 1024

// Response is a successful fetch.
type Response struct {
	Data       []byte
	MIMEType   string
	StatusCode int
}

// Fetcher retrieves the bytes behind a cache key.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// ResponseParser extracts a caller specific payload from a rejected response.
type ResponseParser func(resp *http.Response, body []byte) any

// HTTPFetcher fetches keys as URLs with a plain GET.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	parser      ResponseParser
	maxBodySize int64
	limiter     *rate.Limiter
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default client. The client's transport is used
// as is and is not instrumented.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithTimeout sets the per request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client.Timeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// WithResponseParser sets the parser used to fill HTTPError.Payload.
func WithResponseParser(p ResponseParser) HTTPOption {
	return func(f *HTTPFetcher) {
		f.parser = p
	}
}

// WithMaxBodySize caps the number of bytes read from a response.
func WithMaxBodySize(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxBodySize = n
	}
}

// WithRateLimit caps requests to the origin at perSecond with the given
// burst. Fetches wait for a token and fail if their context ends first.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(f *HTTPFetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewHTTPFetcher creates an HTTPFetcher whose transport records upstream
// fetch metrics.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "http"),
		},
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher. Any 2xx status is success.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{URL: url, Err: fmt.Errorf("waiting for rate limit: %w", err)}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("body exceeds %d bytes", f.maxBodySize)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &HTTPError{URL: url, StatusCode: resp.StatusCode, Body: body}
		if f.parser != nil {
			he.Payload = f.parser(resp, body)
		}
		return nil, he
	}

	return &Response{
		Data:       body,
		MIMEType:   mimeType(resp.Header.Get("Content-Type"), body),
		StatusCode: resp.StatusCode,
	}, nil
}

// mimeType returns the media type without parameters, sniffing the body when
// the origin sent none.
func mimeType(header string, body []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
	}
	if len(body) == 0 {
		return ""
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	return mt
}
