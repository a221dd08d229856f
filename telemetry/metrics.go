// Package telemetry owns the OpenTelemetry instruments for remotedata and the
// nil-safe helpers the rest of the module records through. Until InitMetrics
// runs every Record and Update helper is a no-op.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/remotedata"

var (
	latencyBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	upstreamBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	diskBuckets     = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	sizeBuckets     = []float64{512, 4096, 16384, 65536, 262144, 1 << 20, 4 << 20, 16 << 20, 64 << 20}
)

// MetricsConfig selects the exporters. With neither OTLPEndpoint nor
// EnablePrometheus set, instruments still record but nothing is exported.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a host:port for OTLP over gRPC, e.g. "localhost:4317".
	OTLPEndpoint string

	// EnablePrometheus serves the registry through PrometheusHandler.
	EnablePrometheus bool

	// FlushInterval is the OTLP push interval. Defaults to 10s.
	FlushInterval time.Duration
}

// Metrics holds every instrument. Fields are grouped by the component that
// records them.
type Metrics struct {
	// server
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	// datacache
	cacheLookupsTotal   metric.Int64Counter
	cacheWriteSize      metric.Float64Histogram
	cacheEvictionsTotal metric.Int64Counter
	purgeDuration       metric.Float64Histogram

	// backend
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	// download transport
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	// download coordinator
	fetchRequestsTotal    metric.Int64Counter
	fetchCompletionsTotal metric.Int64Counter
	fetchWaitersTotal     metric.Int64Counter
	fetchActive           metric.Int64Gauge
	fetchQueued           metric.Int64Gauge

	// events
	eventsPublishedTotal metric.Int64Counter
	eventsDroppedTotal   metric.Int64Counter

	// imagecache and s3fifo
	imageDecodesTotal       metric.Int64Counter
	imageDecodeDuration     metric.Float64Histogram
	memcacheAdmissionsTotal metric.Int64Counter
	memcacheEvictionsTotal  metric.Int64Counter
	memcacheEvictionBytes   metric.Int64Counter
	memcacheBytes           metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics installs the global meter provider once per process and returns
// its shutdown function. Later calls return the first call's result.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = setup(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func setup(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "remotedata"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var prom http.Handler

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)),
		))
	}
	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(exp))
		prom = promhttp.Handler()
	}
	if len(opts) == 1 {
		// nothing exports; a manual reader keeps the pipeline valid
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewManualReader()))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = prom
	globalMetrics = m
	return nil
}

// instruments creates instruments on one meter and keeps every error.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.errs = append(b.errs, err)
	return g
}

func (b *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instruments{meter: meter}
	m := &Metrics{
		requestsTotal:      b.counter("remotedata_http_requests_total", "HTTP requests served", "{request}"),
		responseBytesTotal: b.counter("remotedata_http_response_bytes_total", "Bytes written in HTTP responses", "By"),
		requestDuration:    b.histogram("remotedata_http_request_duration_seconds", "HTTP request latency", "s", latencyBuckets),

		cacheLookupsTotal:   b.counter("remotedata_cache_lookups_total", "Content cache lookups by result", "{lookup}"),
		cacheWriteSize:      b.histogram("remotedata_cache_write_size_bytes", "Size of content stored on disk", "By", sizeBuckets),
		cacheEvictionsTotal: b.counter("remotedata_cache_evictions_total", "Disk cache removals by reason", "{entry}"),
		purgeDuration:       b.histogram("remotedata_cache_purge_duration_seconds", "Time spent purging expired content", "s", nil),

		backendRequestDuration: b.histogram("remotedata_backend_request_duration_seconds", "Storage operation latency", "s", diskBuckets),
		backendRequestsTotal:   b.counter("remotedata_backend_requests_total", "Storage operations", "{request}"),
		backendBytesTotal:      b.counter("remotedata_backend_bytes_total", "Bytes moved through storage", "By"),

		upstreamFetchDuration:   b.histogram("remotedata_upstream_fetch_duration_seconds", "Remote fetch latency", "s", upstreamBuckets),
		upstreamFetchTotal:      b.counter("remotedata_upstream_fetch_total", "Remote fetches by outcome", "{request}"),
		upstreamFetchBytesTotal: b.counter("remotedata_upstream_fetch_bytes_total", "Bytes read from remote sources", "By"),

		fetchRequestsTotal:    b.counter("remotedata_fetch_requests_total", "Coordinator requests by path taken", "{request}"),
		fetchCompletionsTotal: b.counter("remotedata_fetch_completions_total", "Transfers resolved by outcome", "{transfer}"),
		fetchWaitersTotal:     b.counter("remotedata_fetch_waiters_notified_total", "Waiter callbacks dispatched", "{callback}"),
		fetchActive:           b.gauge("remotedata_fetch_active", "Transfers in flight", "{transfer}"),
		fetchQueued:           b.gauge("remotedata_fetch_queued", "Requests waiting for a transfer slot", "{request}"),

		eventsPublishedTotal: b.counter("remotedata_events_published_total", "Events published by kind", "{event}"),
		eventsDroppedTotal:   b.counter("remotedata_events_dropped_total", "Event deliveries dropped for full subscribers", "{event}"),

		imageDecodesTotal:       b.counter("remotedata_image_decodes_total", "Image decodes by format and outcome", "{decode}"),
		imageDecodeDuration:     b.histogram("remotedata_image_decode_duration_seconds", "Image decode latency", "s", nil),
		memcacheAdmissionsTotal: b.counter("remotedata_memcache_admissions_total", "Memory cache admissions by queue", "{entry}"),
		memcacheEvictionsTotal:  b.counter("remotedata_memcache_evictions_total", "Memory cache evictions by queue", "{entry}"),
		memcacheEvictionBytes:   b.counter("remotedata_memcache_eviction_bytes_total", "Bytes released by memory cache evictions", "By"),
		memcacheBytes:           b.gauge("remotedata_memcache_bytes", "Bytes held by the memory cache", "By"),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	m := globalMetrics
	if m == nil {
		return nil
	}
	globalMetrics = nil
	return m.meterProvider.Shutdown(ctx)
}

func attrs(kv ...string) metric.MeasurementOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(set...)
}

// RecordHTTP records a finished request using the tags its handler set.
// The request key is never an attribute.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	m := globalMetrics
	if m == nil {
		return
	}

	endpoint, result := "unknown", CacheBypass
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.CacheResult != "" {
			result = tags.CacheResult
		}
	}

	opt := attrs("endpoint", endpoint, "status_class", StatusClass(status), "cache_result", string(result))
	m.requestsTotal.Add(ctx, 1, opt)
	m.responseBytesTotal.Add(ctx, bytesSent, opt)
	m.requestDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordCacheLookup counts a content cache lookup; result is one of hit,
// miss, expired or corrupt.
func RecordCacheLookup(ctx context.Context, result string) {
	if m := globalMetrics; m != nil {
		m.cacheLookupsTotal.Add(ctx, 1, attrs("result", result))
	}
}

func RecordCacheWrite(ctx context.Context, size int64) {
	if m := globalMetrics; m != nil {
		m.cacheWriteSize.Record(ctx, float64(size))
	}
}

// RecordCacheEviction counts an entry leaving the disk cache; reason is one
// of expired, removed or corrupt.
func RecordCacheEviction(ctx context.Context, reason string) {
	if m := globalMetrics; m != nil {
		m.cacheEvictionsTotal.Add(ctx, 1, attrs("reason", reason))
	}
}

func RecordPurge(ctx context.Context, duration time.Duration) {
	if m := globalMetrics; m != nil {
		m.purgeDuration.Record(ctx, duration.Seconds())
	}
}

// RecordBackendOp records one storage operation. Zero byte counts are not
// added.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("backend", backend, "op", op, "outcome", outcome)
	m.backendRequestsTotal.Add(ctx, 1, opt)
	m.backendRequestDuration.Record(ctx, duration.Seconds(), opt)
	if bytes > 0 {
		m.backendBytesTotal.Add(ctx, bytes, opt)
	}
}

// RecordUpstreamFetch records one remote fetch. Zero byte counts are not
// added.
func RecordUpstreamFetch(ctx context.Context, origin string, duration time.Duration, bytesRead int64, outcome string) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("origin", origin, "outcome", outcome)
	m.upstreamFetchDuration.Record(ctx, duration.Seconds(), opt)
	m.upstreamFetchTotal.Add(ctx, 1, opt)
	if bytesRead > 0 {
		m.upstreamFetchBytesTotal.Add(ctx, bytesRead, opt)
	}
}

// RecordFetchRequest counts a coordinator request by path: hit, probe,
// attached, queued or started.
func RecordFetchRequest(ctx context.Context, path string) {
	if m := globalMetrics; m != nil {
		m.fetchRequestsTotal.Add(ctx, 1, attrs("path", path))
	}
}

// RecordFetchCompletion records a resolved transfer and how many waiters it
// notified.
func RecordFetchCompletion(ctx context.Context, outcome string, waiters int) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("outcome", outcome)
	m.fetchCompletionsTotal.Add(ctx, 1, opt)
	m.fetchWaitersTotal.Add(ctx, int64(waiters), opt)
}

func UpdateFetchState(ctx context.Context, active, queued int) {
	m := globalMetrics
	if m == nil {
		return
	}
	m.fetchActive.Record(ctx, int64(active))
	m.fetchQueued.Record(ctx, int64(queued))
}

// RecordEvent counts a publish and the subscribers that missed it.
func RecordEvent(ctx context.Context, kind string, dropped int) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("kind", kind)
	m.eventsPublishedTotal.Add(ctx, 1, opt)
	if dropped > 0 {
		m.eventsDroppedTotal.Add(ctx, int64(dropped), opt)
	}
}

// RecordImageDecode records a decode attempt. format is empty when decoding
// failed.
func RecordImageDecode(ctx context.Context, format, outcome string, duration time.Duration) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("format", format, "outcome", outcome)
	m.imageDecodesTotal.Add(ctx, 1, opt)
	m.imageDecodeDuration.Record(ctx, duration.Seconds(), opt)
}

func RecordMemcacheAdmission(ctx context.Context, queue string) {
	if m := globalMetrics; m != nil {
		m.memcacheAdmissionsTotal.Add(ctx, 1, attrs("queue", queue))
	}
}

func RecordMemcacheEviction(ctx context.Context, queue string, bytes int64) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := attrs("queue", queue)
	m.memcacheEvictionsTotal.Add(ctx, 1, opt)
	m.memcacheEvictionBytes.Add(ctx, bytes, opt)
}

func UpdateMemcacheBytes(ctx context.Context, bytes int64) {
	if m := globalMetrics; m != nil {
		m.memcacheBytes.Record(ctx, bytes)
	}
}

// PrometheusHandler serves the Prometheus registry, or 404 when Prometheus
// export is off. It is safe to mount before InitMetrics runs.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := globalMetrics
		if m == nil || m.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		m.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass buckets an HTTP status as 2xx through 5xx.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
