package telemetry

import (
	"context"
	"net/http"
)

// CacheResult is how a request was answered.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheQueued CacheResult = "queued"
	CacheBypass CacheResult = "bypass"
)

// RequestTags are filled in by handlers and read back by the logging
// middleware and RecordHTTP once the handler returns.
type RequestTags struct {
	Endpoint    string
	CacheResult CacheResult
	Key         string
}

type tagsKey struct{}

// InjectTags attaches empty tags to r. Requests that never reach a cache
// lookup keep CacheBypass.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, &RequestTags{CacheResult: CacheBypass}))
}

// GetTags returns the tags attached by InjectTags, or nil.
func GetTags(r *http.Request) *RequestTags {
	tags, _ := r.Context().Value(tagsKey{}).(*RequestTags)
	return tags
}

// SetCacheResult records how the request was answered.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetEndpoint names the route for logs and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetKey records the cache key the request addressed. It is logged but never
// used as a metric attribute.
func SetKey(r *http.Request, key string) {
	if tags := GetTags(r); tags != nil {
		tags.Key = key
	}
}

// LogAttrs returns the non-empty tags as slog key/value pairs.
func (t *RequestTags) LogAttrs() []any {
	if t == nil {
		return nil
	}
	var attrs []any
	if t.Endpoint != "" {
		attrs = append(attrs, "endpoint", t.Endpoint)
	}
	if t.CacheResult != "" {
		attrs = append(attrs, "cache_result", string(t.CacheResult))
	}
	if t.Key != "" {
		attrs = append(attrs, "key", t.Key)
	}
	return attrs
}
