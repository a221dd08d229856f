// Package server provides the HTTP front end for the remote data cache.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/remotedata"
	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/imagecache"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/service"
	"github.com/wolfeidau/remotedata/telemetry"
)

// Config configures the HTTP front end.
type Config struct {
	// Address is the listen address. Defaults to ":8080".
	Address string

	// AuthToken enables Bearer token authentication when set.
	// /health and /metrics are always open.
	AuthToken string

	// PublicReads leaves GET and HEAD routes open when AuthToken is set.
	PublicReads bool

	Logger *slog.Logger
}

// Server exposes a service.Service over HTTP.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	svc        *service.Service
}

// New creates a server over svc. The caller owns svc and closes it after
// Shutdown.
func New(svc *service.Service, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		svc:    svc,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // blocking fetches wait on the origin
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// 404 unless Prometheus export is enabled
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /data", s.handleGetData)
	mux.HandleFunc("DELETE /data", s.handleDeleteData)
	mux.HandleFunc("GET /image", s.handleGetImage)
	mux.HandleFunc("GET /entries", s.handleEntries)
	mux.HandleFunc("POST /purge", s.handlePurge)
	mux.HandleFunc("POST /clear", s.handleClear)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}

// handleGetData serves the bytes for ?key=. With wait=false a miss schedules
// the fetch and answers 202 Accepted instead of blocking.
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "data")
	key := r.URL.Query().Get("key")
	if err := remotedata.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "key parameter is required")
		return
	}

	telemetry.SetKey(r, key)

	ctx := r.Context()
	if data := s.svc.Coordinator.Request(ctx, key, nil); data != nil {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		s.writeData(w, key, data, "HIT")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	if r.URL.Query().Get("wait") == "false" {
		telemetry.SetCacheResult(r, telemetry.CacheQueued)
		s.svc.Coordinator.Request(context.WithoutCancel(ctx), key, func([]byte, error) {})
		writeJSON(w, http.StatusAccepted, map[string]string{
			"key":   key,
			"state": s.svc.Coordinator.State(key).String(),
		})
		return
	}

	data, err := s.svc.Coordinator.Fetch(ctx, key)
	if err != nil {
		s.handleFetchError(w, r, key, err)
		return
	}
	s.writeData(w, key, data, "MISS")
}

func (s *Server) writeData(w http.ResponseWriter, key string, data []byte, cacheStatus string) {
	contentType := "application/octet-stream"
	if rec, ok := s.svc.Metadata.Lookup(key); ok {
		if mt := rec.StringField(metadata.FieldMIMEType); mt != "" {
			contentType = mt
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteData(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "data")
	key := r.URL.Query().Get("key")
	if err := remotedata.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "key parameter is required")
		return
	}

	telemetry.SetKey(r, key)

	s.svc.Coordinator.Cancel(key)
	s.svc.Images.Evict(key)
	s.svc.Data.Remove(r.Context(), key)
	w.WriteHeader(http.StatusNoContent)
}

type imageResponse struct {
	Key    string `json:"key"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "image")
	key := r.URL.Query().Get("key")
	if err := remotedata.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "key parameter is required")
		return
	}

	telemetry.SetKey(r, key)

	img, err := s.svc.Images.Fetch(r.Context(), key)
	if err != nil {
		s.handleFetchError(w, r, key, err)
		return
	}
	writeJSON(w, http.StatusOK, imageResponse{
		Key:    key,
		Format: img.Format,
		Width:  img.Width,
		Height: img.Height,
	})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "entries")
	writeJSON(w, http.StatusOK, s.svc.Data.Entries(r.Context()))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "purge")
	result := s.svc.Purger.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":     result.Scanned,
		"expired":     result.Expired,
		"orphans":     result.Orphans,
		"bytes_freed": result.BytesFreed,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	s.svc.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleFetchError maps fetch and decode failures onto HTTP responses.
func (s *Server) handleFetchError(w http.ResponseWriter, r *http.Request, key string, err error) {
	var httpErr *download.HTTPError
	switch {
	case errors.Is(err, remotedata.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, imagecache.ErrUndecodable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case download.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found upstream")
	case errors.As(err, &httpErr):
		s.logger.Warn("upstream rejected fetch", "key", key, "status", httpErr.StatusCode)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, download.ErrCanceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away
		s.logger.Debug("client canceled fetch", "key", key)
	default:
		s.logger.Error("fetch failed", "key", key, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestIDHeader is echoed on every response, generated when the client
// does not send one.
const requestIDHeader = "X-Request-ID"

// loggingMiddleware writes one access log line per request and records the
// request metrics once the handler returns.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		r = telemetry.InjectTags(r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(started)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := append([]any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.written,
			"elapsed", elapsed,
			"remote", r.RemoteAddr,
			"proto", r.Proto,
		}, telemetry.GetTags(r).LogAttrs()...)
		if ua := r.UserAgent(); ua != "" {
			attrs = append(attrs, "user_agent", ua)
		}
		s.logger.Log(r.Context(), level, "request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, rec.status, rec.written, elapsed)
	})
}

// Start launches the service background work and blocks serving HTTP until
// Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.svc.Start(ctx)

	s.logger.Info("listening", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutdown requested")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Address() string { return s.config.Address }

// statusRecorder captures the status and body size. Unwrap lets
// http.ResponseController reach the underlying writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }
