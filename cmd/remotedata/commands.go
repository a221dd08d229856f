package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/server"
	"github.com/wolfeidau/remotedata/service"
	"github.com/wolfeidau/remotedata/telemetry"
)

// open builds the logger and the service from the global flags.
func (g *Globals) open(ctx context.Context, purgeInterval time.Duration) (*service.Service, *slog.Logger, func(), error) {
	logger, logCloser, err := newLogger(g.LogLevel, g.LogFormat, g.LogFile, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}

	var order download.QueueOrder
	if err := order.UnmarshalText([]byte(g.QueueOrder)); err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, err
	}

	cfg := service.DefaultConfig(g.Dir)
	cfg.ExpirationInterval = g.ExpirationInterval
	cfg.MaxActiveRequests = g.MaxActiveRequests
	cfg.QueueOrder = order
	cfg.ImageMemoryBytes = g.ImageMemory
	cfg.HTTPTimeout = g.HTTPTimeout
	cfg.UserAgent = g.UserAgent
	cfg.FetchRate = g.FetchRate
	cfg.FetchBurst = g.FetchBurst
	cfg.PurgeInterval = purgeInterval
	cfg.Logger = logger

	svc, err := service.Open(ctx, cfg)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing service", "error", err)
		}
		_ = logCloser.Close()
	}
	return svc, logger, cleanup, nil
}

// ServeCmd serves the cache over HTTP.
type ServeCmd struct {
	Address          string        `help:"Address to listen on." default:":8080" env:"REMOTEDATA_ADDRESS"`
	AuthToken        string        `help:"Bearer token required by non-public routes." env:"REMOTEDATA_AUTH_TOKEN"`
	PublicReads      bool          `help:"Leave GET routes open when a token is set." env:"REMOTEDATA_PUBLIC_READS"`
	PurgeInterval    time.Duration `help:"Run a purge this often; 0 disables." default:"1h" env:"REMOTEDATA_PURGE_INTERVAL"`
	Prometheus       bool          `help:"Expose Prometheus metrics on /metrics." env:"REMOTEDATA_PROMETHEUS"`
	OTLPEndpoint     string        `help:"OTLP gRPC endpoint for metrics export." env:"REMOTEDATA_OTLP_ENDPOINT"`
	ShutdownDeadline time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s"`
}

// Run implements the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, logger, cleanup, err := g.open(ctx, c.PurgeInterval)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Prometheus || c.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "remotedata",
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	srv := server.New(svc, server.Config{
		Address:     c.Address,
		AuthToken:   c.AuthToken,
		PublicReads: c.PublicReads,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_url", fmt.Sprintf("http://localhost%s/data?key=", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownDeadline)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// FetchCmd fetches keys into the cache.
type FetchCmd struct {
	Keys        []string      `arg:"" help:"Keys (URLs) to fetch."`
	Concurrency int           `help:"Keys requested at once." default:"8"`
	Image       bool          `help:"Decode each key as an image and print its size."`
	Timeout     time.Duration `help:"Overall deadline; 0 waits forever." default:"0"`
}

type fetchResult struct {
	key    string
	size   int
	detail string
	err    error
}

// Run implements the fetch command.
func (c *FetchCmd) Run(g *Globals) error {
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	svc, _, cleanup, err := g.open(ctx, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	results := make([]fetchResult, len(c.Keys))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(c.Concurrency, 1))
	for i, key := range c.Keys {
		eg.Go(func() error {
			results[i] = c.fetchOne(egCtx, svc, key)
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(tw, "%s\terror\t%v\n", r.key, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.key, r.err))
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.key, r.size, r.detail)
	}
	_ = tw.Flush()
	return errors.Join(errs...)
}

func (c *FetchCmd) fetchOne(ctx context.Context, svc *service.Service, key string) fetchResult {
	data, err := svc.Coordinator.Fetch(ctx, key)
	if err != nil {
		return fetchResult{key: key, err: err}
	}
	res := fetchResult{key: key, size: len(data)}
	if !c.Image {
		if rec, ok := svc.Metadata.Lookup(key); ok {
			res.detail = rec.StringField(metadata.FieldMIMEType)
		}
		return res
	}
	img, err := svc.Images.Fetch(ctx, key)
	if err != nil {
		res.err = err
		return res
	}
	res.detail = fmt.Sprintf("%s %dx%d", img.Format, img.Width, img.Height)
	return res
}

// LsCmd lists cached entries.
type LsCmd struct {
	JSON bool `help:"Print JSON instead of a table."`
}

// Run implements the ls command.
func (c *LsCmd) Run(g *Globals) error {
	ctx := context.Background()
	svc, _, cleanup, err := g.open(ctx, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	entries := svc.Data.Entries(ctx)
	if c.JSON {
		return writeJSON(os.Stdout, entries)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tWRITTEN\tTYPE\tEXPIRED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\n", e.Key, e.Size, e.Written.Format(time.RFC3339), e.MIMEType, e.Expired)
	}
	return tw.Flush()
}

// PurgeCmd removes expired entries.
type PurgeCmd struct{}

// Run implements the purge command.
func (c *PurgeCmd) Run(g *Globals) error {
	ctx := context.Background()
	svc, _, cleanup, err := g.open(ctx, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	result := svc.Purger.RunOnce(ctx)
	fmt.Printf("scanned %d, expired %d, orphans %d, freed %d bytes in %s\n",
		result.Scanned, result.Expired, result.Orphans, result.BytesFreed, result.Duration)
	return nil
}

// ClearCmd removes every entry.
type ClearCmd struct {
	Force bool `help:"Required to confirm the clear." short:"f"`
}

// Run implements the clear command.
func (c *ClearCmd) Run(g *Globals) error {
	if !c.Force {
		return errors.New("refusing to clear without --force")
	}
	ctx := context.Background()
	svc, _, cleanup, err := g.open(ctx, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	svc.Clear(ctx)
	fmt.Println("cache cleared")
	return nil
}

// StatsCmd prints cache statistics.
type StatsCmd struct{}

// Run implements the stats command.
func (c *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	svc, _, cleanup, err := g.open(ctx, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	return writeJSON(os.Stdout, svc.Stats(ctx))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
