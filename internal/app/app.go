// Package app assembles the mapper from configuration and runs one mapping
// pass: load seeds, classify every endpoint, crawl, then persist, archive
// and announce the results.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/archive"
	"github.com/JakeFAU/apimapper/internal/clock/system"
	"github.com/JakeFAU/apimapper/internal/config"
	"github.com/JakeFAU/apimapper/internal/extract"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/id/uuid"
	"github.com/JakeFAU/apimapper/internal/publisher"
	pspublisher "github.com/JakeFAU/apimapper/internal/publisher/pubsub"
	"github.com/JakeFAU/apimapper/internal/server"
	"github.com/JakeFAU/apimapper/internal/sink"
	"github.com/JakeFAU/apimapper/internal/storage/gcs"
	"github.com/JakeFAU/apimapper/internal/storage/local"
	"github.com/JakeFAU/apimapper/internal/storage/postgres"
	"github.com/JakeFAU/apimapper/internal/telemetry"
)

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator supplies run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Archiver uploads a finished run's output directory.
type Archiver interface {
	Archive(ctx context.Context, runID, dir string) (map[string]string, error)
}

// RecordStoreFactory opens an additional record sink for one run.
type RecordStoreFactory func(ctx context.Context, runID string) (sink.RecordSink, error)

// App holds the long-lived collaborators of a mapping run.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     Clock
	ids       IDGenerator
	archiver  Archiver
	publisher publisher.Publisher
	records   RecordStoreFactory
	status    *server.Server
	httpOpts  []httpclient.Option
	tp        trace.TracerProvider
	tracer    trace.Tracer

	closers []func() error
}

// Option customizes an App.
type Option func(*App)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(a *App) { a.clock = c } }

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g IDGenerator) Option { return func(a *App) { a.ids = g } }

// WithArchiver replaces the archiver built from archive.provider.
func WithArchiver(ar Archiver) Option { return func(a *App) { a.archiver = ar } }

// WithPublisher replaces the publisher built from the pubsub section.
func WithPublisher(p publisher.Publisher) Option { return func(a *App) { a.publisher = p } }

// WithRecordStore replaces the Postgres record store factory.
func WithRecordStore(f RecordStoreFactory) Option { return func(a *App) { a.records = f } }

// WithHTTPOptions passes options to the HTTP client of every run.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(a *App) { a.httpOpts = append(a.httpOpts, opts...) }
}

// WithTracerProvider replaces the provider installed from the tracing
// section.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(a *App) { a.tp = tp } }

// New builds an App, connecting to the archive and notification backends
// named in cfg. Options take precedence over configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.tp == nil && cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.Background())
		})
		a.tp = tp
	}
	a.tracer = telemetry.Tracer(a.tp)

	if a.archiver == nil {
		if err := a.setupArchiver(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if a.publisher == nil {
		if err := a.setupPublisher(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if a.records == nil && cfg.Postgres.DSN != "" {
		a.records = a.openPostgres
	}
	if cfg.Metrics.Addr != "" {
		a.status = server.New(logger)
	}
	return a, nil
}

func (a *App) setupArchiver(ctx context.Context) error {
	var store archive.BlobStore
	switch a.cfg.Archive.Provider {
	case config.ArchiveLocal:
		ls, err := local.New(local.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		store = ls
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		gs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.GCS.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		store = gs
	default:
		return nil
	}
	arch, err := archive.New(store, a.cfg.Archive.Prefix, a.logger)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}
	a.archiver = arch
	a.logger.Info("archive enabled", zap.String("provider", a.cfg.Archive.Provider))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		return nil
	}
	client, err := pubsubv2.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pspublisher.New(client.Publisher(a.cfg.PubSub.Topic))
	a.closers = append(a.closers, func() error {
		pub.Stop()
		return client.Close()
	})
	a.publisher = pub
	a.logger.Info("run notifications enabled", zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) openPostgres(ctx context.Context, runID string) (sink.RecordSink, error) {
	store, err := postgres.NewRecordStore(ctx, postgres.Config{
		DSN:         a.cfg.Postgres.DSN,
		TablePrefix: a.cfg.Postgres.TablePrefix,
		RunID:       runID,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Close releases backend clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// startStatus serves the status routes until the returned stop func runs.
func (a *App) startStatus(ctx context.Context) (stop func()) {
	if a.status == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.status.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
	a.status.SetReady(true)
	return func() {
		a.status.SetReady(false)
		cancel()
		wg.Wait()
	}
}

func (a *App) newClient() (*httpclient.Client, error) {
	return httpclient.New(httpclient.Config{
		AllowHost:            a.cfg.Target.AllowHost,
		MinInterval:          a.cfg.MinInterval(),
		MaxConcurrency:       a.cfg.HTTP.MaxConcurrency,
		Timeout:              a.cfg.HTTP.Timeout,
		MaxAttempts:          a.cfg.HTTP.MaxAttempts,
		AuthFailureThreshold: a.cfg.HTTP.AuthFailureThreshold,
		BackoffBase:          a.cfg.HTTP.BackoffBase,
		UserAgent:            a.cfg.HTTP.UserAgent,
		Headers:              a.cfg.HTTP.Headers,
	}, a.logger, append([]httpclient.Option{httpclient.WithTracerProvider(a.tp)}, a.httpOpts...)...)
}

func (a *App) newExtractor() *extract.Extractor {
	return extract.New(a.cfg.Target.AllowHost, a.cfg.Target.APIPrefix, a.cfg.Target.Origin)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}
