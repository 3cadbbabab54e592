package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/classify"
	"github.com/JakeFAU/apimapper/internal/crawl"
	"github.com/JakeFAU/apimapper/internal/extract"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/publisher"
	"github.com/JakeFAU/apimapper/internal/seed"
	"github.com/JakeFAU/apimapper/internal/sink"
	"github.com/JakeFAU/apimapper/internal/telemetry"
)

// RunStats is the stats.json document. Crawl counters are present only
// when the crawl phase ran.
type RunStats struct {
	RunID                    string                `json:"run_id"`
	StartedAt                time.Time             `json:"started_at"`
	FinishedAt               time.Time             `json:"finished_at"`
	DryRun                   bool                  `json:"dry_run"`
	AuthBlocked              bool                  `json:"auth_blocked"`
	TotalEndpoints           int                   `json:"total_endpoints"`
	TotalDiscoveredEndpoints int                   `json:"total_discovered_endpoints"`
	ClassifiedCounts         map[classify.Kind]int `json:"classified_counts"`
	*crawl.Stats
}

// Result describes a finished run.
type Result struct {
	RunID     string
	OutputDir string
	Stats     RunStats
	Artifacts map[string]string
}

// Run executes one mapping pass. The stats document is written even when
// the breaker trips or ctx is canceled mid-crawl; ctx errors are still
// returned.
func (a *App) Run(ctx context.Context) (_ Result, err error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate run id: %w", err)
	}
	ctx, span := a.tracer.Start(ctx, "apimapper.run", trace.WithAttributes(
		attribute.String("apimapper.run_id", runID),
		attribute.String("apimapper.allow_host", a.cfg.Target.AllowHost),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()
	dir := a.cfg.Output.Dir
	res := Result{RunID: runID, OutputDir: dir}
	logger := a.logger.With(zap.String("run_id", runID))
	started := a.clock.Now()

	if len(a.cfg.Seeds.Files) == 0 {
		return res, fmt.Errorf("seeds.files must list at least one seed file")
	}
	if err := ensureDir(dir); err != nil {
		return res, err
	}

	stopStatus := a.startStatus(ctx)
	defer stopStatus()

	extractor := a.newExtractor()
	loader := seed.NewLoader(extractor.IsAPIURL, logger)
	endpoints, err := loader.LoadFiles(a.cfg.Seeds.Files)
	if err != nil {
		return res, err
	}
	keys := make([]string, 0, endpoints.Len())
	for _, id := range endpoints.Identities() {
		keys = append(keys, id.String())
	}
	if _, err := sink.WriteDiscovered(dir, keys); err != nil {
		return res, err
	}
	logger.Info("Endpoints discovered", zap.Int("endpoints", endpoints.Len()))

	client, err := a.newClient()
	if err != nil {
		return res, fmt.Errorf("build http client: %w", err)
	}
	classifier := classify.New(client, logger,
		classify.WithConcurrency(a.cfg.HTTP.MaxConcurrency),
		classify.WithProgressEvery(a.cfg.Crawl.ProgressEvery),
	)
	classifications, classifyErr := classifier.ClassifyAll(ctx, endpoints.URLs())
	authBlocked := errors.Is(classifyErr, httpclient.ErrAuthBlocked)
	var runErr error
	if classifyErr != nil && !authBlocked {
		runErr = classifyErr
	}
	if _, err := sink.WriteClassified(dir, classifications); err != nil {
		return res, err
	}
	summary := classify.Summary(classifications)
	logSummary(logger, summary)

	stats := RunStats{
		RunID:                    runID,
		StartedAt:                started,
		DryRun:                   a.cfg.Crawl.DryRun,
		AuthBlocked:              authBlocked,
		TotalEndpoints:           len(classifications),
		TotalDiscoveredEndpoints: endpoints.Len(),
		ClassifiedCounts:         summary,
	}

	switch {
	case runErr != nil:
		logger.Warn("Classification interrupted; skipping crawl", zap.Error(runErr))
	case authBlocked:
		logger.Error("Authentication blocked during classification; skipping crawl")
	case a.cfg.Crawl.DryRun:
		logger.Info("Dry run; skipping crawl")
	default:
		crawlStats, err := a.crawl(ctx, runID, client, classifier, extractor, classifications, logger)
		if err != nil && crawlStats == nil {
			return res, err
		}
		runErr = err
		stats.Stats = crawlStats
		stats.AuthBlocked = crawlStats.AuthBlocked
		stats.TotalEndpoints = crawlStats.TotalEndpoints()
		stats.ClassifiedCounts = classify.Summary(classifications)
		if _, err := sink.WriteClassified(dir, classifications); err != nil {
			return res, err
		}
	}

	stats.FinishedAt = a.clock.Now()
	res.Stats = stats
	if _, err := sink.WriteStats(dir, stats); err != nil {
		return res, err
	}
	logger.Info("Run finished",
		zap.Bool("dry_run", stats.DryRun),
		zap.Bool("auth_blocked", stats.AuthBlocked),
		zap.Int("total_endpoints", stats.TotalEndpoints),
		zap.Duration("elapsed", stats.FinishedAt.Sub(started)),
	)

	// Archive and announce even after cancellation so partial runs are kept.
	finishCtx := context.WithoutCancel(ctx)
	res.Artifacts = a.archive(finishCtx, runID, dir, logger)
	a.announce(finishCtx, res, runErr, logger)
	return res, runErr
}

func (a *App) crawl(
	ctx context.Context,
	runID string,
	client *httpclient.Client,
	classifier *classify.Classifier,
	extractor *extract.Extractor,
	classifications map[string]classify.Classification,
	logger *zap.Logger,
) (*crawl.Stats, error) {
	ndjson, err := sink.NewNDJSONSink(a.cfg.Output.Dir, logger)
	if err != nil {
		return nil, err
	}
	records := sink.MultiSink{ndjson}
	if a.records != nil {
		extra, err := a.records(ctx, runID)
		if err != nil {
			_ = ndjson.Close()
			return nil, fmt.Errorf("open record store: %w", err)
		}
		records = append(records, extra)
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Warn("Closing record sinks failed", zap.Error(err))
		}
	}()

	engine, err := crawl.NewEngine(crawl.Config{
		MaxURLs:       a.cfg.Crawl.MaxURLs,
		PageSize:      a.cfg.Crawl.PageSize,
		ProgressEvery: a.cfg.Crawl.ProgressEvery,
	}, client, classifier, extractor, records, logger, crawl.WithTracerProvider(a.tp))
	if err != nil {
		return nil, err
	}
	if a.status != nil {
		a.status.SetStats(func() any { return engine.Snapshot() })
	}
	stats, err := engine.Run(ctx, classifications)
	return &stats, err
}

func (a *App) archive(ctx context.Context, runID, dir string, logger *zap.Logger) map[string]string {
	if a.archiver == nil {
		return nil
	}
	uris, err := a.archiver.Archive(ctx, runID, dir)
	if err != nil {
		logger.Warn("Archiving run artifacts failed", zap.Error(err))
	}
	return uris
}

func (a *App) announce(ctx context.Context, res Result, runErr error, logger *zap.Logger) {
	if a.publisher == nil {
		return
	}
	event := publisher.RunEvent{
		RunID:          res.RunID,
		Status:         runStatus(res.Stats, runErr),
		AllowHost:      a.cfg.Target.AllowHost,
		StartedAt:      res.Stats.StartedAt,
		FinishedAt:     res.Stats.FinishedAt,
		OutputDir:      res.OutputDir,
		TotalEndpoints: res.Stats.TotalEndpoints,
		Artifacts:      res.Artifacts,
	}
	if res.Stats.Stats != nil {
		event.TotalRequests = res.Stats.TotalRequests
		event.TotalItems = res.Stats.TotalItems
		event.TotalErrors = res.Stats.TotalErrors
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	id, err := a.publisher.Publish(ctx, event)
	if err != nil {
		logger.Warn("Publishing run event failed", zap.Error(err))
		return
	}
	logger.Info("Run event published", zap.String("message_id", id))
}

func runStatus(stats RunStats, runErr error) string {
	switch {
	case runErr != nil:
		return publisher.StatusFailed
	case stats.AuthBlocked:
		return publisher.StatusAuthBlocked
	case stats.DryRun:
		return publisher.StatusDryRun
	default:
		return publisher.StatusCompleted
	}
}

func logSummary(logger *zap.Logger, summary map[classify.Kind]int) {
	fields := make([]zap.Field, 0, len(classify.Kinds))
	for _, kind := range classify.Kinds {
		if n := summary[kind]; n > 0 {
			fields = append(fields, zap.Int(string(kind), n))
		}
	}
	logger.Info("Classification summary", fields...)
}
