// Package crawl drives the breadth-first traversal of an API: it owns the
// frontier and statistics, picks a strategy per endpoint classification and
// persists every response, item and error it encounters.
package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/classify"
	"github.com/JakeFAU/apimapper/internal/endpoint"
	"github.com/JakeFAU/apimapper/internal/extract"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/jsondoc"
	"github.com/JakeFAU/apimapper/internal/metrics"
	"github.com/JakeFAU/apimapper/internal/sink"
	"github.com/JakeFAU/apimapper/internal/telemetry"
)

// ListPageKind tags responses that are pages of a drained collection.
const ListPageKind = "list_page"

// Config tunes the engine.
type Config struct {
	MaxURLs       int
	PageSize      int
	ProgressEvery int
}

// Classifier labels endpoints not seen during the initial classification.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (classify.Classification, error)
}

// Engine processes the frontier sequentially, one URL to completion
// (including a full pagination drain) before the next.
type Engine struct {
	cfg        Config
	fetcher    classify.Fetcher
	classifier Classifier
	extractor  *extract.Extractor
	sink       sink.RecordSink
	logger     *zap.Logger
	tracer     trace.Tracer

	frontier *Frontier
	drained  map[string]struct{}

	mu    sync.RWMutex
	stats Stats
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTracerProvider sets the provider for per-endpoint spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = telemetry.Tracer(tp)
	}
}

// NewEngine wires an engine. The fetcher and classifier should share one
// httpclient.Client so slots and spacing stay global.
func NewEngine(
	cfg Config,
	fetcher classify.Fetcher,
	classifier Classifier,
	extractor *extract.Extractor,
	records sink.RecordSink,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if fetcher == nil || classifier == nil || extractor == nil || records == nil {
		return nil, fmt.Errorf("crawl engine requires fetcher, classifier, extractor and sink")
	}
	if cfg.MaxURLs <= 0 {
		return nil, fmt.Errorf("crawl.max_urls must be > 0")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		fetcher:    fetcher,
		classifier: classifier,
		extractor:  extractor,
		sink:       records,
		logger:     logger,
		tracer:     telemetry.Tracer(nil),
		frontier:   NewFrontier(cfg.MaxURLs),
		drained:    make(map[string]struct{}),
		stats:      newStats(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Snapshot returns a copy of the current statistics. It is safe to call
// while Run is in progress.
func (e *Engine) Snapshot() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats.clone()
}

// Run crawls until the frontier empties, the URL ceiling is reached, the
// auth circuit breaker trips or ctx ends. classifications is extended in
// place with endpoints classified on the fly. Tripping the breaker is not an
// error: it is reported through Stats.AuthBlocked.
func (e *Engine) Run(ctx context.Context, classifications map[string]classify.Classification) (Stats, error) {
	for _, key := range classify.CrawlableKeys(classifications) {
		e.frontier.Enqueue(classifications[key].URL)
	}
	e.logger.Info("Starting crawl", zap.Int("seed_urls", e.frontier.Len()))

	var runErr error
	processed := 0
	for processed < e.cfg.MaxURLs {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("crawl interrupted: %w", err)
			break
		}
		next, ok := e.frontier.Pop()
		if !ok {
			break
		}
		processed++

		err := e.process(ctx, next, classifications)
		if httpclient.OutcomeOf(err) == httpclient.FatalAbort {
			e.logger.Error("Crawl stopped due to authentication failures", zap.String("url", next))
			e.mu.Lock()
			e.stats.AuthBlocked = true
			e.mu.Unlock()
			break
		}

		if processed%e.cfg.ProgressEvery == 0 {
			snap := e.Snapshot()
			e.logger.Info("Crawl progress",
				zap.Int("processed", processed),
				zap.Int("queue", e.frontier.Len()),
				zap.Int("items", snap.TotalItems),
				zap.Int("errors", snap.TotalErrors),
			)
		}
	}

	if e.frontier.Full() {
		e.logger.Info("URL ceiling reached", zap.Int("max_urls", e.cfg.MaxURLs))
	}
	final := e.Snapshot()
	e.logger.Info("Crawl complete",
		zap.Int("processed", processed),
		zap.Int("requests", final.TotalRequests),
		zap.Int("items", final.TotalItems),
		zap.Int("errors", final.TotalErrors),
		zap.Bool("auth_blocked", final.AuthBlocked),
	)
	return final, runErr
}

// process handles one popped URL. The only error it returns is the
// circuit-breaker signal.
func (e *Engine) process(ctx context.Context, rawURL string, classifications map[string]classify.Classification) error {
	if _, done := e.drained[rawURL]; done {
		return nil
	}
	id, err := endpoint.IdentityOf(rawURL)
	if err != nil {
		e.logger.Debug("Skipping unparseable URL", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	key := id.String()

	cl, known := classifications[key]
	if !known {
		cl, err = e.classifier.Classify(ctx, rawURL)
		classifications[key] = cl
		if err != nil {
			return err
		}
		e.logger.Debug("Classified endpoint on the fly",
			zap.String("endpoint", key),
			zap.String("classification", string(cl.Kind)),
		)
	}

	switch cl.Kind {
	case classify.PaginatedDRF:
		return e.drain(ctx, rawURL, id)
	case classify.JSONObject, classify.JSONArray:
		return e.fetchOnce(ctx, rawURL, id, cl.Kind)
	default:
		return nil
	}
}

// drain follows a collection's next chain from its first page until a page
// has no next link or a request fails. Pages are not frontier entries, so
// the URL ceiling does not cut a drain short. Pages already fetched by an
// earlier drain are never fetched again.
func (e *Engine) drain(ctx context.Context, rawURL string, id endpoint.Identity) (err error) {
	key := id.String()
	ctx, span := e.tracer.Start(ctx, "crawl.drain", trace.WithAttributes(
		attribute.String("apimapper.endpoint", key),
	))
	pages := 0
	defer func() {
		span.SetAttributes(attribute.Int("apimapper.pages", pages))
		telemetry.RecordError(span, err)
		span.End()
	}()

	current := rawURL
	if id.HasQueryKey("page") || id.HasQueryKey("page_size") {
		first, err := FirstPageURL(rawURL, e.cfg.PageSize)
		if err != nil {
			e.recordException(ctx, rawURL, key, err)
			return nil
		}
		current = first
	}

	for page := 0; current != ""; page++ {
		canonical, err := endpoint.Canonicalize(current)
		if err != nil {
			e.recordException(ctx, current, key, err)
			return nil
		}
		if _, done := e.drained[canonical]; done {
			return nil
		}
		e.drained[canonical] = struct{}{}

		resp, doc, err := e.fetcher.GetJSON(ctx, current)
		if err != nil {
			if httpclient.OutcomeOf(err) == httpclient.FatalAbort {
				e.logger.Error("Auth blocked while draining", zap.String("endpoint", key))
				return err
			}
			e.recordException(ctx, current, key, err)
			return nil
		}
		e.countRequest(key)
		if resp.StatusCode >= 400 {
			e.recordHTTPError(ctx, current, key, resp.StatusCode)
			return nil
		}
		pages++

		pageIndex := page
		e.persist(e.sink.WriteResponse(ctx, sink.ResponseRecord{
			EndpointKey: key,
			URL:         current,
			Kind:        ListPageKind,
			Page:        &pageIndex,
			Status:      resp.StatusCode,
			Body:        body(doc),
		}))
		if doc == nil || doc.Kind() != jsondoc.Object {
			return nil
		}

		results, _ := jsondoc.Field(doc.Value, "results")
		items, _ := results.([]any)
		for _, item := range items {
			e.persist(e.sink.WriteItem(ctx, sink.ItemRecord{
				SourceEndpoint: key,
				SourcePageURL:  current,
				Item:           item,
			}))
			e.countItem(key)
			e.enqueueAll(e.extractor.FromItem(item, id.Path))
		}
		e.enqueueAll(e.extractor.Links(doc.Value))

		nextRaw, _ := jsondoc.Field(doc.Value, "next")
		next, _ := nextRaw.(string)
		if next == "" {
			return nil
		}
		resolved, err := resolve(current, next)
		if err != nil {
			e.recordException(ctx, next, key, err)
			return nil
		}
		current = resolved
	}
	return nil
}

// fetchOnce fetches a non-paginated endpoint a single time.
func (e *Engine) fetchOnce(ctx context.Context, rawURL string, id endpoint.Identity, kind classify.Kind) (err error) {
	key := id.String()
	ctx, span := e.tracer.Start(ctx, "crawl.fetch_once", trace.WithAttributes(
		attribute.String("apimapper.endpoint", key),
		attribute.String("apimapper.classification", string(kind)),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	resp, doc, err := e.fetcher.GetJSON(ctx, rawURL)
	if err != nil {
		if httpclient.OutcomeOf(err) == httpclient.FatalAbort {
			e.logger.Error("Auth blocked while fetching", zap.String("endpoint", key))
			return err
		}
		e.recordException(ctx, rawURL, key, err)
		return nil
	}
	e.countRequest(key)
	if resp.StatusCode >= 400 {
		e.recordHTTPError(ctx, rawURL, key, resp.StatusCode)
		return nil
	}

	e.persist(e.sink.WriteResponse(ctx, sink.ResponseRecord{
		EndpointKey: key,
		URL:         rawURL,
		Kind:        string(kind),
		Status:      resp.StatusCode,
		Body:        body(doc),
	}))
	if doc == nil {
		return nil
	}
	if arr, ok := doc.Value.([]any); ok && kind == classify.JSONArray {
		for _, item := range arr {
			e.persist(e.sink.WriteItem(ctx, sink.ItemRecord{
				SourceEndpoint: key,
				SourceURL:      rawURL,
				Item:           item,
			}))
			e.countItem(key)
		}
	}
	e.enqueueAll(e.extractor.Links(doc.Value))
	return nil
}

func (e *Engine) enqueueAll(urls []string) {
	for _, u := range urls {
		if e.frontier.Enqueue(u) {
			e.logger.Debug("Enqueued URL", zap.String("url", u))
		}
	}
}

func (e *Engine) countRequest(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalRequests++
	c := e.stats.Endpoints[key]
	c.Requests++
	e.stats.Endpoints[key] = c
}

func (e *Engine) countItem(key string) {
	e.mu.Lock()
	e.stats.TotalItems++
	c := e.stats.Endpoints[key]
	c.Items++
	e.stats.Endpoints[key] = c
	e.mu.Unlock()
	metrics.AddItems(1)
}

func (e *Engine) recordHTTPError(ctx context.Context, rawURL, key string, status int) {
	e.recordError(ctx, sink.ErrorRecord{
		URL:         rawURL,
		EndpointKey: key,
		Status:      status,
		ErrorType:   sink.ErrorTypeHTTP,
	})
}

func (e *Engine) recordException(ctx context.Context, rawURL, key string, err error) {
	e.logger.Debug("Error crawling URL", zap.String("url", rawURL), zap.Error(err))
	e.recordError(ctx, sink.ErrorRecord{
		URL:         rawURL,
		EndpointKey: key,
		ErrorType:   sink.ErrorTypeException,
		Error:       err.Error(),
	})
}

func (e *Engine) recordError(ctx context.Context, rec sink.ErrorRecord) {
	e.persist(e.sink.WriteError(ctx, rec))
	e.mu.Lock()
	e.stats.TotalErrors++
	e.mu.Unlock()
	metrics.ObserveCrawlError(rec.ErrorType)
}

// persist logs and counts a failed write. Sink failures never stop a crawl.
func (e *Engine) persist(err error) {
	if err == nil {
		return
	}
	e.logger.Warn("Failed to persist record", zap.Error(err))
	e.mu.Lock()
	e.stats.SinkFailures++
	e.mu.Unlock()
}

func body(doc *jsondoc.Document) []byte {
	if doc == nil {
		return nil
	}
	return doc.Raw
}

// FirstPageURL rewrites rawURL to request page 1 with a page size of at
// least floor, keeping a larger page_size already present.
func FirstPageURL(rawURL string, floor int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	size := floor
	if existing, err := strconv.Atoi(q.Get("page_size")); err == nil && existing > size {
		size = existing
	}
	q.Set("page", "1")
	q.Set("page_size", strconv.Itoa(size))
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
