// Package classify probes endpoints once and labels them by status code and
// JSON shape so the crawl engine can pick a strategy per endpoint.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/apimapper/internal/endpoint"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/jsondoc"
	"github.com/JakeFAU/apimapper/internal/metrics"
)

// Kind labels the shape of an endpoint's response.
type Kind string

// Classification kinds.
const (
	Unknown       Kind = "unknown"
	Error         Kind = "error"
	NonJSON       Kind = "non_json"
	JSONObject    Kind = "json_object"
	PaginatedDRF  Kind = "paginated_drf"
	JSONArray     Kind = "json_array"
	JSONPrimitive Kind = "json_primitive"
	AuthBlocked   Kind = "auth_blocked"
)

// Kinds lists every kind in reporting order.
var Kinds = []Kind{Unknown, Error, NonJSON, JSONObject, PaginatedDRF, JSONArray, JSONPrimitive, AuthBlocked}

// Crawlable reports whether the engine fetches endpoints of this kind.
func (k Kind) Crawlable() bool {
	return k == PaginatedDRF || k == JSONObject || k == JSONArray
}

// Classification is the outcome of probing one endpoint. Status is zero when
// no response was received.
type Classification struct {
	URL         string   `json:"url"`
	Kind        Kind     `json:"classification"`
	Status      int      `json:"status"`
	SampleKeys  []string `json:"sample_keys"`
	Error       string   `json:"error,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// Fetcher issues GET requests and decodes JSON bodies. *httpclient.Client
// satisfies it.
type Fetcher interface {
	GetJSON(ctx context.Context, rawURL string) (*httpclient.Response, *jsondoc.Document, error)
}

// Classifier probes endpoints through a shared Fetcher.
type Classifier struct {
	fetcher       Fetcher
	logger        *zap.Logger
	concurrency   int
	progressEvery int
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithConcurrency bounds the number of probes in flight. It should match the
// fetcher's own slot count; extra goroutines would only queue on it.
func WithConcurrency(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithProgressEvery logs a progress line after every n completed probes.
func WithProgressEvery(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.progressEvery = n
		}
	}
}

// New returns a Classifier.
func New(fetcher Fetcher, logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		fetcher:       fetcher,
		logger:        logger,
		concurrency:   6,
		progressEvery: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify issues exactly one GET for rawURL. The returned error is non-nil
// only when the authentication circuit breaker tripped; every other failure
// is captured in the classification itself.
func (c *Classifier) Classify(ctx context.Context, rawURL string) (Classification, error) {
	result := Classification{URL: rawURL, Kind: Unknown, SampleKeys: []string{}}

	resp, doc, err := c.fetcher.GetJSON(ctx, rawURL)
	if resp != nil {
		result.Status = resp.StatusCode
	}
	if err != nil {
		if errors.Is(err, httpclient.ErrAuthBlocked) {
			result.Kind = AuthBlocked
			result.Error = "authentication required"
			metrics.ObserveClassification(string(result.Kind))
			return result, err
		}
		result.Kind = Error
		result.Error = err.Error()
		c.logger.Debug("Error classifying endpoint", zap.String("url", rawURL), zap.Error(err))
		metrics.ObserveClassification(string(result.Kind))
		return result, nil
	}

	switch {
	case resp.StatusCode >= 400:
		result.Kind = Error
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	case doc == nil:
		result.Kind = NonJSON
		result.ContentType = resp.ContentType
	default:
		classifyShape(&result, doc.Value)
	}
	metrics.ObserveClassification(string(result.Kind))
	return result, nil
}

func classifyShape(result *Classification, v jsondoc.Value) {
	switch jsondoc.KindOf(v) {
	case jsondoc.Object:
		result.SampleKeys = jsondoc.Keys(v)
		_, hasResults := jsondoc.Field(v, "results")
		_, hasNext := jsondoc.Field(v, "next")
		if hasResults && hasNext {
			result.Kind = PaginatedDRF
		} else {
			result.Kind = JSONObject
		}
	case jsondoc.Array:
		result.Kind = JSONArray
		if arr, _ := v.([]any); len(arr) > 0 && jsondoc.KindOf(arr[0]) == jsondoc.Object {
			result.SampleKeys = jsondoc.Keys(arr[0])
		}
	default:
		result.Kind = JSONPrimitive
	}
}

type probe struct {
	key string
	url string
}

type probeResult struct {
	key            string
	classification Classification
}

// ClassifyAll deduplicates urls by endpoint identity (first URL wins) and
// probes each identity once, concurrently. Results are keyed by the formatted
// identity. If the circuit breaker trips, outstanding probes are abandoned
// and the partial map is returned with httpclient.ErrAuthBlocked.
func (c *Classifier) ClassifyAll(ctx context.Context, urls []string) (map[string]Classification, error) {
	probes := dedupe(urls, c.logger)
	c.logger.Info("Classifying unique endpoints", zap.Int("endpoints", len(probes)))

	results := make(chan probeResult)
	out := make(map[string]Classification, len(probes))
	done := make(chan struct{})

	// Single writer: only this goroutine touches out.
	go func() {
		defer close(done)
		for r := range results {
			out[r.key] = r.classification
			if n := len(out); n%c.progressEvery == 0 || n == len(probes) {
				c.logger.Info("Classification progress",
					zap.Int("completed", n),
					zap.Int("total", len(probes)),
				)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, p := range probes {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			cl, err := c.Classify(gctx, p.url)
			if err != nil {
				results <- probeResult{key: p.key, classification: cl}
				return err
			}
			// A probe cut short by the breaker tripping elsewhere is not a real result.
			if cl.Kind == Error && gctx.Err() != nil && ctx.Err() == nil {
				return nil
			}
			results <- probeResult{key: p.key, classification: cl}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	<-done

	if err != nil {
		c.logger.Error("Classification stopped by auth circuit breaker",
			zap.Int("classified", len(out)),
			zap.Int("total", len(probes)),
		)
		return out, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("classify endpoints: %w", ctxErr)
	}
	return out, nil
}

func dedupe(urls []string, logger *zap.Logger) []probe {
	seen := make(map[string]struct{}, len(urls))
	probes := make([]probe, 0, len(urls))
	for _, raw := range urls {
		id, err := endpoint.IdentityOf(raw)
		if err != nil {
			logger.Debug("Skipping unparseable URL", zap.String("url", raw), zap.Error(err))
			continue
		}
		key := id.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		probes = append(probes, probe{key: key, url: raw})
	}
	return probes
}

// Summary counts classifications per kind.
func Summary(classifications map[string]Classification) map[Kind]int {
	counts := make(map[Kind]int)
	for _, cl := range classifications {
		counts[cl.Kind]++
	}
	return counts
}

// CrawlableKeys returns the identity keys of crawlable classifications in
// sorted order.
func CrawlableKeys(classifications map[string]Classification) []string {
	keys := make([]string, 0, len(classifications))
	for key, cl := range classifications {
		if cl.Kind.Crawlable() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
