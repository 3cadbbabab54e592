package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/archive"
	"github.com/JakeFAU/apimapper/internal/config"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/publisher"
	pubmemory "github.com/JakeFAU/apimapper/internal/publisher/memory"
	"github.com/JakeFAU/apimapper/internal/sink"
	"github.com/JakeFAU/apimapper/internal/storage/memory"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type countingSink struct {
	mu        sync.Mutex
	responses int
	items     int
	closed    bool
}

func (s *countingSink) WriteResponse(context.Context, sink.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses++
	return nil
}

func (s *countingSink) WriteItem(context.Context, sink.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items++
	return nil
}

func (s *countingSink) WriteError(context.Context, sink.ErrorRecord) error { return nil }

func (s *countingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/things/":
			if r.URL.Query().Get("page") == "2" {
				fmt.Fprint(w, `{"next":null,"results":[{"name":"b"}]}`)
				return
			}
			fmt.Fprint(w, `{"next":"/api/things/?page=2&page_size=100","results":[{"name":"a"}]}`)
		case "/api/me/":
			fmt.Fprintf(w, `{"id":1,"profile":%q}`, srv.URL+"/api/profile/")
		case "/api/profile/":
			fmt.Fprint(w, `[1,2]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func authServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) config.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	seeds := filepath.Join(dir, "seeds.txt")
	require.NoError(t, os.WriteFile(seeds, []byte(strings.Join([]string{
		"# captured endpoints",
		srv.URL + "/api/things/?page=1",
		srv.URL + "/api/me/",
		"https://cdn.example.com/api/assets/",
		"",
	}, "\n")), 0o600))

	return config.Config{
		Target: config.TargetConfig{AllowHost: u.Host, Origin: srv.URL, APIPrefix: "/api/"},
		HTTP: config.HTTPConfig{
			MaxConcurrency:       2,
			Timeout:              5 * time.Second,
			MaxAttempts:          1,
			AuthFailureThreshold: 10,
			BackoffBase:          time.Millisecond,
		},
		Crawl:   config.CrawlConfig{MaxURLs: 100, PageSize: 100, ProgressEvery: 100},
		Output:  config.OutputConfig{Dir: filepath.Join(dir, "out")},
		Seeds:   config.SeedsConfig{Files: []string{seeds}},
		Archive: config.ArchiveConfig{Provider: config.ArchiveNone},
	}
}

func readStats(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, sink.StatsFile))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) (*App, *pubmemory.Publisher) {
	t.Helper()
	pub := pubmemory.New()
	base := []Option{
		WithPublisher(pub),
		WithIDGenerator(fixedIDs{id: "run-1"}),
		WithClock(&steppingClock{now: time.Unix(0, 0).UTC()}),
		WithHTTPOptions(httpclient.WithPause(func(context.Context, time.Duration) error { return nil })),
	}
	a, err := New(context.Background(), cfg, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, pub
}

func TestRunMapsAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newAPIServer(t))
	blobs := memory.NewBlobStore()
	arch, err := archive.New(blobs, "runs", nil)
	require.NoError(t, err)
	extra := &countingSink{}

	a, pub := newTestApp(t, cfg,
		WithArchiver(arch),
		WithRecordStore(func(_ context.Context, runID string) (sink.RecordSink, error) {
			assert.Equal(t, "run-1", runID)
			return extra, nil
		}),
	)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)
	require.NotNil(t, res.Stats.Stats)
	assert.Equal(t, 4, res.Stats.TotalRequests)
	assert.Equal(t, 4, res.Stats.TotalItems)
	assert.Equal(t, 0, res.Stats.TotalErrors)
	assert.Equal(t, 3, res.Stats.TotalEndpoints)
	assert.Equal(t, 2, res.Stats.TotalDiscoveredEndpoints)

	discovered, err := os.ReadFile(filepath.Join(cfg.Output.Dir, sink.DiscoveredFile))
	require.NoError(t, err)
	assert.Equal(t, "/api/me/\n/api/things/?page\n", string(discovered))

	stats := readStats(t, cfg.Output.Dir)
	assert.Equal(t, "run-1", stats["run_id"])
	assert.Equal(t, false, stats["dry_run"])
	assert.InDelta(t, 4, stats["total_requests"], 0)
	counts, ok := stats["classified_counts"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 1, counts["paginated_drf"], 0)
	assert.InDelta(t, 1, counts["json_object"], 0)
	assert.InDelta(t, 1, counts["json_array"], 0)

	extra.mu.Lock()
	assert.Equal(t, 4, extra.responses)
	assert.Equal(t, 4, extra.items)
	assert.True(t, extra.closed)
	extra.mu.Unlock()

	assert.Contains(t, res.Artifacts, sink.ItemsFile)
	assert.Contains(t, blobs.Paths(), "runs/run-1/stats.json")

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, publisher.StatusCompleted, events[0].Status)
	assert.Equal(t, 4, events[0].TotalRequests)
	assert.True(t, events[0].FinishedAt.After(events[0].StartedAt))
}

func TestRunDryRunSkipsCrawl(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newAPIServer(t))
	cfg.Crawl.DryRun = true
	a, pub := newTestApp(t, cfg)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Stats.Stats)
	assert.Equal(t, 2, res.Stats.TotalEndpoints)

	stats := readStats(t, cfg.Output.Dir)
	assert.Equal(t, true, stats["dry_run"])
	assert.NotContains(t, stats, "total_requests")
	assert.NoFileExists(t, filepath.Join(cfg.Output.Dir, sink.ResponsesFile))
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, sink.ClassifiedFile))

	require.Len(t, pub.Events(), 1)
	assert.Equal(t, publisher.StatusDryRun, pub.Events()[0].Status)
}

func TestRunAuthBlockedDuringClassification(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, authServer(t))
	cfg.HTTP.MaxConcurrency = 1
	cfg.HTTP.AuthFailureThreshold = 1
	a, pub := newTestApp(t, cfg)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stats.AuthBlocked)
	assert.Nil(t, res.Stats.Stats)

	stats := readStats(t, cfg.Output.Dir)
	assert.Equal(t, true, stats["auth_blocked"])
	assert.NoFileExists(t, filepath.Join(cfg.Output.Dir, sink.ResponsesFile))
	assert.Equal(t, publisher.StatusAuthBlocked, pub.Events()[0].Status)
}

func TestRunCanceledStillWritesStats(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newAPIServer(t))
	a, pub := newTestApp(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, sink.StatsFile))
	assert.Equal(t, publisher.StatusFailed, pub.Events()[0].Status)
}

func TestRunRequiresSeeds(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newAPIServer(t))
	cfg.Seeds.Files = nil
	a, _ := newTestApp(t, cfg)
	_, err := a.Run(context.Background())
	require.ErrorContains(t, err, "seeds.files")
}

func TestNewBuildsLocalArchiver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newAPIServer(t))
	cfg.Archive = config.ArchiveConfig{
		Provider: config.ArchiveLocal,
		Prefix:   "runs",
		Local:    config.LocalArchiveConfig{BaseDir: filepath.Join(t.TempDir(), "archive")},
	}
	a, _ := newTestApp(t, cfg)
	require.NotNil(t, a.archiver)
	require.Nil(t, a.records)

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.Archive.Local.BaseDir, "runs", "run-1", sink.StatsFile))
}

func TestRunTracesEveryRequest(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	a, _ := newTestApp(t, testConfig(t, newAPIServer(t)), WithTracerProvider(tp))

	_, err := a.Run(context.Background())
	require.NoError(t, err)

	spans := exp.GetSpans()
	var run tracetest.SpanStub
	names := map[string]int{}
	for _, s := range spans {
		names[s.Name]++
		if s.Name == "apimapper.run" {
			run = s
		}
	}
	require.Equal(t, 1, names["apimapper.run"])
	assert.Equal(t, 1, names["crawl.drain"])
	assert.Equal(t, 2, names["crawl.fetch_once"])
	assert.Positive(t, names["httpclient.Get"])
	assert.False(t, run.Parent.IsValid(), "the run span is the root")
	for _, s := range spans {
		assert.Equal(t, run.SpanContext.TraceID(), s.SpanContext.TraceID(), "span %s joins the run trace", s.Name)
	}
}
