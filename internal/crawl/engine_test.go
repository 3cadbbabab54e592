package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/classify"
	"github.com/JakeFAU/apimapper/internal/extract"
	"github.com/JakeFAU/apimapper/internal/httpclient"
	"github.com/JakeFAU/apimapper/internal/jsondoc"
	"github.com/JakeFAU/apimapper/internal/sink"
)

const testOrigin = "https://app.example.com"

type fakeRoute struct {
	status int
	body   string
	err    error
}

type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  []string
}

func (f *fakeFetcher) GetJSON(_ context.Context, rawURL string) (*httpclient.Response, *jsondoc.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	route, ok := f.routes[rawURL]
	f.mu.Unlock()
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: `{"detail":"not found"}`}
	}
	if route.err != nil {
		return nil, nil, route.err
	}
	resp := &httpclient.Response{URL: rawURL, StatusCode: route.status, Body: []byte(route.body)}
	doc, err := jsondoc.Decode(resp.Body)
	if err != nil {
		doc = nil
	}
	return resp, doc, nil
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == rawURL {
			n++
		}
	}
	return n
}

type memorySink struct {
	mu        sync.Mutex
	responses []sink.ResponseRecord
	items     []sink.ItemRecord
	errs      []sink.ErrorRecord
	fail      error
}

func (m *memorySink) WriteResponse(_ context.Context, rec sink.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, rec)
	return m.fail
}

func (m *memorySink) WriteItem(_ context.Context, rec sink.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, rec)
	return m.fail
}

func (m *memorySink) WriteError(_ context.Context, rec sink.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, rec)
	return m.fail
}

func (m *memorySink) Close() error { return nil }

func newTestEngine(t *testing.T, fetcher classify.Fetcher, records sink.RecordSink, cfg Config) *Engine {
	t.Helper()
	if cfg.MaxURLs == 0 {
		cfg.MaxURLs = 100
	}
	e, err := NewEngine(cfg,
		fetcher,
		classify.New(fetcher, zap.NewNop()),
		extract.New("app.example.com", "/api/", testOrigin),
		records,
		zap.NewNop(),
	)
	require.NoError(t, err)
	return e
}

func pageBody(next string, ids ...string) string {
	nextJSON := "null"
	if next != "" {
		nextJSON = fmt.Sprintf("%q", next)
	}
	results := ""
	for i, id := range ids {
		if i > 0 {
			results += ","
		}
		results += fmt.Sprintf(`{"name":%q}`, id)
	}
	return fmt.Sprintf(`{"count":6,"next":%s,"previous":null,"results":[%s]}`, nextJSON, results)
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(Config{MaxURLs: 1}, nil, nil, nil, nil, nil)
	require.Error(t, err)

	f := &fakeFetcher{}
	_, err = NewEngine(Config{}, f, classify.New(f, nil), extract.New("h", "", testOrigin), &memorySink{}, nil)
	require.ErrorContains(t, err, "crawl.max_urls")
}

func TestDrainFollowsNextChain(t *testing.T) {
	t.Parallel()
	base := testOrigin + "/api/items/"
	f := &fakeFetcher{routes: map[string]fakeRoute{
		base:             {status: 200, body: pageBody(base+"?page=2", "a", "b")},
		base + "?page=2": {status: 200, body: pageBody(base+"?page=3", "c", "d")},
		base + "?page=3": {status: 200, body: pageBody("", "e", "f")},
	}}
	records := &memorySink{}
	e := newTestEngine(t, f, records, Config{})

	stats, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/items/": {URL: base, Kind: classify.PaginatedDRF},
	})
	require.NoError(t, err)

	require.Len(t, records.responses, 3)
	for i, rec := range records.responses {
		require.NotNil(t, rec.Page)
		assert.Equal(t, i, *rec.Page)
		assert.Equal(t, ListPageKind, rec.Kind)
		assert.Equal(t, "/api/items/", rec.EndpointKey)
	}
	require.Len(t, records.items, 6)
	assert.Equal(t, base+"?page=3", records.items[5].SourcePageURL)
	assert.Empty(t, records.items[0].SourceURL)
	assert.Empty(t, records.errs)

	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 6, stats.TotalItems)
	assert.Equal(t, EndpointCounts{Requests: 3, Items: 6}, stats.Endpoints["/api/items/"])
	assert.Equal(t, 1, stats.TotalEndpoints())
	for _, u := range []string{base, base + "?page=2", base + "?page=3"} {
		assert.Equal(t, 1, f.callCount(u), "page %s fetched exactly once", u)
	}
}

func TestDrainRewritesFirstPage(t *testing.T) {
	t.Parallel()
	first := testOrigin + "/api/courses/?page=1&page_size=250"
	f := &fakeFetcher{routes: map[string]fakeRoute{
		first: {status: 200, body: pageBody("", "x")},
	}}
	records := &memorySink{}
	e := newTestEngine(t, f, records, Config{PageSize: 100})

	_, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/courses/?page,page_size": {URL: testOrigin + "/api/courses/?page=4&page_size=250", Kind: classify.PaginatedDRF},
	})
	require.NoError(t, err)
	require.Len(t, records.responses, 1)
	assert.Equal(t, first, records.responses[0].URL)
}

func TestFirstPageURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://h/api/x/?page=3", want: "https://h/api/x/?page=1&page_size=100"},
		{in: "https://h/api/x/?page_size=20&q=a", want: "https://h/api/x/?page=1&page_size=100&q=a"},
		{in: "https://h/api/x/?page_size=500", want: "https://h/api/x/?page=1&page_size=500"},
		{in: "https://h/api/x/?page_size=abc", want: "https://h/api/x/?page=1&page_size=100"},
	}
	for _, tt := range tests {
		got, err := FirstPageURL(tt.in, 100)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestItemsExpandToDetailURLs(t *testing.T) {
	t.Parallel()
	base := testOrigin + "/api/v2/courses/"
	id := "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	detail := base + id + "/"
	f := &fakeFetcher{routes: map[string]fakeRoute{
		base:   {status: 200, body: fmt.Sprintf(`{"next":null,"results":[{"id":%q}]}`, id)},
		detail: {status: 200, body: `{"id":"x","school":"https://app.example.com/api/v2/schools/1/"}`},
		testOrigin + "/api/v2/schools/1/": {status: 200, body: `[{"a":1},{"a":2}]`},
	}}
	records := &memorySink{}
	e := newTestEngine(t, f, records, Config{})

	classifications := map[string]classify.Classification{
		"/api/v2/courses/": {URL: base, Kind: classify.PaginatedDRF},
	}
	stats, err := e.Run(context.Background(), classifications)
	require.NoError(t, err)

	// detail and school endpoints were classified on the fly, then fetched.
	assert.Equal(t, classify.JSONObject, classifications["/api/v2/courses/"+id+"/"].Kind)
	assert.Equal(t, classify.JSONArray, classifications["/api/v2/schools/1/"].Kind)
	assert.Equal(t, 2, f.callCount(detail))

	require.Len(t, records.responses, 3)
	assert.Equal(t, "json_object", records.responses[1].Kind)
	assert.Nil(t, records.responses[1].Page)
	assert.Equal(t, "json_array", records.responses[2].Kind)

	require.Len(t, records.items, 3)
	assert.Equal(t, testOrigin+"/api/v2/schools/1/", records.items[1].SourceURL)
	assert.Equal(t, 3, stats.TotalItems)
}

func TestErrorsAreRecordedNotFatal(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{routes: map[string]fakeRoute{
		testOrigin + "/api/a/": {status: 500, body: `oops`},
		testOrigin + "/api/b/": {err: errors.New("connection reset")},
		testOrigin + "/api/c/": {status: 200, body: `{"ok":true}`},
	}}
	records := &memorySink{}
	e := newTestEngine(t, f, records, Config{})

	stats, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/a/": {URL: testOrigin + "/api/a/", Kind: classify.JSONObject},
		"/api/b/": {URL: testOrigin + "/api/b/", Kind: classify.PaginatedDRF},
		"/api/c/": {URL: testOrigin + "/api/c/", Kind: classify.JSONObject},
		"/api/d/": {URL: testOrigin + "/api/d/", Kind: classify.NonJSON},
	})
	require.NoError(t, err)

	require.Len(t, records.errs, 2)
	assert.Equal(t, sink.ErrorRecord{URL: testOrigin + "/api/a/", EndpointKey: "/api/a/", Status: 500, ErrorType: sink.ErrorTypeHTTP}, records.errs[0])
	assert.Equal(t, sink.ErrorTypeException, records.errs[1].ErrorType)
	assert.Equal(t, "connection reset", records.errs[1].Error)
	require.Len(t, records.responses, 1)

	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 2, stats.TotalRequests, "transport failures are not counted as requests")
	assert.False(t, stats.AuthBlocked)
	assert.Zero(t, f.callCount(testOrigin+"/api/d/"), "non-crawlable kinds are skipped")
}

func TestSinkFailuresDoNotStopCrawl(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{routes: map[string]fakeRoute{
		testOrigin + "/api/a/": {status: 200, body: `[1,2]`},
	}}
	records := &memorySink{fail: errors.New("disk full")}
	e := newTestEngine(t, f, records, Config{})

	stats, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/a/": {URL: testOrigin + "/api/a/", Kind: classify.JSONArray},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, 3, stats.SinkFailures)
}

func TestVisitedCeilingIsExact(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{routes: map[string]fakeRoute{}}
	classifications := map[string]classify.Classification{}
	for _, p := range []string{"a", "b", "c"} {
		u := testOrigin + "/api/" + p + "/"
		f.routes[u] = fakeRoute{status: 200, body: `{}`}
		classifications["/api/"+p+"/"] = classify.Classification{URL: u, Kind: classify.JSONObject}
	}
	e := newTestEngine(t, f, &memorySink{}, Config{MaxURLs: 2})

	stats, err := e.Run(context.Background(), classifications)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Zero(t, f.callCount(testOrigin+"/api/c/"))
}

func TestFrontier(t *testing.T) {
	t.Parallel()
	fr := NewFrontier(2)
	assert.True(t, fr.Enqueue("HTTPS://App.Example.com/api/a/?y=2&x=1#frag"))
	assert.False(t, fr.Enqueue("https://app.example.com/api/a/?x=1&y=2"), "dedup by canonical form")
	assert.True(t, fr.Enqueue("https://app.example.com/api/a/?x=9&y=2"), "different values are distinct entries")
	assert.False(t, fr.Enqueue("https://app.example.com/api/b/"), "ceiling reached")
	assert.False(t, fr.Enqueue("http://%zz"))
	assert.True(t, fr.Full())
	assert.Equal(t, 2, fr.Visited())

	head, ok := fr.Pop()
	require.True(t, ok)
	assert.Equal(t, "https://app.example.com/api/a/?x=1&y=2", head)
	_, ok = fr.Pop()
	require.True(t, ok)
	_, ok = fr.Pop()
	assert.False(t, ok)
	assert.False(t, fr.Enqueue("https://app.example.com/api/a/?x=1&y=2"), "popped URLs stay visited")
}

func TestAuthBlockStopsCrawl(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := httpclient.New(httpclient.Config{AllowHost: u.Host, AuthFailureThreshold: 2}, zap.NewNop(),
		httpclient.WithPause(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	records := &memorySink{}
	e, err := NewEngine(Config{MaxURLs: 10}, client, classify.New(client, nil),
		extract.New(u.Host, "/api/", srv.URL), records, zap.NewNop())
	require.NoError(t, err)

	classifications := map[string]classify.Classification{}
	for _, p := range []string{"a", "b", "c", "d"} {
		classifications["/api/"+p+"/"] = classify.Classification{URL: srv.URL + "/api/" + p + "/", Kind: classify.JSONObject}
	}
	stats, err := e.Run(context.Background(), classifications)
	require.NoError(t, err, "the run completes even when the breaker trips")
	assert.True(t, stats.AuthBlocked)
	assert.True(t, e.Snapshot().AuthBlocked)
	assert.Equal(t, int32(2), hits.Load())
	require.Len(t, records.errs, 1, "the first 401 is an ordinary http error")
	assert.Equal(t, 401, records.errs[0].Status)
}

func TestRunAgainstServer(t *testing.T) {
	t.Parallel()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch {
		case r.URL.Path == "/api/items/" && page == "":
			_, _ = fmt.Fprint(w, pageBody(srv.URL+"/api/items/?page=2", "a", "b"))
		case r.URL.Path == "/api/items/" && page == "2":
			_, _ = fmt.Fprint(w, pageBody("/api/items/?page=3", "c", "d"))
		case r.URL.Path == "/api/items/" && page == "3":
			_, _ = fmt.Fprint(w, pageBody("", "e", "f"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := httpclient.New(httpclient.Config{AllowHost: u.Host}, zap.NewNop())
	require.NoError(t, err)
	classifier := classify.New(client, zap.NewNop())
	classifications, err := classifier.ClassifyAll(context.Background(), []string{srv.URL + "/api/items/"})
	require.NoError(t, err)

	records := &memorySink{}
	e, err := NewEngine(Config{MaxURLs: 100}, client, classifier, extract.New(u.Host, "/api/", srv.URL), records, zap.NewNop())
	require.NoError(t, err)
	stats, err := e.Run(context.Background(), classifications)
	require.NoError(t, err)

	assert.Len(t, records.responses, 3)
	assert.Len(t, records.items, 6)
	assert.Equal(t, srv.URL+"/api/items/?page=3", records.responses[2].URL, "relative next links resolve against the page URL")
	assert.Equal(t, 3, stats.TotalRequests)
}

func TestRunHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{routes: map[string]fakeRoute{}}
	e := newTestEngine(t, f, &memorySink{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, map[string]classify.Classification{
		"/api/a/": {URL: testOrigin + "/api/a/", Kind: classify.JSONObject},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
}

func TestDrainIgnoresURLCeiling(t *testing.T) {
	t.Parallel()
	base := testOrigin + "/api/items/"
	f := &fakeFetcher{routes: map[string]fakeRoute{
		base:             {status: 200, body: pageBody(base+"?page=2", "a", "b")},
		base + "?page=2": {status: 200, body: pageBody(base+"?page=3", "c", "d")},
		base + "?page=3": {status: 200, body: pageBody("", "e", "f")},
	}}
	records := &memorySink{}
	e := newTestEngine(t, f, records, Config{MaxURLs: 1})

	stats, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/items/": {URL: base, Kind: classify.PaginatedDRF},
	})
	require.NoError(t, err)

	assert.Len(t, records.responses, 3, "pages are not frontier entries")
	assert.Len(t, records.items, 6)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 1, e.frontier.Visited())
}

func TestTransientStatusLeavesNoErrorRecord(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/me/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = fmt.Fprint(w, `{"id":1,"name":"me"}`)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	noPause := func(context.Context, time.Duration) error { return nil }
	client, err := httpclient.New(httpclient.Config{AllowHost: u.Host}, zap.NewNop(), httpclient.WithPause(noPause))
	require.NoError(t, err)

	records := &memorySink{}
	e, err := NewEngine(Config{MaxURLs: 10}, client, classify.New(client, nil),
		extract.New(u.Host, "/api/", srv.URL), records, zap.NewNop())
	require.NoError(t, err)

	stats, err := e.Run(context.Background(), map[string]classify.Classification{
		"/api/me/": {URL: srv.URL + "/api/me/", Kind: classify.JSONObject},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "the 500 is retried inside the client")
	assert.Empty(t, records.errs)
	assert.Zero(t, stats.TotalErrors)
	require.Len(t, records.responses, 1)
	assert.Equal(t, http.StatusOK, records.responses[0].Status)
	assert.Equal(t, 1, stats.TotalRequests)
}

func TestEngineRecordsEndpointSpans(t *testing.T) {
	t.Parallel()
	base := testOrigin + "/api/items/"
	f := &fakeFetcher{routes: map[string]fakeRoute{
		base:                    {status: 200, body: pageBody(base+"?page=2", "a", "b")},
		base + "?page=2":        {status: 200, body: pageBody("", "c")},
		testOrigin + "/api/me/": {status: 200, body: `{"id":1}`},
	}}
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	e, err := NewEngine(Config{MaxURLs: 10}, f, classify.New(f, nil),
		extract.New("app.example.com", "/api/", testOrigin), &memorySink{}, zap.NewNop(),
		WithTracerProvider(tp))
	require.NoError(t, err)

	_, err = e.Run(context.Background(), map[string]classify.Classification{
		"/api/items/": {URL: base, Kind: classify.PaginatedDRF},
		"/api/me/":    {URL: testOrigin + "/api/me/", Kind: classify.JSONObject},
	})
	require.NoError(t, err)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exp.GetSpans() {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "crawl.drain")
	require.Contains(t, byName, "crawl.fetch_once")

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range byName["crawl.drain"].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "/api/items/", attrs["apimapper.endpoint"].AsString())
	assert.Equal(t, int64(2), attrs["apimapper.pages"].AsInt64())
}
