package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/app"
	"github.com/oreusol/pangolin/internal/config"
	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/orchestrator"
	memorypublisher "github.com/oreusol/pangolin/internal/publisher/memory"
	"github.com/oreusol/pangolin/internal/sites/indiatoday"
)

const frontPage = `<html><body>
<article><div><div><a title="Man held" href="/crime/story/man-held-1"></a><div><p>Police arrested a man.</p></div></div></div></article>
<article><div><div><a title="Woman robbed" href="/crime/story/woman-robbed-2"></a><div><p>A chain was snatched.</p></div></div></div></article>
</body></html>`

const storyPage = `<html><body>
<span class="jsx-ace90f4eca22afc7 Story_stryloction__IUgpi">Mumbai</span>
<span class="jsx-ace90f4eca22afc7 strydate">Jun 21, 2024 10:00 IST</span>
</body></html>`

const lastAjaxPage = `{"data":{"content":[],"is_load_more":0}}`

func ajaxURL(page string) string {
	q := url.Values{
		"page":     {page},
		"pagepath": {indiatoday.DefaultPagePath},
		"pagetype": {indiatoday.DefaultPageType},
	}
	return indiatoday.DefaultAjaxURL + "?" + q.Encode()
}

func testPages() map[string]string {
	return map[string]string{
		"https://www.indiatoday.in/crime":                       frontPage,
		"https://www.indiatoday.in/crime/story/man-held-1":     storyPage,
		"https://www.indiatoday.in/crime/story/woman-robbed-2": storyPage,
		ajaxURL("1"): lastAjaxPage,
	}
}

func testConfig() config.Config {
	return config.Config{
		Database: config.DatabaseConfig{TableName: "crime_news"},
		Spider: config.SpiderConfig{
			LogConfig:    config.LogConfig{LogLevel: "ERROR"},
			SitesToCrawl: []string{"india_today"},
			MaxDepth:     0,
			Domains: map[string]config.DomainConfig{
				"www.indiatoday.in": {StartURL: "https://www.indiatoday.in/crime", Unique: true},
			},
		},
		Pipeline:         config.PipelineConfig{LogConfig: config.LogConfig{LogLevel: "ERROR"}, BufferSize: 4},
		IndiaTodayParser: config.IndiaTodayConfig{LogConfig: config.LogConfig{LogLevel: "ERROR"}},
		Fetch:            config.FetchConfig{Parallelism: 1, TimeoutSeconds: 5},
		Archive:          config.ArchiveConfig{Backend: "none"},
		Notify:           config.NotifyConfig{Backend: "none", Topic: "crime-news-records"},
	}
}

type fakeStore struct {
	mu      sync.Mutex
	records []crawler.Record
	err     error
	closed  bool
}

func (s *fakeStore) Add(_ context.Context, rec crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type mapFetcher struct {
	pages   map[string]string
	deliver func(crawler.Response, error)
	wg      sync.WaitGroup
}

func (f *mapFetcher) Submit(_ context.Context, ticket crawler.Ticket, fullURL string, _ bool) error {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		body, ok := f.pages[fullURL]
		if !ok {
			f.deliver(crawler.Response{Ticket: ticket, URL: fullURL, StatusCode: 404}, errors.New("not found"))
			return
		}
		f.deliver(crawler.Response{Ticket: ticket, URL: fullURL, StatusCode: 200, Body: []byte(body)}, nil)
	}()
	return nil
}

func (f *mapFetcher) Close() { f.wg.Wait() }

func fetcherOption(pages map[string]string) app.Option {
	return app.WithFetcherFactory(func(deliver func(crawler.Response, error)) (orchestrator.Fetcher, error) {
		return &mapFetcher{pages: pages, deliver: deliver}, nil
	})
}

func TestBuildAndRun(t *testing.T) {
	store := &fakeStore{}
	publisher := memorypublisher.New()
	a, err := app.Build(context.Background(), testConfig(),
		app.WithLogger(zap.NewNop()),
		app.WithRecordStore(store),
		app.WithPublisher(publisher),
		fetcherOption(testPages()),
	)
	require.NoError(t, err)
	defer a.Close()

	stats, err := a.Run(context.Background())
	require.NoError(t, err)

	it := stats.Sites[crawler.SiteIndiaToday]
	assert.Equal(t, 2, it.RecordsEmitted)
	assert.Equal(t, 1, it.LoadMoreClicks)
	assert.Equal(t, 3, it.Clicks)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.records, 2)
	assert.True(t, store.closed)
	for _, rec := range store.records {
		assert.Equal(t, "INDIATODAY", rec.Source)
		assert.Equal(t, "Mumbai", rec.Location)
		assert.Equal(t, "21-06-24 10-00-00", rec.Date)
	}
	assert.Len(t, publisher.Messages("crime-news-records"), 2)
}

func TestRunReportsHaltedIngestion(t *testing.T) {
	store := &fakeStore{err: &crawler.UnexpectedStorageError{URL: "x", Err: errors.New("disk full")}}
	a, err := app.Build(context.Background(), testConfig(),
		app.WithLogger(zap.NewNop()),
		app.WithRecordStore(store),
		fetcherOption(testPages()),
	)
	require.NoError(t, err)
	defer a.Close()

	stats, err := a.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrIngestionHalted)
	assert.Equal(t, 2, stats.Sites[crawler.SiteIndiaToday].RecordsEmitted)
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.LogLevel = "chatty"
	_, err := app.Build(context.Background(), cfg,
		app.WithLogger(zap.NewNop()),
		app.WithRecordStore(&fakeStore{}),
	)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pipeline.log_level", cfgErr.Key)
}

func TestBuildWithLocalArchive(t *testing.T) {
	cfg := testConfig()
	cfg.Archive = config.ArchiveConfig{Backend: "local", BaseDir: t.TempDir(), Prefix: "snapshots"}
	a, err := app.Build(context.Background(), cfg,
		app.WithLogger(zap.NewNop()),
		app.WithRecordStore(&fakeStore{}),
		fetcherOption(testPages()),
	)
	require.NoError(t, err)
	a.Close()
}

func TestHandlerServesStats(t *testing.T) {
	a, err := app.Build(context.Background(), testConfig(),
		app.WithLogger(zap.NewNop()),
		app.WithRecordStore(&fakeStore{}),
		fetcherOption(testPages()),
	)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), a.Session().ID)
}
