package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreusol/pangolin/internal/crawler"
)

type delivered struct {
	resp crawler.Response
	err  error
}

type recorder struct {
	mu  sync.Mutex
	got []delivered
}

func (r *recorder) deliver(resp crawler.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivered{resp: resp, err: err})
}

func (r *recorder) byTicket(t crawler.Ticket) (delivered, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.got {
		if d.resp.Ticket == t {
			return d, true
		}
	}
	return delivered{}, false
}

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/crime", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
<a href="/crime/story-1">one</a>
<a href="https://elsewhere.example/x">two</a>
<a href="/crime/story-1">dup</a>
</body></html>`))
	})
	mux.HandleFunc("/api/ajax/loadmorecontent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"page":"` + r.URL.Query().Get("page") + `"}`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEngineDeliversBodyAndLinks(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	rec := &recorder{}
	engine, err := New(Config{UserAgent: "pangolin-test", Parallelism: 2, Timeout: 5 * time.Second}, rec.deliver, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, 1, srv.URL+"/crime", true))
	require.NoError(t, engine.Submit(ctx, 2, srv.URL+"/api/ajax/loadmorecontent?page=3", false))
	engine.Close()

	listing, ok := rec.byTicket(1)
	require.True(t, ok)
	require.NoError(t, listing.err)
	assert.Equal(t, http.StatusOK, listing.resp.StatusCode)
	assert.Contains(t, string(listing.resp.Body), "story-1")
	assert.Equal(t, []string{srv.URL + "/crime/story-1", "https://elsewhere.example/x"}, listing.resp.Links)

	ajax, ok := rec.byTicket(2)
	require.True(t, ok)
	require.NoError(t, ajax.err)
	assert.JSONEq(t, `{"page":"3"}`, string(ajax.resp.Body))
	assert.Empty(t, ajax.resp.Links)
}

func TestEngineDeliversFailures(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	rec := &recorder{}
	engine, err := New(Config{Parallelism: 1}, rec.deliver, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Submit(context.Background(), 7, srv.URL+"/gone", false))
	engine.Close()

	got, ok := rec.byTicket(7)
	require.True(t, ok)
	require.Error(t, got.err)
	assert.Equal(t, http.StatusGone, got.resp.StatusCode)
	assert.Equal(t, srv.URL+"/gone", got.resp.URL)
}

func TestEngineRejectsAfterCloseAndCanceledContext(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	engine, err := New(Config{}, rec.deliver, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, engine.Submit(ctx, 1, "http://127.0.0.1/", false))

	engine.Close()
	require.Error(t, engine.Submit(context.Background(), 2, "http://127.0.0.1/", false))
}

func TestNewRequiresDelivery(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestLinkSetDeduplicates(t *testing.T) {
	t.Parallel()

	var s linkSet
	s.add("https://a/1")
	s.add("https://a/2")
	s.add("https://a/1")
	assert.Equal(t, []string{"https://a/1", "https://a/2"}, s.list())
}
