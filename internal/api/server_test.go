package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/pipeline"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ingestion IngestionReporter
		want      int
	}{
		{name: "no pipeline", want: http.StatusOK},
		{name: "running", ingestion: &fakeIngestion{}, want: http.StatusOK},
		{name: "halted", ingestion: &fakeIngestion{halted: true}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(t, newTestServer(t, tt.ingestion), "/readyz")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	ingestion := &fakeIngestion{summary: pipeline.Summary{Received: 4, Stored: 3, Duplicates: 1}}
	server := newTestServer(t, ingestion)
	rec := serve(t, server, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Storage)
	assert.Equal(t, 3, body.Storage.Stored)
	assert.False(t, body.Halted)
	assert.Equal(t, 2, body.Session.Sites[crawler.SiteIndiaToday].RecordsEmitted)
	assert.Equal(t, 5, body.Session.Sites[crawler.SiteIndiaToday].LoadMoreClicks)
}

func TestServer_StatsWithoutSession(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := serve(t, server, "/v1/stats")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, nil)
	serve(t, server, "/healthz")
	rec := serve(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, nil), "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	newTestServer(t, nil).Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIngestion struct {
	summary pipeline.Summary
	halted  bool
}

func (f *fakeIngestion) Summary() pipeline.Summary { return f.summary }

func (f *fakeIngestion) Halted() bool { return f.halted }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(t *testing.T, ingestion IngestionReporter) *Server {
	t.Helper()
	session, err := crawler.NewSession(time.Unix(100, 0))
	require.NoError(t, err)
	session.State(crawler.SiteIndiaToday).Update(func(s *crawler.SiteStats) {
		s.RecordsEmitted = 2
		s.LoadMoreClicks = 5
	})
	return NewServer(session, ingestion, zap.NewNop())
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
