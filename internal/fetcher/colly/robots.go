package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oreusol/pangolin/internal/metrics"
)

const robotsFallbackReasonTLSHandshake = "TLS handshake timeout"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt probes on transient TLS failures and
// falls back to an allow-all document so a flaky probe does not block a host.
type robotsAwareTransport struct {
	base  http.RoundTripper
	state *robotsProbeState
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.state == nil || !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	return t.state.roundTripWithRetry(req, t.base)
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

// robotsProbeState remembers hosts whose robots.txt could not be fetched.
type robotsProbeState struct {
	mu            sync.Mutex
	indeterminate map[string]string
}

func newRobotsProbeState() *robotsProbeState {
	return &robotsProbeState{indeterminate: make(map[string]string)}
}

func (s *robotsProbeState) roundTripWithRetry(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			s.markIndeterminate(req.URL.Hostname(), robotsFallbackReasonTLSHandshake)
			return syntheticRobotsAllowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots roundtrip backoff sleep: %w", err)
		}
	}
	return nil, fmt.Errorf("robots roundtrip exhausted retries")
}

func (s *robotsProbeState) markIndeterminate(host, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indeterminate[host]; ok {
		return
	}
	s.indeterminate[host] = reason
	metrics.ObserveProbeTLSHandshakeTimeout()
}

func (s *robotsProbeState) reason(host string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indeterminate[host]
}

func (s *robotsProbeState) indeterminateHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, 0, len(s.indeterminate))
	for host := range s.indeterminate {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
