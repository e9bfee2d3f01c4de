// Package orchestrator drives one crawl session: it seeds every configured
// site, resumes the continuation attached to each completed fetch, follows
// links, and forwards finished records to storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/metrics"
	"github.com/oreusol/pangolin/internal/normalize"
)

// Fetcher submits plain GET requests. Every accepted submission is delivered
// exactly once to the callback handed to the FetcherFactory.
type Fetcher interface {
	Submit(ctx context.Context, ticket crawler.Ticket, fullURL string, extractLinks bool) error
	Close()
}

// FetcherFactory builds the fetch engine for one run.
type FetcherFactory func(deliver func(crawler.Response, error)) (Fetcher, error)

// Router applies parser state transitions.
type Router interface {
	SiteFor(domain string) (crawler.SiteConfig, error)
	Route(resp crawler.Response, cont crawler.Continuation) (crawler.Transition, error)
}

// RetryPolicy decides whether a failed GET is resubmitted and after how long.
type RetryPolicy interface {
	ShouldRetry(status int, err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Snapshotter keeps a copy of a fetched page.
type Snapshotter interface {
	Snapshot(ctx context.Context, site crawler.SiteID, pageURL string, body []byte) (string, error)
}

// Config wires an Orchestrator.
type Config struct {
	Sites    []crawler.SiteConfig
	MaxDepth int

	Router     Router
	Session    *crawler.Session
	Sink       crawler.RecordSink
	NewFetcher FetcherFactory
	// Renderer serves render fetches. Nil fails them with ErrRendererDisabled.
	Renderer crawler.Renderer
	// Archive receives pages that produced selector misses. Optional.
	Archive Snapshotter
	// Retry resubmits transient GET failures. Nil disables retries.
	Retry RetryPolicy

	Logger *zap.Logger
}

// Orchestrator runs crawl sessions.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
}

type result struct {
	resp crawler.Response
	err  error
}

// attempt remembers how a GET ticket was submitted so it can be resubmitted.
type attempt struct {
	url          string
	extractLinks bool
	n            int
}

// run is the state of a single Run call. Only the loop goroutine touches it.
type run struct {
	o        *Orchestrator
	ledger   *crawler.Ledger
	fetcher  Fetcher
	results  chan result
	attempts map[crawler.Ticket]attempt
}

// New validates cfg.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Router == nil:
		return nil, errors.New("orchestrator: router is required")
	case cfg.Session == nil:
		return nil, errors.New("orchestrator: session is required")
	case cfg.Sink == nil:
		return nil, errors.New("orchestrator: record sink is required")
	case cfg.NewFetcher == nil:
		return nil, errors.New("orchestrator: fetcher factory is required")
	case len(cfg.Sites) == 0:
		return nil, errors.New("orchestrator: no sites configured")
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// Run crawls until no fetch is outstanding or ctx is done, and returns the
// session counters. Once ctx is done, in-flight fetches are drained but their
// responses are discarded.
func (o *Orchestrator) Run(ctx context.Context) (crawler.SessionStats, error) {
	r := &run{
		o:       o,
		ledger:   crawler.NewLedger(),
		results:  make(chan result, 64),
		attempts: make(map[crawler.Ticket]attempt),
	}
	fetcher, err := o.cfg.NewFetcher(func(resp crawler.Response, err error) {
		r.results <- result{resp: resp, err: err}
	})
	if err != nil {
		return crawler.SessionStats{}, fmt.Errorf("build fetcher: %w", err)
	}
	r.fetcher = fetcher

	o.logger.Info("crawl started",
		zap.String("session", o.cfg.Session.ID),
		zap.Int("sites", len(o.cfg.Sites)),
		zap.Int("max_depth", o.cfg.MaxDepth),
	)
	for _, site := range o.cfg.Sites {
		r.seed(ctx, site)
	}
	for r.ledger.Outstanding() > 0 {
		res := <-r.results
		r.handle(ctx, res)
	}
	fetcher.Close()

	stats := o.cfg.Session.Snapshot()
	for site, s := range stats.Sites {
		o.logger.Info("site finished",
			zap.String("site", string(site)),
			zap.Int("clicks", s.Clicks),
			zap.Int("load_more_clicks", s.LoadMoreClicks),
			zap.Int("records_emitted", s.RecordsEmitted),
			zap.Int("duplicates_dropped", s.DuplicatesDropped),
			zap.Int("skipped_seen", s.SkippedSeen),
			zap.Int("selector_misses", s.SelectorMisses),
			zap.Int("date_errors", s.DateErrors),
			zap.Int("followed_pages", s.FollowedPages),
			zap.Int("failed_fetches", s.FailedFetches),
		)
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("crawl interrupted: %w", err)
	}
	return stats, nil
}

func (r *run) seed(ctx context.Context, site crawler.SiteConfig) {
	if site.Unique {
		r.o.cfg.Session.State(site.Site).Followed().MarkSeen(site.StartURL)
	}
	r.submit(ctx, crawler.PendingFetch{
		Kind: crawler.FetchGET,
		URL:  site.StartURL,
		Continuation: crawler.Continuation{
			Site:  site.Site,
			Stage: crawler.StageFrontPage,
		},
	}, r.o.cfg.MaxDepth > 0)
}

func (r *run) handle(ctx context.Context, res result) {
	cont, err := r.ledger.Take(res.resp.Ticket)
	if err != nil {
		r.o.logger.Error("response without a live continuation",
			zap.String("url", res.resp.URL),
			zap.Uint64("ticket", uint64(res.resp.Ticket)),
			zap.Error(err),
		)
		return
	}
	metrics.DecInFlight()
	prev, isGet := r.attempts[res.resp.Ticket]
	delete(r.attempts, res.resp.Ticket)

	state := r.o.cfg.Session.State(cont.Site)
	logger := r.o.logger.With(
		zap.String("site", string(cont.Site)),
		zap.String("stage", string(cont.Stage)),
		zap.String("url", res.resp.URL),
	)
	if res.err != nil {
		if isGet && r.retry(ctx, cont, prev, res, logger) {
			return
		}
		state.Update(func(s *crawler.SiteStats) { s.FailedFetches++ })
		metrics.ObservePage(string(cont.Site), string(cont.Stage), "error", 0)
		logger.Warn("fetch failed", zap.Int("status", res.resp.StatusCode), zap.Error(res.err))
		return
	}
	metrics.ObservePage(string(cont.Site), string(cont.Stage), "ok", len(res.resp.Body))
	if ctx.Err() != nil {
		logger.Debug("discarding response after cancellation")
		return
	}

	if cont.Stage == crawler.StageFollowed {
		state.Update(func(s *crawler.SiteStats) { s.FollowedPages++ })
		r.follow(ctx, res.resp, cont)
		return
	}

	tr, err := r.o.cfg.Router.Route(res.resp, cont)
	if err != nil {
		var unknown *crawler.UnknownSiteError
		if errors.As(err, &unknown) {
			logger.Warn("no parser for response", zap.Error(err))
			return
		}
		logger.Error("parser transition failed", zap.Error(err))
		return
	}
	if cont.Stage == crawler.StageFrontPage {
		r.follow(ctx, res.resp, cont)
	}
	switch cont.Stage {
	case crawler.StageRendered:
		metrics.ObserveLoadMore(string(cont.Site), res.resp.ClickCount)
	case crawler.StageAjaxPage:
		metrics.ObserveLoadMore(string(cont.Site), 1)
	}

	if len(tr.Misses) > 0 {
		r.misses(ctx, state, res.resp, tr.Misses, logger)
	}
	for _, raw := range tr.Records {
		r.emit(ctx, state, raw, logger)
	}
	for _, f := range tr.Fetches {
		r.submit(ctx, f, false)
	}
}

// follow submits the allowed links of a front page or followed page.
func (r *run) follow(ctx context.Context, resp crawler.Response, cont crawler.Continuation) {
	if len(resp.Links) == 0 {
		return
	}
	site, ok := r.siteOf(resp.URL, cont.Site)
	if !ok {
		return
	}
	depth := cont.Depth + 1
	if depth > r.o.cfg.MaxDepth {
		return
	}
	followed := r.o.cfg.Session.State(site.Site).Followed()
	for _, link := range resp.Links {
		u, err := url.Parse(link)
		if err != nil || !site.MatchesHost(u.Hostname()) || !site.Allows(link) {
			continue
		}
		if site.Unique && followed.CheckAndMark(link) {
			continue
		}
		r.submit(ctx, crawler.PendingFetch{
			Kind: crawler.FetchGET,
			URL:  link,
			Continuation: crawler.Continuation{
				Site:  site.Site,
				Stage: crawler.StageFollowed,
				Depth: depth,
			},
		}, site.Follow && depth < r.o.cfg.MaxDepth)
	}
}

func (r *run) siteOf(rawURL string, id crawler.SiteID) (crawler.SiteConfig, bool) {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		if site, err := r.o.cfg.Router.SiteFor(u.Hostname()); err == nil && site.Site == id {
			return site, true
		}
	}
	for _, site := range r.o.cfg.Sites {
		if site.Site == id {
			return site, true
		}
	}
	return crawler.SiteConfig{}, false
}

func (r *run) misses(ctx context.Context, state *crawler.CrawlState, resp crawler.Response, misses []crawler.SelectorMiss, logger *zap.Logger) {
	state.Update(func(s *crawler.SiteStats) { s.SelectorMisses += len(misses) })
	for _, m := range misses {
		metrics.ObserveSelectorMiss(string(state.Site()), m.Field)
		logger.Debug("selector matched nothing", zap.String("field", m.Field), zap.String("expr", m.Expr))
	}
	if r.o.cfg.Archive == nil || len(resp.Body) == 0 {
		return
	}
	uri, err := r.o.cfg.Archive.Snapshot(ctx, state.Site(), resp.URL, resp.Body)
	if err != nil {
		logger.Warn("page snapshot failed", zap.Error(err))
		return
	}
	logger.Info("page with selector misses archived", zap.String("snapshot", uri), zap.Int("misses", len(misses)))
}

// emit normalizes raw and forwards it to the sink unless its URL was already
// emitted this session.
func (r *run) emit(ctx context.Context, state *crawler.CrawlState, raw crawler.RawRecord, logger *zap.Logger) {
	site := string(state.Site())
	rec, err := normalize.Record(raw)
	if err != nil {
		var dateErr *crawler.DateFormatError
		if !errors.As(err, &dateErr) {
			logger.Error("record normalization failed", zap.String("record", raw.URL), zap.Error(err))
			return
		}
		state.Update(func(s *crawler.SiteStats) { s.DateErrors++ })
		metrics.ObserveRecord(site, metrics.RecordDateError)
		logger.Warn("unparseable date, keeping raw text", zap.String("record", rec.URL), zap.String("date", rec.Date))
	}
	if rec.URL == "" {
		return
	}
	if state.Emitted().CheckAndMark(rec.URL) {
		state.Update(func(s *crawler.SiteStats) { s.DuplicatesDropped++ })
		metrics.ObserveRecord(site, metrics.RecordDuplicate)
		logger.Info("duplicate record dropped", zap.String("record", rec.URL))
		return
	}
	state.Update(func(s *crawler.SiteStats) { s.RecordsEmitted++ })
	metrics.ObserveRecord(site, metrics.RecordEmitted)
	if !r.o.cfg.Sink.Submit(ctx, rec) {
		logger.Debug("record not accepted by storage", zap.String("record", rec.URL))
	}
}

func (r *run) submit(ctx context.Context, f crawler.PendingFetch, extractLinks bool) {
	logger := r.o.logger.With(
		zap.String("site", string(f.Continuation.Site)),
		zap.String("stage", string(f.Continuation.Stage)),
	)
	if ctx.Err() != nil {
		logger.Debug("not submitting after cancellation", zap.String("url", f.URL))
		return
	}
	fullURL, err := f.FullURL()
	if err != nil {
		r.o.cfg.Session.State(f.Continuation.Site).Update(func(s *crawler.SiteStats) { s.FailedFetches++ })
		logger.Warn("bad fetch url", zap.String("url", f.URL), zap.Error(err))
		return
	}
	ticket := r.ledger.Register(f.Continuation)
	metrics.IncInFlight()

	if f.Kind == crawler.FetchRender {
		go r.render(ctx, ticket, fullURL)
		return
	}
	if err := r.fetcher.Submit(ctx, ticket, fullURL, extractLinks); err != nil {
		if _, takeErr := r.ledger.Take(ticket); takeErr == nil {
			metrics.DecInFlight()
		}
		r.o.cfg.Session.State(f.Continuation.Site).Update(func(s *crawler.SiteStats) { s.FailedFetches++ })
		logger.Warn("fetch rejected", zap.String("url", fullURL), zap.Error(err))
		return
	}
	r.attempts[ticket] = attempt{url: fullURL, extractLinks: extractLinks}
}

// retry registers a fresh ticket for a failed GET and resubmits it after the
// policy's backoff. It reports false when the failure is final.
func (r *run) retry(ctx context.Context, cont crawler.Continuation, prev attempt, res result, logger *zap.Logger) bool {
	policy := r.o.cfg.Retry
	if policy == nil || ctx.Err() != nil || !policy.ShouldRetry(res.resp.StatusCode, res.err, prev.n) {
		return false
	}
	ticket := r.ledger.Register(cont)
	metrics.IncInFlight()
	next := attempt{url: prev.url, extractLinks: prev.extractLinks, n: prev.n + 1}
	r.attempts[ticket] = next
	delay := policy.Backoff(prev.n)
	logger.Info("retrying fetch",
		zap.Int("status", res.resp.StatusCode),
		zap.Int("attempt", next.n),
		zap.Duration("backoff", delay),
		zap.Error(res.err),
	)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.results <- result{resp: crawler.Response{Ticket: ticket, URL: next.url}, err: ctx.Err()}
			return
		case <-timer.C:
		}
		if err := r.fetcher.Submit(ctx, ticket, next.url, next.extractLinks); err != nil {
			r.results <- result{resp: crawler.Response{Ticket: ticket, URL: next.url}, err: err}
		}
	}()
	return true
}

func (r *run) render(ctx context.Context, ticket crawler.Ticket, fullURL string) {
	resp := crawler.Response{Ticket: ticket, URL: fullURL}
	if r.o.cfg.Renderer == nil {
		r.results <- result{resp: resp, err: fmt.Errorf("render %s: %w", fullURL, crawler.ErrRendererDisabled)}
		return
	}
	start := time.Now()
	out, err := r.o.cfg.Renderer.Render(ctx, fullURL)
	if err != nil {
		r.results <- result{resp: resp, err: fmt.Errorf("render %s: %w", fullURL, err)}
		return
	}
	if out.URL != "" {
		resp.URL = out.URL
	}
	resp.StatusCode = out.StatusCode
	resp.Body = []byte(out.HTML)
	resp.ClickCount = out.ClickCount
	r.o.logger.Debug("render delivered",
		zap.String("url", resp.URL),
		zap.Int("clicks", out.ClickCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	r.results <- result{resp: resp, err: nil}
}
