// Package collyfetcher runs plain HTTP fetches through an async gocolly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
)

const (
	ticketKey = "pangolin.ticket"
	linksKey  = "pangolin.links"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Parallelism   int
	Delay         time.Duration
	Timeout       time.Duration
	RespectRobots bool
}

// Delivery receives every completed fetch. err is non-nil when the fetch
// failed; resp still carries the ticket so the continuation can be released.
type Delivery func(resp crawler.Response, err error)

// Engine submits GET requests to a shared async collector and hands each
// completed response to a Delivery callback.
type Engine struct {
	cfg       Config
	collector *colly.Collector
	robots    *robotsProbeState
	deliver   Delivery
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnScraped(colly.ScrapedCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Engine. deliver is called from collector goroutines.
func New(cfg Config, deliver Delivery, logger *zap.Logger) (*Engine, error) {
	if deliver == nil {
		return nil, errors.New("delivery callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(true))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("colly limit rule: %w", err)
	}

	robots := newRobotsProbeState()
	c.WithTransport(&robotsAwareTransport{base: newHTTPTransport(), state: robots})
	c.SetRequestTimeout(timeout)

	e := &Engine{
		cfg:       cfg,
		collector: c,
		robots:    robots,
		deliver:   deliver,
		logger:    logger,
	}
	e.configureCollectorHooks(c)
	return e, nil
}

// Submit queues a GET for fullURL. The ticket comes back on the delivered
// response. When extractLinks is set the response carries every absolute
// anchor href found in the document.
func (e *Engine) Submit(ctx context.Context, ticket crawler.Ticket, fullURL string, extractLinks bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit %s: %w", fullURL, err)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("submit %s: engine closed", fullURL)
	}

	cctx := colly.NewContext()
	cctx.Put(ticketKey, ticket)
	if extractLinks {
		cctx.Put(linksKey, &linkSet{})
	}
	if err := e.collector.Request(http.MethodGet, fullURL, nil, cctx, nil); err != nil {
		return fmt.Errorf("colly request %s: %w", fullURL, err)
	}
	return nil
}

// Wait blocks until every submitted request has been delivered.
func (e *Engine) Wait() {
	e.collector.Wait()
}

// Close stops accepting submissions and waits for in-flight requests.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.collector.Wait()
	if hosts := e.robots.indeterminateHosts(); len(hosts) > 0 {
		e.logger.Warn("robots.txt could not be probed", zap.Strings("hosts", hosts))
	}
}

func (e *Engine) configureCollectorHooks(hooks collectorHooks) {
	hooks.OnHTML("a[href]", func(el *colly.HTMLElement) {
		links, ok := el.Request.Ctx.GetAny(linksKey).(*linkSet)
		if !ok {
			return
		}
		if abs := el.Request.AbsoluteURL(el.Attr("href")); abs != "" {
			links.add(abs)
		}
	})

	hooks.OnScraped(func(r *colly.Response) {
		resp := responseFrom(r)
		resp.Body = append([]byte(nil), r.Body...)
		if links, ok := r.Ctx.GetAny(linksKey).(*linkSet); ok {
			resp.Links = links.list()
		}
		e.deliver(resp, nil)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		resp := responseFrom(r)
		e.logger.Debug("fetch failed",
			zap.String("url", resp.URL),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		e.deliver(resp, fmt.Errorf("fetch %s: %w", resp.URL, err))
	})
}

func responseFrom(r *colly.Response) crawler.Response {
	var resp crawler.Response
	if r == nil {
		return resp
	}
	resp.StatusCode = r.StatusCode
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Ctx != nil {
		if ticket, ok := r.Ctx.GetAny(ticketKey).(crawler.Ticket); ok {
			resp.Ticket = ticket
		}
	}
	return resp
}

type linkSet struct {
	seen  map[string]struct{}
	order []string
}

func (s *linkSet) add(link string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[link]; ok {
		return
	}
	s.seen[link] = struct{}{}
	s.order = append(s.order, link)
}

func (s *linkSet) list() []string {
	return append([]string(nil), s.order...)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
