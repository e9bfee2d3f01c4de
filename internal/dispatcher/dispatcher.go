// Package dispatcher routes completed fetches to the parser of the site they
// belong to. Parsers are created lazily, once per crawl session, and each one
// handles a single state transition at a time.
package dispatcher

import (
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
)

// Deps are handed to a parser constructor.
type Deps struct {
	State  *crawler.CrawlState
	Logger *zap.Logger
}

// Constructor builds the parser for one site.
type Constructor func(Deps) (crawler.Parser, error)

// Registry maps site ids to parser constructors.
type Registry struct {
	ctors map[crawler.SiteID]Constructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[crawler.SiteID]Constructor)}
}

// Register binds ctor to id, replacing any previous binding.
func (r *Registry) Register(id crawler.SiteID, ctor Constructor) {
	r.ctors[id] = ctor
}

// Lookup returns the constructor for id.
func (r *Registry) Lookup(id crawler.SiteID) (Constructor, bool) {
	ctor, ok := r.ctors[id]
	return ctor, ok
}

// LoggerFunc returns the logger for a site's parser.
type LoggerFunc func(crawler.SiteID) *zap.Logger

type entry struct {
	ctor Constructor

	once   sync.Once
	parser crawler.Parser
	err    error

	// mu serializes transitions on parser.
	mu sync.Mutex
}

// Dispatcher owns the per-session parser instances.
type Dispatcher struct {
	sites     []crawler.SiteConfig
	session   *crawler.Session
	loggerFor LoggerFunc
	entries   map[crawler.SiteID]*entry
}

// New resolves every configured site against registry. Sites without a
// registered constructor stay configured but fail on use with UnknownSiteError.
func New(sites []crawler.SiteConfig, registry *Registry, session *crawler.Session, loggerFor LoggerFunc) *Dispatcher {
	if loggerFor == nil {
		loggerFor = func(crawler.SiteID) *zap.Logger { return zap.NewNop() }
	}
	entries := make(map[crawler.SiteID]*entry, len(sites))
	for _, site := range sites {
		if _, ok := entries[site.Site]; ok {
			continue
		}
		ctor, _ := registry.Lookup(site.Site)
		entries[site.Site] = &entry{ctor: ctor}
	}
	return &Dispatcher{
		sites:     append([]crawler.SiteConfig(nil), sites...),
		session:   session,
		loggerFor: loggerFor,
		entries:   entries,
	}
}

// SiteFor returns the configuration of the site serving domain.
func (d *Dispatcher) SiteFor(domain string) (crawler.SiteConfig, error) {
	for _, site := range d.sites {
		if site.MatchesHost(domain) {
			return site, nil
		}
	}
	return crawler.SiteConfig{}, &crawler.UnknownSiteError{Domain: domain}
}

// ParserFor returns the session's parser for domain, creating it on first use.
func (d *Dispatcher) ParserFor(domain string) (crawler.Parser, error) {
	site, err := d.SiteFor(domain)
	if err != nil {
		return nil, err
	}
	e, err := d.entry(site.Site, domain)
	if err != nil {
		return nil, err
	}
	return e.parser, nil
}

// Route applies one state transition. Front pages are resolved by the
// response's domain; every other stage by the continuation's site.
func (d *Dispatcher) Route(resp crawler.Response, cont crawler.Continuation) (crawler.Transition, error) {
	site := cont.Site
	domain := ""
	if cont.Stage == crawler.StageFrontPage || site == "" {
		host, err := hostOf(resp.URL)
		if err != nil {
			return crawler.Transition{}, err
		}
		cfg, err := d.SiteFor(host)
		if err != nil {
			return crawler.Transition{}, err
		}
		site, domain = cfg.Site, host
	}
	e, err := d.entry(site, domain)
	if err != nil {
		return crawler.Transition{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch cont.Stage {
	case crawler.StageFrontPage:
		return e.parser.FrontPage(resp)
	case crawler.StageStoryDetail:
		return e.parser.StoryDetail(resp, cont)
	default:
		return e.parser.Continue(resp, cont)
	}
}

func (d *Dispatcher) entry(site crawler.SiteID, domain string) (*entry, error) {
	e, ok := d.entries[site]
	if !ok || e.ctor == nil {
		return nil, &crawler.UnknownSiteError{Domain: domain, Site: string(site)}
	}
	e.once.Do(func() {
		e.parser, e.err = e.ctor(Deps{
			State:  d.session.State(site),
			Logger: d.loggerFor(site),
		})
		if e.err == nil && e.parser == nil {
			e.err = fmt.Errorf("constructor for %s returned no parser", site)
		}
	})
	if e.err != nil {
		return nil, fmt.Errorf("build %s parser: %w", site, e.err)
	}
	return e, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse response url: %w", err)
	}
	if u.Hostname() == "" {
		return "", &crawler.UnknownSiteError{Domain: rawURL}
	}
	return u.Hostname(), nil
}
