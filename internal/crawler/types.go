package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SiteID is the closed enumeration of sites the crawler knows how to parse.
type SiteID string

// Supported site identifiers, as used in spider.sites_to_crawl.
const (
	SiteIndiaToday    SiteID = "india_today"
	SiteIndianExpress SiteID = "indian_express"
)

// KnownSites lists every site identifier in a stable order.
var KnownSites = []SiteID{SiteIndiaToday, SiteIndianExpress}

// siteLabels maps the second-level domain label of each site to its id.
var siteLabels = map[string]SiteID{
	"indiatoday":    SiteIndiaToday,
	"indianexpress": SiteIndianExpress,
}

// ParseSiteID validates a configured site id.
func ParseSiteID(raw string) (SiteID, error) {
	id := SiteID(strings.TrimSpace(strings.ToLower(raw)))
	for _, known := range KnownSites {
		if id == known {
			return id, nil
		}
	}
	return "", &UnknownSiteError{Site: raw}
}

// SiteForDomain infers the site id from a domain such as "www.indiatoday.in".
func SiteForDomain(domain string) (SiteID, bool) {
	for _, label := range strings.Split(strings.ToLower(domain), ".") {
		if id, ok := siteLabels[label]; ok {
			return id, true
		}
	}
	return "", false
}

// Record is one crime-news story ready for storage. An empty text field
// means the page did not provide it; storage persists it as NULL.
type Record struct {
	Source      string `json:"source"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Location    string `json:"location"`
	Date        string `json:"date"`
}

// RawRecord is a record as extracted by a parser, before normalization.
// Dates holds every candidate date text in document order.
type RawRecord struct {
	Record
	Dates []string
}

// SiteConfig is the immutable per-domain crawl configuration.
type SiteConfig struct {
	Domain   string
	Site     SiteID
	StartURL string
	Allow    *regexp.Regexp
	Follow   bool
	Unique   bool
}

// Allows reports whether a discovered link may be followed for this site.
func (s SiteConfig) Allows(rawURL string) bool {
	if s.Allow == nil {
		return true
	}
	return s.Allow.MatchString(rawURL)
}

// MatchesHost reports whether host belongs to the configured domain. A parent
// of the domain matches only down to its registrable domain, so
// "indiatoday.in" matches "www.indiatoday.in" but "in" does not.
func (s SiteConfig) MatchesHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain := strings.ToLower(s.Domain)
	if host == "" {
		return false
	}
	if host == domain || strings.HasSuffix(host, "."+domain) {
		return true
	}
	if !strings.HasSuffix(domain, "."+host) {
		return false
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return false
	}
	return host == base || strings.HasSuffix(host, "."+base)
}

// Stage tags which parser state a continuation resumes.
type Stage string

// Continuation stages.
const (
	StageFrontPage   Stage = "front_page"
	StageAjaxPage    Stage = "ajax_page"
	StageRendered    Stage = "rendered_listing"
	StageStoryDetail Stage = "story_detail"
	StageFollowed    Stage = "followed"
)

// Continuation is the explicit resume point attached to a follow-up fetch.
// Partial is set when the fetch completes a record started on a listing page.
type Continuation struct {
	Site    SiteID
	Stage   Stage
	Page    int
	Depth   int
	Partial *RawRecord
}

func (c Continuation) String() string {
	if c.Stage == StageAjaxPage {
		return fmt.Sprintf("%s/%s(%d)", c.Site, c.Stage, c.Page)
	}
	return fmt.Sprintf("%s/%s", c.Site, c.Stage)
}

// FetchKind selects the transport used for a pending fetch.
type FetchKind int

// Fetch kinds.
const (
	FetchGET FetchKind = iota
	FetchRender
)

func (k FetchKind) String() string {
	if k == FetchRender {
		return "render"
	}
	return "get"
}

// PendingFetch is a follow-up request emitted by a parser.
type PendingFetch struct {
	Kind         FetchKind
	URL          string
	Query        url.Values
	Continuation Continuation
}

// FullURL returns URL with Query merged into its query string.
func (p PendingFetch) FullURL() (string, error) {
	if len(p.Query) == 0 {
		return p.URL, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("parse fetch url: %w", err)
	}
	q := u.Query()
	for key, values := range p.Query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Response is a completed fetch handed back to the orchestrator.
type Response struct {
	Ticket     Ticket
	URL        string
	StatusCode int
	Body       []byte
	// Links holds absolute hrefs extracted by the fetch engine.
	Links []string
	// ClickCount is set by render round-trips.
	ClickCount int
}

// SelectorMiss records a structural query that matched nothing.
type SelectorMiss struct {
	Field string
	Expr  string
}

// Transition is the output of one parser state transition.
type Transition struct {
	Records []RawRecord
	Fetches []PendingFetch
	Misses  []SelectorMiss
}

// Merge appends other onto t.
func (t *Transition) Merge(other Transition) {
	t.Records = append(t.Records, other.Records...)
	t.Fetches = append(t.Fetches, other.Fetches...)
	t.Misses = append(t.Misses, other.Misses...)
}

// ResolveURL resolves ref against base, returning ref unchanged when absolute.
func ResolveURL(base, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
