// Package indianexpress parses the Indian Express crime listing. The listing
// is only complete after a headless render has exhausted the page's "load more"
// button, so the front page yields a single render request and parsing happens
// on the rendered HTML.
package indianexpress

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/selector"
)

// Source is the value stored in the source column.
const Source = "TheIndianEXPRESS"

const (
	citiesMarker       = "/article/cities"
	citiesSegmentIndex = 5
)

var (
	entriesQuery  = selector.MustCompile("entry", "//div[@class='details']")
	urlQuery      = selector.MustCompile("url", "./div/h3/a/@href")
	titleQuery    = selector.MustCompile("title", "./div/h3/a/text()")
	dateQuery     = selector.MustCompile("date", "./div/p/text()")
	descQuery     = selector.MustCompile("description", "./div/p[position()=2]/text()")
	locationQuery = selector.MustCompile("location", "normalize-space(.//span[@itemprop='dateModified']/preceding-sibling::text()[1])")
)

// Parser is the render-then-scrape state machine for Indian Express.
type Parser struct {
	state  *crawler.CrawlState
	logger *zap.Logger
}

// New creates a Parser that records its counters and seen URLs on state.
func New(state *crawler.CrawlState, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{state: state, logger: logger}
}

// Site implements crawler.Parser.
func (p *Parser) Site() crawler.SiteID {
	return crawler.SiteIndianExpress
}

// FrontPage requests exactly one render of the front page.
func (p *Parser) FrontPage(resp crawler.Response) (crawler.Transition, error) {
	if resp.URL == "" {
		return crawler.Transition{}, fmt.Errorf("front page response has no url")
	}
	p.state.Update(func(s *crawler.SiteStats) { s.Clicks++ })
	p.logger.Info("requesting render of front page", zap.String("url", resp.URL))
	return crawler.Transition{
		Fetches: []crawler.PendingFetch{{
			Kind: crawler.FetchRender,
			URL:  resp.URL,
			Continuation: crawler.Continuation{
				Site:  crawler.SiteIndianExpress,
				Stage: crawler.StageRendered,
			},
		}},
	}, nil
}

// Continue parses the fully rendered listing.
func (p *Parser) Continue(resp crawler.Response, cont crawler.Continuation) (crawler.Transition, error) {
	if cont.Stage != crawler.StageRendered {
		return crawler.Transition{}, fmt.Errorf("indian express cannot continue stage %q", cont.Stage)
	}
	doc, err := selector.Parse(resp.Body)
	if err != nil {
		return crawler.Transition{}, fmt.Errorf("rendered listing %s: %w", resp.URL, err)
	}
	p.state.Update(func(s *crawler.SiteStats) { s.LoadMoreClicks += resp.ClickCount })
	p.logger.Info("parsing rendered listing",
		zap.String("url", resp.URL),
		zap.Int("load_more_clicks", resp.ClickCount),
	)

	var out crawler.Transition
	seen := p.state.Seen()
	for _, entry := range doc.Root().Find(entriesQuery) {
		link := strings.TrimSpace(entry.Text(urlQuery).Value)
		if link == "" {
			continue
		}
		abs, err := crawler.ResolveURL(resp.URL, link)
		if err != nil {
			p.logger.Warn("skipping story with bad url", zap.String("href", link), zap.Error(err))
			continue
		}
		if seen.Seen(abs) {
			p.state.Update(func(s *crawler.SiteStats) { s.SkippedSeen++ })
			p.logger.Info("story already scraped, skipping", zap.String("url", abs))
			continue
		}
		seen.MarkSeen(abs)

		raw := crawler.RawRecord{Record: crawler.Record{
			Source:      Source,
			Title:       entry.Text(titleQuery).Value,
			Description: entry.Text(descQuery).Value,
			URL:         abs,
		}}
		if date := entry.Text(dateQuery); date.Found {
			raw.Dates = []string{date.Value}
		}

		if location, ok := citiesLocation(abs); ok {
			raw.Location = location
			out.Records = append(out.Records, raw)
			continue
		}
		out.Fetches = append(out.Fetches, crawler.PendingFetch{
			Kind: crawler.FetchGET,
			URL:  abs,
			Continuation: crawler.Continuation{
				Site:    crawler.SiteIndianExpress,
				Stage:   crawler.StageStoryDetail,
				Partial: &raw,
			},
		})
	}
	out.Misses = doc.Misses()
	return out, nil
}

// StoryDetail completes the carried record with the dateline location.
func (p *Parser) StoryDetail(resp crawler.Response, cont crawler.Continuation) (crawler.Transition, error) {
	if cont.Partial == nil {
		return crawler.Transition{}, fmt.Errorf("story detail %s: no record in progress", resp.URL)
	}
	doc, err := selector.Parse(resp.Body)
	if err != nil {
		return crawler.Transition{}, fmt.Errorf("story detail %s: %w", resp.URL, err)
	}
	p.state.Update(func(s *crawler.SiteStats) { s.Clicks++ })

	rec := *cont.Partial
	rec.Location = datelineLocation(doc.Root().Eval(locationQuery).Value)
	return crawler.Transition{
		Records: []crawler.RawRecord{rec},
		Misses:  doc.Misses(),
	}, nil
}

// citiesLocation extracts the city segment from ".../article/cities/<city>/...".
func citiesLocation(rawURL string) (string, bool) {
	if !strings.Contains(rawURL, citiesMarker) {
		return "", false
	}
	parts := strings.Split(rawURL, "/")
	if len(parts) <= citiesSegmentIndex {
		return "", true
	}
	return parts[citiesSegmentIndex], true
}

// datelineLocation takes the text before the first pipe, e.g. "Pune | Updated".
func datelineLocation(text string) string {
	before, _, _ := strings.Cut(text, "|")
	return strings.TrimSpace(before)
}
