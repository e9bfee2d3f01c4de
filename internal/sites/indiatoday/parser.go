// Package indiatoday parses the India Today crime section. The front page
// lists the first stories; further stories come from a JSON "load more" API
// that is paged until the API reports nothing more to load.
package indiatoday

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/selector"
)

// Source is the value stored in the source column.
const Source = "INDIATODAY"

// Defaults for the load-more API.
const (
	DefaultAjaxURL  = "https://www.indiatoday.in/api/ajax/loadmorecontent"
	DefaultPagePath = "/crime"
	DefaultPageType = "story/photo_gallery/video/breaking_news"
)

var (
	itemsQuery    = selector.MustCompile("item", ".//article")
	titleQuery    = selector.MustCompile("title", "./div/div/a/@title")
	urlQuery      = selector.MustCompile("url", "./div/div/a/@href")
	descQuery     = selector.MustCompile("description", "./div/div/div/p/text()")
	locationQuery = selector.MustCompile("location", ".//span[@class='jsx-ace90f4eca22afc7 Story_stryloction__IUgpi']/text()")
	dateQuery     = selector.MustCompile("date", ".//span[@class='jsx-ace90f4eca22afc7 strydate']/text()")
)

// Options configures the load-more API request.
type Options struct {
	AjaxURL  string
	PagePath string
	PageType string
}

func (o Options) withDefaults() Options {
	if o.AjaxURL == "" {
		o.AjaxURL = DefaultAjaxURL
	}
	if o.PagePath == "" {
		o.PagePath = DefaultPagePath
	}
	if o.PageType == "" {
		o.PageType = DefaultPageType
	}
	return o
}

// Parser is the AJAX-paginated state machine for India Today.
type Parser struct {
	opts   Options
	state  *crawler.CrawlState
	logger *zap.Logger
}

// New creates a Parser that records its counters on state.
func New(opts Options, state *crawler.CrawlState, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		opts:   opts.withDefaults(),
		state:  state,
		logger: logger,
	}
}

// Site implements crawler.Parser.
func (p *Parser) Site() crawler.SiteID {
	return crawler.SiteIndiaToday
}

// FrontPage emits a detail fetch for every listed story plus the first
// load-more page.
func (p *Parser) FrontPage(resp crawler.Response) (crawler.Transition, error) {
	doc, err := selector.Parse(resp.Body)
	if err != nil {
		return crawler.Transition{}, fmt.Errorf("front page %s: %w", resp.URL, err)
	}
	p.state.Update(func(s *crawler.SiteStats) { s.Clicks++ })
	p.logger.Info("parsing front page", zap.String("url", resp.URL))

	var out crawler.Transition
	for _, item := range doc.Root().Find(itemsQuery) {
		link := strings.TrimSpace(item.Text(urlQuery).Value)
		if link == "" {
			continue
		}
		abs, err := crawler.ResolveURL(resp.URL, link)
		if err != nil {
			p.logger.Warn("skipping story with bad url", zap.String("href", link), zap.Error(err))
			continue
		}
		raw := crawler.RawRecord{Record: crawler.Record{
			Source:      Source,
			Title:       item.Text(titleQuery).Value,
			Description: item.Text(descQuery).Value,
			URL:         abs,
		}}
		out.Fetches = append(out.Fetches, p.detailFetch(raw))
	}
	out.Fetches = append(out.Fetches, p.ajaxFetch(1))
	out.Misses = doc.Misses()
	p.logger.Debug("front page parsed",
		zap.Int("details", len(out.Fetches)-1),
		zap.Int("misses", len(out.Misses)),
	)
	return out, nil
}

type loadMorePayload struct {
	Data struct {
		Content []struct {
			Title            string `json:"title"`
			DescriptionShort string `json:"description_short"`
			CanonicalURL     string `json:"canonical_url"`
		} `json:"content"`
		IsLoadMore json.RawMessage `json:"is_load_more"`
	} `json:"data"`
}

// Continue handles one load-more page. The next page is requested only when
// the payload reports is_load_more == 1.
func (p *Parser) Continue(resp crawler.Response, cont crawler.Continuation) (crawler.Transition, error) {
	if cont.Stage != crawler.StageAjaxPage {
		return crawler.Transition{}, fmt.Errorf("india today cannot continue stage %q", cont.Stage)
	}
	var payload loadMorePayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return crawler.Transition{}, fmt.Errorf("decode load more page %d: %w", cont.Page, err)
	}
	p.state.Update(func(s *crawler.SiteStats) {
		s.PageCursor = cont.Page
		if cont.Page > s.LoadMoreClicks {
			s.LoadMoreClicks = cont.Page
		}
	})

	var out crawler.Transition
	for _, story := range payload.Data.Content {
		link := strings.TrimSpace(story.CanonicalURL)
		if link == "" {
			out.Misses = append(out.Misses, crawler.SelectorMiss{Field: "url", Expr: "data.content[].canonical_url"})
			continue
		}
		abs, err := crawler.ResolveURL(resp.URL, link)
		if err != nil {
			p.logger.Warn("skipping story with bad url", zap.String("href", link), zap.Error(err))
			continue
		}
		raw := crawler.RawRecord{Record: crawler.Record{
			Source:      Source,
			Title:       story.Title,
			Description: story.DescriptionShort,
			URL:         abs,
		}}
		out.Fetches = append(out.Fetches, p.detailFetch(raw))
	}
	if loadMore(payload.Data.IsLoadMore) {
		out.Fetches = append(out.Fetches, p.ajaxFetch(cont.Page+1))
		p.logger.Debug("loading next page", zap.Int("page", cont.Page+1))
	} else {
		p.logger.Info("load more exhausted", zap.Int("page", cont.Page))
	}
	return out, nil
}

// StoryDetail completes the carried record with location and date.
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
	root := doc.Root()
	rec.Location = root.Text(locationQuery).Value
	rec.Dates = root.Texts(dateQuery)
	return crawler.Transition{
		Records: []crawler.RawRecord{rec},
		Misses:  doc.Misses(),
	}, nil
}

func (p *Parser) detailFetch(raw crawler.RawRecord) crawler.PendingFetch {
	return crawler.PendingFetch{
		Kind: crawler.FetchGET,
		URL:  raw.URL,
		Continuation: crawler.Continuation{
			Site:    crawler.SiteIndiaToday,
			Stage:   crawler.StageStoryDetail,
			Partial: &raw,
		},
	}
}

func (p *Parser) ajaxFetch(page int) crawler.PendingFetch {
	return crawler.PendingFetch{
		Kind: crawler.FetchGET,
		URL:  p.opts.AjaxURL,
		Query: url.Values{
			"page":     {strconv.Itoa(page)},
			"pagepath": {p.opts.PagePath},
			"pagetype": {p.opts.PageType},
		},
		Continuation: crawler.Continuation{
			Site:  crawler.SiteIndiaToday,
			Stage: crawler.StageAjaxPage,
			Page:  page,
		},
	}
}

// loadMore accepts the flag as a number, a numeric string or a boolean.
func loadMore(raw json.RawMessage) bool {
	switch strings.Trim(strings.TrimSpace(string(raw)), `"`) {
	case "1", "true":
		return true
	default:
		return false
	}
}
