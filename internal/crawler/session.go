package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SiteStats are the per-site counters reported at session end.
type SiteStats struct {
	Clicks            int `json:"clicks"`
	LoadMoreClicks    int `json:"load_more_clicks"`
	PageCursor        int `json:"page_cursor"`
	RecordsEmitted    int `json:"records_emitted"`
	DuplicatesDropped int `json:"duplicates_dropped"`
	SkippedSeen       int `json:"skipped_seen"`
	SelectorMisses    int `json:"selector_misses"`
	DateErrors        int `json:"date_errors"`
	FollowedPages     int `json:"followed_pages"`
	FailedFetches     int `json:"failed_fetches"`
}

// CrawlState is the state owned by one site's parser for one crawl run.
type CrawlState struct {
	site SiteID

	// seen backs listing-time dedup inside the parser.
	seen *Deduplicator
	// emitted guards the record stage so a URL reaches storage at most once.
	emitted *Deduplicator
	// followed backs the unique rule for link following.
	followed *Deduplicator

	mu    sync.Mutex
	stats SiteStats
}

func newCrawlState(site SiteID) *CrawlState {
	return &CrawlState{
		site:     site,
		seen:     NewDeduplicator(0),
		emitted:  NewDeduplicator(0),
		followed: NewDeduplicator(0),
	}
}

// Site returns the owning site id.
func (s *CrawlState) Site() SiteID { return s.site }

// Seen returns the parser's listing dedup set.
func (s *CrawlState) Seen() *Deduplicator { return s.seen }

// Emitted returns the record-stage dedup set.
func (s *CrawlState) Emitted() *Deduplicator { return s.emitted }

// Followed returns the link-following dedup set.
func (s *CrawlState) Followed() *Deduplicator { return s.followed }

// Update applies fn to the counters atomically.
func (s *CrawlState) Update(fn func(*SiteStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

// Stats returns a copy of the counters.
func (s *CrawlState) Stats() SiteStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Session is the per-run context passed explicitly to every parser.
type Session struct {
	ID      string
	Started time.Time

	mu     sync.Mutex
	states map[SiteID]*CrawlState
}

// NewSession creates a session with a fresh UUIDv7 id.
func NewSession(now time.Time) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	return &Session{
		ID:      id.String(),
		Started: now,
		states:  make(map[SiteID]*CrawlState),
	}, nil
}

// State returns the crawl state for site, creating it on first use.
func (s *Session) State(site SiteID) *CrawlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[site]
	if !ok {
		st = newCrawlState(site)
		s.states[site] = st
	}
	return st
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	ID      string               `json:"id"`
	Started time.Time            `json:"started_at"`
	Sites   map[SiteID]SiteStats `json:"sites"`
}

// Snapshot returns the counters of every site touched so far.
func (s *Session) Snapshot() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionStats{ID: s.ID, Started: s.Started, Sites: make(map[SiteID]SiteStats, len(s.states))}
	for site, st := range s.states {
		out.Sites[site] = st.Stats()
	}
	return out
}
