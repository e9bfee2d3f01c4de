package crawler

import (
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	defaultDedupCapacity   = 100_000
	dedupFalsePositiveRate = 0.001
)

// Deduplicator is an in-memory set of URLs scoped to one crawl session. A bloom
// filter answers most negative lookups; the exact set settles positives.
type Deduplicator struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	exact  map[string]struct{}
}

// NewDeduplicator sizes the prefilter for the expected number of URLs.
func NewDeduplicator(expected uint) *Deduplicator {
	if expected == 0 {
		expected = defaultDedupCapacity
	}
	return &Deduplicator{
		filter: bloom.NewWithEstimates(expected, dedupFalsePositiveRate),
		exact:  make(map[string]struct{}),
	}
}

// Seen reports whether url has been marked.
func (d *Deduplicator) Seen(url string) bool {
	key := dedupKey(url)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenLocked(key)
}

// MarkSeen records url.
func (d *Deduplicator) MarkSeen(url string) {
	key := dedupKey(url)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(key)
}

// CheckAndMark marks url and reports whether it had already been seen.
func (d *Deduplicator) CheckAndMark(url string) bool {
	key := dedupKey(url)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenLocked(key) {
		return true
	}
	d.markLocked(key)
	return false
}

// Len returns the number of distinct URLs marked.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.exact)
}

func (d *Deduplicator) seenLocked(key string) bool {
	if !d.filter.TestString(key) {
		return false
	}
	_, ok := d.exact[key]
	return ok
}

func (d *Deduplicator) markLocked(key string) {
	d.filter.AddString(key)
	d.exact[key] = struct{}{}
}

func dedupKey(url string) string {
	return strings.TrimSpace(url)
}
