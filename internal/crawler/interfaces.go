package crawler

import (
	"context"
	"io"
)

// Parser is a site-specific pagination state machine. Each method consumes one
// completed fetch and returns the records and follow-up fetches it produced.
type Parser interface {
	Site() SiteID
	FrontPage(resp Response) (Transition, error)
	Continue(resp Response, cont Continuation) (Transition, error)
	StoryDetail(resp Response, cont Continuation) (Transition, error)
}

// RecordStore persists finished records.
type RecordStore interface {
	Add(ctx context.Context, rec Record) error
	Close()
}

// RecordSink accepts records for asynchronous storage.
type RecordSink interface {
	Submit(ctx context.Context, rec Record) bool
}

// Renderer drives a headless browser through a site's "load more" control.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderResult, error)
}

// RenderResult is the outcome of one render round-trip.
type RenderResult struct {
	URL        string
	StatusCode int
	HTML       string
	ClickCount int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes stored-record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
