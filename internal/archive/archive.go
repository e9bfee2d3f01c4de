// Package archive keeps raw copies of pages whose structural queries missed,
// so markup changes can be diagnosed after a crawl.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
)

const contentType = "text/html; charset=utf-8"

// Archive writes page snapshots to a blob store.
type Archive struct {
	store  crawler.BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes an Archive.
type Option func(*Archive)

// WithClock overrides the time source used for the date path segments.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// New returns an Archive writing beneath prefix.
func New(store crawler.BlobStore, prefix string, logger *zap.Logger, opts ...Option) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archive{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot stores body under <prefix>/<site>/<yyyy>/<mm>/<dd>/<sha256>.html
// and returns the blob URI. Identical bodies map to the same path.
func (a *Archive) Snapshot(ctx context.Context, site crawler.SiteID, pageURL string, body []byte) (string, error) {
	path := a.path(site, body)
	uri, err := a.store.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", pageURL, err)
	}
	a.logger.Info("page snapshot stored",
		zap.String("site", string(site)),
		zap.String("url", pageURL),
		zap.String("blob_uri", uri),
	)
	return uri, nil
}

func (a *Archive) path(site crawler.SiteID, body []byte) string {
	sum := sha256.Sum256(body)
	name := hex.EncodeToString(sum[:]) + ".html"
	day := a.now().UTC().Format("2006/01/02")
	if a.prefix == "" {
		return fmt.Sprintf("%s/%s/%s", site, day, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s", a.prefix, site, day, name)
}
