// Package headless renders listing pages in headless Chrome and drives their
// "load more" control until no new content appears.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/metrics"
)

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel      int
	UserAgent        string
	Timeout          time.Duration
	LoadMoreSelector string
	InitialWait      time.Duration
	ClickWait        time.Duration
	// MaxClicks caps load-more activations per render. Zero means no cap.
	MaxClicks int
}

// Pacer delays a render until the target host may be contacted again.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer implements crawler.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	pacer       Pacer
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by chromedp. pacer may be nil.
func NewChromedp(cfg Config, pacer Pacer, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.LoadMoreSelector == "" {
		return nil, fmt.Errorf("load more selector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		pacer:       pacer,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to url, clicks the load-more control until the document
// stops changing, and returns the final DOM with the click count.
func (r *Renderer) Render(ctx context.Context, url string) (crawler.RenderResult, error) {
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, url); err != nil {
			return crawler.RenderResult{}, fmt.Errorf("render pacing: %w", err)
		}
	}
	if err := r.acquire(ctx); err != nil {
		return crawler.RenderResult{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.timeout())
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var finalURL string
	setup := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.InitialWait),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(taskCtx, setup...); err != nil {
		metrics.ObserveRender("error", time.Since(start))
		return crawler.RenderResult{}, fmt.Errorf("chromedp navigate: %w", err)
	}

	html, clicks, err := loadMore(taskCtx, chromeDriver{}, loopOptions{
		selector:  r.cfg.LoadMoreSelector,
		clickWait: r.cfg.ClickWait,
		maxClicks: r.cfg.MaxClicks,
	})
	if err != nil {
		metrics.ObserveRender("error", time.Since(start))
		return crawler.RenderResult{}, err
	}
	metrics.ObserveRender("ok", time.Since(start))

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	r.logger.Debug("render complete",
		zap.String("url", responseURL),
		zap.Int("clicks", clicks),
		zap.Duration("elapsed", time.Since(start)),
	)
	return crawler.RenderResult{
		URL:        responseURL,
		StatusCode: status,
		HTML:       html,
		ClickCount: clicks,
	}, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) timeout() time.Duration {
	if r.cfg.Timeout > 0 {
		return r.cfg.Timeout
	}
	return 5 * time.Minute
}

// pageDriver is the subset of browser operations the load-more loop needs.
type pageDriver interface {
	HTML(ctx context.Context) (string, error)
	HasButton(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Wait(ctx context.Context, d time.Duration) error
}

type loopOptions struct {
	selector  string
	clickWait time.Duration
	maxClicks int
}

// loadMore clicks selector until the document is unchanged between two
// iterations, the control disappears, or maxClicks is reached.
func loadMore(ctx context.Context, d pageDriver, opts loopOptions) (string, int, error) {
	current, err := d.HTML(ctx)
	if err != nil {
		return "", 0, err
	}
	previous := ""
	clicks := 0
	for previous != current {
		if opts.maxClicks > 0 && clicks >= opts.maxClicks {
			break
		}
		previous = current
		present, err := d.HasButton(ctx, opts.selector)
		if err != nil {
			return "", clicks, err
		}
		if !present {
			break
		}
		if err := d.Click(ctx, opts.selector); err != nil {
			return "", clicks, err
		}
		if err := d.Wait(ctx, opts.clickWait); err != nil {
			return "", clicks, err
		}
		clicks++
		current, err = d.HTML(ctx)
		if err != nil {
			return "", clicks, err
		}
	}
	return current, clicks, nil
}

type chromeDriver struct{}

func (chromeDriver) HTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (chromeDriver) HasButton(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return len(nodes) > 0, nil
}

func (chromeDriver) Click(ctx context.Context, selector string) error {
	if err := chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (chromeDriver) Wait(ctx context.Context, d time.Duration) error {
	if err := chromedp.Run(ctx, chromedp.Sleep(d)); err != nil {
		return fmt.Errorf("wait after click: %w", err)
	}
	return nil
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first document response is the navigation; later ones are frames.
	if m.url != "" {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
