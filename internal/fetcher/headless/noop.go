package headless

import (
	"context"
	"fmt"

	"github.com/oreusol/pangolin/internal/crawler"
)

// Noop implements crawler.Renderer when rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with crawler.ErrRendererDisabled.
func (Noop) Render(_ context.Context, url string) (crawler.RenderResult, error) {
	return crawler.RenderResult{}, fmt.Errorf("render %s: %w", url, crawler.ErrRendererDisabled)
}
