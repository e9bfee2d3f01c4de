// Package sites binds the closed set of site ids to their parsers.
package sites

import (
	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/dispatcher"
	"github.com/oreusol/pangolin/internal/sites/indianexpress"
	"github.com/oreusol/pangolin/internal/sites/indiatoday"
)

// Options carries per-site parser settings.
type Options struct {
	IndiaToday indiatoday.Options
}

// Registry returns a registry with every built-in parser registered.
func Registry(opts Options) *dispatcher.Registry {
	r := dispatcher.NewRegistry()
	r.Register(crawler.SiteIndiaToday, func(d dispatcher.Deps) (crawler.Parser, error) {
		return indiatoday.New(opts.IndiaToday, d.State, d.Logger), nil
	})
	r.Register(crawler.SiteIndianExpress, func(d dispatcher.Deps) (crawler.Parser, error) {
		return indianexpress.New(d.State, d.Logger), nil
	})
	return r
}
