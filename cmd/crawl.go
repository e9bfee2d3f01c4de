package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/app"
	"github.com/oreusol/pangolin/internal/config"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl session
// over every site listed in spider.sites_to_crawl.
func newCrawlCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl session",
		Long: `Loads the configuration, crawls every configured site until its pagination
is exhausted, and waits for the storage stage to drain. Exits non-zero on a
configuration error or when storage halted on an unexpected error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, *cfgFile)
		},
	}
}

func runCrawl(cmd *cobra.Command, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	stats, err := a.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("crawl session %s: %w", stats.ID, err)
	}
	zap.L().Info("Crawl command finished.", zap.String("session", stats.ID))
	return nil
}
