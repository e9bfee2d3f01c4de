// Package cmd defines and implements the CLI commands for the pangolin executable.
package cmd

import (
	"github.com/spf13/cobra"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pangolin",
		Short: "Crime-news crawler for Indian news sites.",
		Long: `pangolin crawls the crime sections of the configured news sites, follows
their "load more" pagination, and stores every story once in Postgres.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CUSTOM_CONFIG_PATH)")
	cmd.AddCommand(newCrawlCmd(&cfgFile))
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
