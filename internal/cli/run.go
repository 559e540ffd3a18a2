package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily pipeline on the configured cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the bronze, silver and gold tables when absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Fetch live prices and print the normalized facts without writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Preview(cmd.Context())
	},
}
