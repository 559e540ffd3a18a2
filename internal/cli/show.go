package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medallion-etl/internal/app"
)

var (
	showDate   string
	showLimit  int
	showFormat string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display daily gold metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Format: showFormat,
		}
		if showDate != "" {
			ds, err := parseDate(showDate, time.Time{})
			if err != nil {
				return fmt.Errorf("--date: %w", err)
			}
			opts.Date = &ds
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showDate, "date", "", "Metric date (YYYY-MM-DD); latest rows when empty")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showFormat, "format", app.FormatTable, "Output format: table or yaml")
}
