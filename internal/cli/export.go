package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medallion-etl/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportCoin      string
	exportCurrency  string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily gold metrics as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Coin:      exportCoin,
			Currency:  exportCurrency,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := parseDate(exportFrom, time.Time{})
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseDate(exportTo, time.Time{})
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First metric date (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last metric date (YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportCoin, "coin", "", "Restrict to one coin id")
	exportCmd.Flags().StringVar(&exportCurrency, "currency", "", "Currency for --coin (defaults to the first configured)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points per series (defaults to config)")
}
