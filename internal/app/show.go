package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

const (
	FormatTable = "table"
	FormatYAML  = "yaml"
)

// Show prints gold metrics for one date, or the most recent rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := loadAggregates(ctx, store, opts)
	if err != nil {
		return err
	}
	return renderAggregates(a.out, rows, opts.Format)
}

func loadAggregates(ctx context.Context, reader storage.AggregateReader, opts ShowOptions) ([]storage.DailyAggregate, error) {
	if opts.Date != nil {
		return reader.ListAggregatesForDate(ctx, logicaldate.Of(*opts.Date, time.UTC))
	}
	return reader.ListRecentAggregates(ctx, opts.Limit)
}

type aggregateView struct {
	Date      string  `yaml:"date"`
	Coin      string  `yaml:"coin"`
	Currency  string  `yaml:"currency"`
	AvgPrice  string  `yaml:"avg_price"`
	MinPrice  string  `yaml:"min_price"`
	MaxPrice  string  `yaml:"max_price"`
	ChangePct *string `yaml:"change_pct"`
}

func newAggregateView(agg storage.DailyAggregate) aggregateView {
	view := aggregateView{
		Date:     logicaldate.Format(agg.MetricDate),
		Coin:     agg.CoinID,
		Currency: agg.Currency,
		AvgPrice: agg.AvgPrice.String(),
		MinPrice: agg.MinPrice.String(),
		MaxPrice: agg.MaxPrice.String(),
	}
	if agg.ChangePct.Valid {
		pct := agg.ChangePct.Decimal.StringFixed(4)
		view.ChangePct = &pct
	}
	return view
}

func renderAggregates(w io.Writer, rows []storage.DailyAggregate, format string) error {
	switch format {
	case "", FormatTable:
		return renderAggregateTable(w, rows)
	case FormatYAML:
		views := make([]aggregateView, 0, len(rows))
		for _, row := range rows {
			views = append(views, newAggregateView(row))
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q (want %s or %s)", format, FormatTable, FormatYAML)
	}
}

func renderAggregateTable(w io.Writer, rows []storage.DailyAggregate) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no metrics found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tCoin\tCurrency\tAvg\tMin\tMax\tChange%")
	for _, row := range rows {
		change := "-"
		if row.ChangePct.Valid {
			change = formatDecimal(row.ChangePct.Decimal, 2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			logicaldate.Format(row.MetricDate),
			row.CoinID,
			row.Currency,
			formatDecimal(row.AvgPrice, 4),
			formatDecimal(row.MinPrice, 4),
			formatDecimal(row.MaxPrice, 4),
			change,
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
