package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"medallion-etl/internal/fetcher"
	"medallion-etl/internal/pipeline"
)

// Preview fetches live prices and prints the facts normalization would
// produce, without touching the store.
func (a *App) Preview(ctx context.Context) error {
	if err := a.Config.ValidateSource(); err != nil {
		return err
	}
	return a.preview(ctx, a.newFetcher())
}

func (a *App) preview(ctx context.Context, source fetcher.PriceSource) error {
	coins := a.Config.CoinIDs()
	currencies := a.Config.Currencies()

	payload, err := source.FetchSimplePrice(ctx, coins, currencies)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	flat, err := pipeline.Flatten(payload, coins, currencies, now, now)
	if err != nil {
		return err
	}
	return renderPreview(a.out, flat)
}

func renderPreview(w io.Writer, flat pipeline.FlattenResult) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Coin\tCurrency\tPrice")
	for _, fact := range flat.Facts {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", fact.CoinID, fact.Currency, fact.Price.String())
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(flat.Skips) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%d skipped:\n", len(flat.Skips))
	writer = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, skip := range flat.Skips {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", skip.CoinID, skip.Currency, skip.Reason, sanitizeInline(skip.Detail))
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
