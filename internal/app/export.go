package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

// Export renders gold metrics as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	from, to, err := exportWindow(opts, logicaldate.Today())
	if err != nil {
		return err
	}
	series, err := a.exportSeries(opts)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := store.ListAggregatesBetween(ctx, from, to, series)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no metrics found for export window")
		return nil
	}

	downsampled := downsampleAggregates(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting metrics")

	if opts.CSVPath != "" {
		if err := writeAggregatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAggregatesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindow resolves the [from, to) metric date range. to defaults to the
// day after today; from defaults to maxPoints days before to.
func exportWindow(opts ExportOptions, today time.Time) (time.Time, time.Time, error) {
	to := today.AddDate(0, 0, 1)
	if opts.To != nil {
		to = logicaldate.Of(*opts.To, time.UTC)
	}

	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = logicaldate.Of(*opts.From, time.UTC)
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func (a *App) exportSeries(opts ExportOptions) (*storage.SeriesKey, error) {
	if opts.Coin == "" {
		if opts.Currency != "" {
			return nil, errors.New("--currency requires --coin")
		}
		return nil, nil
	}
	currency := opts.Currency
	if currency == "" {
		currency = a.Config.Currencies()[0]
	}
	return &storage.SeriesKey{CoinID: opts.Coin, Currency: currency}, nil
}

// groupBySeries splits rows per coin/currency, preserving date order.
func groupBySeries(rows []storage.DailyAggregate) ([]storage.SeriesKey, map[storage.SeriesKey][]storage.DailyAggregate) {
	grouped := make(map[storage.SeriesKey][]storage.DailyAggregate)
	for _, row := range rows {
		grouped[row.Series()] = append(grouped[row.Series()], row)
	}

	keys := make([]storage.SeriesKey, 0, len(grouped))
	for key, series := range grouped {
		sort.SliceStable(series, func(i, j int) bool { return series[i].MetricDate.Before(series[j].MetricDate) })
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CoinID != keys[j].CoinID {
			return keys[i].CoinID < keys[j].CoinID
		}
		return keys[i].Currency < keys[j].Currency
	})
	return keys, grouped
}

// downsampleAggregates keeps at most max evenly spaced rows per series.
func downsampleAggregates(rows []storage.DailyAggregate, max int) []storage.DailyAggregate {
	keys, grouped := groupBySeries(rows)
	out := make([]storage.DailyAggregate, 0, len(rows))
	for _, key := range keys {
		out = append(out, downsample(grouped[key], max)...)
	}
	return out
}

func downsample(rows []storage.DailyAggregate, max int) []storage.DailyAggregate {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.DailyAggregate, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeAggregatesCSV(path string, rows []storage.DailyAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"metric_date", "coin_id", "vs_currency", "avg_price", "min_price", "max_price", "change_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		change := ""
		if row.ChangePct.Valid {
			change = row.ChangePct.Decimal.String()
		}
		record := []string{
			logicaldate.Format(row.MetricDate),
			row.CoinID,
			row.Currency,
			row.AvgPrice.String(),
			row.MinPrice.String(),
			row.MaxPrice.String(),
			change,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAggregatesPNG(path string, rows []storage.DailyAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	keys, grouped := groupBySeries(rows)
	series := make([]chart.Series, 0, len(keys))
	for _, key := range keys {
		points := grouped[key]
		if len(points) < 2 {
			// go-chart needs at least two points to draw a line.
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, p := range points {
			x[i] = p.MetricDate
			y[i] = p.AvgPrice.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    fmt.Sprintf("%s/%s", key.CoinID, key.Currency),
			XValues: x,
			YValues: y,
		})
	}
	if len(series) == 0 {
		return errors.New("not enough data points to render chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Average price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
