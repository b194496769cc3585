package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders a symbol's settlement history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	symbol := funding.NormalizeSymbol(opts.Symbol, a.Config.Exchange.QuoteSuffix)
	if symbol == "" {
		return errors.New("--symbol is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Fetch {
		n, err := history.NewAggregator(store, a.newSource(), a.Logger).Backfill(ctx, symbol, from, to)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("symbol", symbol).Int("fetched", n).Msg("history loaded from exchange")
	}

	readings, err := store.ListReadings(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("no settlements found for export window")
		return nil
	}

	points := downsample(cumulate(readings), opts.MaxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(points)).Msg("exporting settlements")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, symbol, points); err != nil {
			return err
		}
	}

	return nil
}

// exportPoint is a settlement with the running total up to and including it.
type exportPoint struct {
	funding.Reading
	Cumulative decimal.Decimal
}

// cumulate runs over the full window so the totals survive downsampling.
func cumulate(readings []funding.Reading) []exportPoint {
	points := make([]exportPoint, len(readings))
	sum := decimal.Zero
	for i, r := range readings {
		sum = sum.Add(r.Rate)
		points[i] = exportPoint{Reading: r, Cumulative: sum}
	}
	return points
}

// downsample keeps limit evenly spaced points, always including the first and last.
func downsample(points []exportPoint, limit int) []exportPoint {
	if limit <= 0 || len(points) <= limit {
		return points
	}
	if limit == 1 {
		return points[len(points)-1:]
	}

	out := make([]exportPoint, 0, limit)
	step := float64(len(points)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := min(int(math.Round(step*float64(i))), len(points)-1)
		out = append(out, points[idx])
	}
	return out
}

func writePointsCSV(path string, points []exportPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"settled_at", "symbol", "rate", "rate_pct", "interval_hours", "cumulative_rate"}); err != nil {
		return err
	}
	for _, p := range points {
		if err := writer.Write([]string{
			p.SettledAt.UTC().Format(time.RFC3339),
			p.Symbol,
			p.Rate.String(),
			funding.FormatPercent(p.Rate),
			strconv.Itoa(p.IntervalHours),
			p.Cumulative.String(),
		}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path, symbol string, points []exportPoint) error {
	if len(points) < 2 {
		return errors.New("png export needs at least two settlements")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	hundred := decimal.NewFromInt(100)
	x := make([]time.Time, len(points))
	rates := make([]float64, len(points))
	cumulative := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.SettledAt
		rates[i] = p.Rate.Mul(hundred).InexactFloat64()
		cumulative[i] = p.Cumulative.Mul(hundred).InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f%%")
	}
	graph := chart.Chart{
		Title:  symbol + " funding rate",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Settled rate (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Settled",
				XValues: x,
				YValues: rates,
			},
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
