package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"funding-rate-alerts/internal/alerting"
	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
)

// History prints every settlement of symbol on the given DDMMYY day and the daily total.
func (a *App) History(ctx context.Context, symbol, day string) error {
	date, err := history.ParseDate(day)
	if err != nil {
		return err
	}
	symbol = funding.NormalizeSymbol(symbol, a.Config.Exchange.QuoteSuffix)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := history.NewAggregator(store, a.newSource(), a.Logger).Query(ctx, symbol, date)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s %s (UTC day)\n", summary.Symbol, summary.Date.Format("02 Jan 2006"))
	if summary.Count() == 0 {
		fmt.Fprintln(os.Stdout, "no settlements found")
		return nil
	}

	loc := a.Config.Location()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Settled\tRate\tInterval")
	for _, r := range summary.Readings {
		fmt.Fprintf(writer, "%s\t%s\t%dh\n", r.SettledAt.In(loc).Format(alerting.DisplayTimeLayout), funding.FormatPercent(r.Rate), r.IntervalHours)
	}
	fmt.Fprintf(writer, "Total\t%s\t%d settlements\n", funding.FormatPercent(summary.Sum), summary.Count())
	return writer.Flush()
}
