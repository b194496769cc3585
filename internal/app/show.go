package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"funding-rate-alerts/internal/alerting"
	"funding-rate-alerts/internal/funding"
)

// Show prints the tracked symbol states, largest absolute rate first, and
// optionally the most recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	states, err := store.ListStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(os.Stdout, "no symbol states found")
	} else {
		sort.SliceStable(states, func(i, j int) bool {
			return states[i].LastReading.Rate.Abs().GreaterThan(states[j].LastReading.Rate.Abs())
		})
		if opts.Limit > 0 && len(states) > opts.Limit {
			states = states[:opts.Limit]
		}
		a.writeStates(os.Stdout, states)
	}

	if !opts.Alerts {
		return nil
	}

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts recorded")
		return nil
	}

	loc := a.Config.Location()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised\tSymbol\tKind\tPrevious\tNew\tSettled")
	for _, r := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.In(loc).Format(alerting.DisplayTimeLayout),
			r.Symbol,
			r.Kind,
			funding.FormatPercent(r.PreviousRate),
			funding.FormatPercent(r.NewRate),
			r.SettledAt.In(loc).Format(alerting.DisplayTimeLayout),
		)
	}
	return writer.Flush()
}

func (a *App) writeStates(w io.Writer, states []funding.SymbolState) {
	loc := a.Config.Location()
	primary := strings.ToUpper(a.Config.Policy.PrimarySymbol)

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tRate\tBias\tInterval\tSettled\tTier")
	for _, st := range states {
		r := st.LastReading
		tier := funding.ExtremeOnly
		if r.Symbol == primary {
			tier = funding.Full
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%dh\t%s\t%s\n",
			r.Symbol,
			funding.FormatPercent(r.Rate),
			st.Bias(),
			r.IntervalHours,
			r.SettledAt.In(loc).Format(alerting.DisplayTimeLayout),
			tier,
		)
	}
	writer.Flush()
}
