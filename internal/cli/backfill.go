package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"funding-rate-alerts/internal/app"
)

var (
	backfillSymbols []string
	backfillFrom    string
	backfillTo      string
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load historical funding settlements from the exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseTimeFlag(backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := parseTimeFlag(backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			Symbols: backfillSymbols,
			From:    from,
			To:      to,
			DryRun:  backfillDryRun,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillSymbols, "symbols", nil, "Symbols to backfill (defaults to every tracked perpetual)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start (RFC3339 or DDMMYY, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End (RFC3339 or DDMMYY, exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
