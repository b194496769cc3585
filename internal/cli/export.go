package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"funding-rate-alerts/internal/app"
)

var (
	exportSymbol    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportFetch     bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a symbol's settlement history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Symbol:    exportSymbol,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Fetch:     exportFetch,
		}

		if exportFrom != "" {
			from, err := parseTimeFlag(exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseTimeFlag(exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Symbol to export, e.g. BTC or BTCUSDT")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or DDMMYY, inclusive); defaults to 30 days before --to")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or DDMMYY, exclusive); defaults to now")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	exportCmd.Flags().BoolVar(&exportFetch, "fetch", false, "Load the window from the exchange before exporting")
	_ = exportCmd.MarkFlagRequired("symbol")
}
