package cli

import (
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history SYMBOL DDMMYY",
	Short:   "Print one UTC day of settlements and the daily total",
	Example: "  fundingwatcher history BTC 010124",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), args[0], args[1])
	},
}
