package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"funding-rate-alerts/internal/app"
)

var (
	simulateSymbol   string
	simulatePrevious string
	simulateCurrent  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟两次资金费率结算并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return fmt.Errorf("invalid --previous value: %w", err)
		}
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return fmt.Errorf("invalid --current value: %w", err)
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:   simulateSymbol,
			Previous: previous,
			Current:  current,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "合约（默认主合约）")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "0.0001", "上一次结算费率（小数，0.0001 = 0.01%）")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "-0.0001", "本次结算费率")
}
