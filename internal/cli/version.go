package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"funding-rate-alerts/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fundingwatcher %s\ngo: %s %s/%s\n", version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
