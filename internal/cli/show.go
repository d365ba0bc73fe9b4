package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peg-metrics/internal/app"
)

var (
	showAsset string
	showLimit int
	showSpot  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent volatility records or spot samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Asset: showAsset,
			Limit: showLimit,
			Spot:  showSpot,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Restrict output to one asset ID")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display per asset")
	showCmd.Flags().BoolVar(&showSpot, "spot", false, "Show spot samples instead of volatility records")
}
