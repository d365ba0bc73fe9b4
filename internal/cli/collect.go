package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peg-metrics/internal/app"
)

var (
	collectAsset string
	collectAt    string
	collectForce bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect one volatility window for every asset and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CollectOptions{
			Asset: collectAsset,
			Force: collectForce,
		}

		if collectAt != "" {
			at, err := time.Parse(time.RFC3339, collectAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = &at
		}

		return getApp().Collect(cmd.Context(), opts)
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectAsset, "asset", "", "Restrict the tick to one asset ID")
	collectCmd.Flags().StringVar(&collectAt, "at", "", "Tick timestamp (RFC3339, defaults to now)")
	collectCmd.Flags().BoolVar(&collectForce, "force", false, "Recompute periods that are already stored")
}
