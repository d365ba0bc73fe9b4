package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"peg-metrics/internal/market"
	"peg-metrics/internal/storage"
)

// Show prints recent stored rows as a table, newest first. Without --asset
// it walks the whole configured set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	assetIDs := a.assetIDs(opts.Asset)

	if opts.Spot {
		return showSpots(ctx, store, assetIDs, opts.Limit)
	}
	return showVolatility(ctx, store, assetIDs, opts.Limit)
}

func (a *App) assetIDs(override string) []string {
	if override != "" {
		return []string{override}
	}

	assets := a.Config.Collector.AssetList()
	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		ids = append(ids, asset.ID)
	}
	return ids
}

func showVolatility(ctx context.Context, store *storage.Store, assetIDs []string, limit int) error {
	var records []market.VolatilityRecord
	for _, id := range assetIDs {
		rows, err := store.ListRecentVolatility(ctx, id, limit)
		if err != nil {
			return err
		}
		records = append(records, rows...)
	}

	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no volatility records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period (UTC)\tAsset\tVolatility\tMSE\tKurtosis\tSamples\tWindow")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%.6f\t%.8f\t%.4f\t%d\t%s .. %s\n",
			rec.Period.UTC().Format(time.RFC3339),
			rec.AssetID,
			rec.Volatility,
			rec.MSE,
			rec.Kurtosis,
			rec.SampleCount,
			rec.WindowStart.UTC().Format("2006-01-02 15:04"),
			rec.WindowEnd.UTC().Format("2006-01-02 15:04"),
		)
	}

	writer.Flush()
	return nil
}

func showSpots(ctx context.Context, store *storage.Store, assetIDs []string, limit int) error {
	var samples []market.SpotSample
	for _, id := range assetIDs {
		rows, err := store.ListRecentSpots(ctx, id, limit)
		if err != nil {
			return err
		}
		samples = append(samples, rows...)
	}

	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no spot samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tAsset\tPrice\tProvider")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			sample.ObservedAt.UTC().Format(time.RFC3339),
			sample.AssetID,
			sample.Price.StringFixed(6),
			sample.Provider,
		)
	}

	writer.Flush()
	return nil
}
