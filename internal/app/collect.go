package app

import (
	"context"
	"fmt"
	"time"

	"peg-metrics/internal/config"
	"peg-metrics/internal/service"
)

// Collect runs a single volatility tick and exits. It drives the same
// pipeline the scheduler does, so a cron deployment behaves exactly like
// the long-running service, advisory lock included.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	if opts.Asset != "" {
		if err := a.narrowAssets(opts.Asset); err != nil {
			return err
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Force {
		a.Config.Collector.Force = true
	}

	candles, spot, _ := a.newFetchers()
	svc := service.New(a.Config, nil, nil, candles, spot, a.newEngine(), store, a.Logger)

	bucket := time.Now().UTC()
	if opts.At != nil {
		bucket = opts.At.UTC()
	}
	if a.Config.Scheduler.AlignToBucket {
		bucket = bucket.Truncate(a.Config.Scheduler.VolatilityInterval)
	}

	return svc.VolatilityTick(ctx, bucket)
}

// narrowAssets restricts the collector to one asset from the configured set.
func (a *App) narrowAssets(id string) error {
	cfgs := a.Config.Collector.Assets
	if len(cfgs) == 0 {
		cfgs = config.DefaultAssets()
	}
	for _, c := range cfgs {
		if c.ResolvedID() == id {
			a.Config.Collector.Assets = []config.AssetConfig{c}
			return nil
		}
	}
	return fmt.Errorf("asset %q is not configured", id)
}
