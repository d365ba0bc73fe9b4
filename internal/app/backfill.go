package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peg-metrics/internal/service"
)

// Backfill fills volatility gaps on the period grid between From and To.
// Gaps are discovered per asset against the stored rows; periods are then
// collected sequentially so a large window cannot blow the provider's
// request budget.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Scheduler.VolatilityInterval
	if interval <= 0 {
		return errors.New("scheduler.volatility_interval must be positive")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill window is empty; check --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	candles, spot, _ := a.newFetchers()
	svc := service.New(a.Config, nil, nil, candles, spot, a.newEngine(), store, a.Logger)

	lookback := a.Config.Collector.Lookback

	planned := 0
	processed := 0
	skipped := 0
	failed := 0

	for _, asset := range svc.Assets() {
		var periods []time.Time
		if opts.Force {
			for p := start; p.Before(end); p = p.Add(interval) {
				periods = append(periods, p)
			}
		} else {
			periods, err = store.MissingPeriods(ctx, asset.ID, start, end, interval)
			if err != nil {
				return err
			}
		}

		if len(periods) == 0 {
			a.Logger.Info().Str("asset", asset.ID).Msg("no missing periods")
			continue
		}

		if opts.DryRun {
			planned += len(periods)
			a.Logger.Info().
				Str("asset", asset.ID).
				Int("periods", len(periods)).
				Time("first", periods[0]).
				Time("last", periods[len(periods)-1]).
				Msg("dry-run: would collect")
			continue
		}

		for _, period := range periods {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			_, wasSkipped, err := svc.CollectWindow(ctx, asset, period, period.Add(lookback), opts.Force)
			if err != nil {
				failed++
				a.Logger.Error().Err(err).Str("asset", asset.ID).Time("period", period).Msg("backfill period failed")
				continue
			}
			if wasSkipped {
				skipped++
				continue
			}
			processed++
		}
	}

	if opts.DryRun {
		a.Logger.Info().Int("planned", planned).Msg("dry-run finished; nothing written")
		return nil
	}

	a.Logger.Info().Int("processed", processed).Int("skipped", skipped).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return fmt.Errorf("backfill: %d periods failed", failed)
	}
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
