package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"peg-metrics/internal/config"
	"peg-metrics/internal/fetcher"
	"peg-metrics/internal/market"
	"peg-metrics/internal/scheduler"
	"peg-metrics/internal/storage"
	"peg-metrics/internal/volatility"
)

// Store is the persistence surface the collector needs.
type Store interface {
	storage.VolatilityStore
	storage.SpotStore
}

// Stats is a point-in-time snapshot of collector activity.
type Stats struct {
	VolatilityTicks    int64
	VolatilityErrors   int64
	RecordsWritten     int64
	PeriodsSkipped     int64
	SpotTicks          int64
	SpotErrors         int64
	SpotsWritten       int64
	LastVolatilityTick time.Time
	LastSpotTick       time.Time
}

// Service orchestrates the two collection pipelines: windowed volatility
// records and spot peg samples. Within a tick every asset runs its own
// fetch-compute-persist sequence; one asset failing never aborts another.
type Service struct {
	volSched  *scheduler.Scheduler
	spotSched *scheduler.Scheduler
	candles   fetcher.CandleFetcher
	spot      fetcher.SpotFetcher
	engine    *volatility.Engine
	store     Store
	logger    zerolog.Logger

	assets      []market.Asset
	lookback    time.Duration
	concurrency int
	force       bool
	locker      storage.AdvisoryLocker
	lockKey     int64

	mu    sync.Mutex
	stats Stats
}

// New constructs the collection service.
func New(cfg *config.Config, volSched, spotSched *scheduler.Scheduler, candles fetcher.CandleFetcher, spot fetcher.SpotFetcher, engine *volatility.Engine, store Store, logger zerolog.Logger) *Service {
	lookback := cfg.Collector.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	concurrency := cfg.Collector.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		volSched:    volSched,
		spotSched:   spotSched,
		candles:     candles,
		spot:        spot,
		engine:      engine,
		store:       store,
		logger:      logger.With().Str("component", "service").Logger(),
		assets:      cfg.Collector.AssetList(),
		lookback:    lookback,
		concurrency: concurrency,
		force:       cfg.Collector.Force,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run drives both schedules until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.volSched == nil {
		return fmt.Errorf("volatility scheduler not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.volSched.Run(ctx, s.VolatilityTick)
	})
	if s.spotSched != nil && s.spot != nil {
		g.Go(func() error {
			return s.spotSched.Run(ctx, s.SpotTick)
		})
	}
	return g.Wait()
}

// VolatilityTick collects one volatility window for every tracked asset.
// Assets run concurrently up to the configured cap; they are visited in
// random order so no single one always hits the provider budget first.
func (s *Service) VolatilityTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	from := bucket.Add(-s.lookback)
	to := bucket

	order := make([]market.Asset, len(s.assets))
	copy(order, s.assets)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var tallyMu sync.Mutex
	var written, skipped, failed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, asset := range order {
		asset := asset
		g.Go(func() error {
			_, wasSkipped, err := s.CollectWindow(gctx, asset, from, to, s.force)

			tallyMu.Lock()
			defer tallyMu.Unlock()
			switch {
			case err != nil:
				failed++
				s.logger.Error().Err(err).
					Str("asset", asset.ID).
					Time("bucket", bucket).
					Msg("asset volatility pipeline failed")
			case wasSkipped:
				skipped++
			default:
				written++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.stats.VolatilityTicks++
	s.stats.VolatilityErrors += failed
	s.stats.RecordsWritten += written
	s.stats.PeriodsSkipped += skipped
	s.stats.LastVolatilityTick = bucket
	s.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("volatility tick %s: %d of %d assets failed", bucket.Format(time.RFC3339), failed, len(order))
	}
	return nil
}

// CollectWindow runs fetch, compute, and persist for one asset and one
// candle window. Unless force is set, a window whose period is already
// stored is skipped before any fetch happens. Nothing is persisted when
// fetch or compute fails.
func (s *Service) CollectWindow(ctx context.Context, asset market.Asset, from, to time.Time, force bool) (market.VolatilityRecord, bool, error) {
	if !force {
		exists, err := s.store.HasVolatilityPeriod(ctx, asset.ID, from)
		if err != nil {
			return market.VolatilityRecord{}, false, fmt.Errorf("check period for %s: %w", asset.ID, err)
		}
		if exists {
			s.logger.Debug().Str("asset", asset.ID).Time("period", from).Msg("period already stored, skipping")
			return market.VolatilityRecord{}, true, nil
		}
	}

	candles, err := s.candles.FetchCandles(ctx, asset, from, to)
	if err != nil {
		return market.VolatilityRecord{}, false, fmt.Errorf("fetch candles for %s: %w", asset.ID, err)
	}

	record, err := s.engine.Compute(asset, candles)
	if err != nil {
		return market.VolatilityRecord{}, false, fmt.Errorf("compute volatility for %s: %w", asset.ID, err)
	}

	if err := s.store.UpsertVolatility(ctx, record); err != nil {
		return market.VolatilityRecord{}, false, fmt.Errorf("persist volatility for %s: %w", asset.ID, err)
	}

	s.logger.Info().
		Str("asset", asset.ID).
		Time("period", record.Period).
		Float64("volatility", record.Volatility).
		Float64("mse", record.MSE).
		Int("samples", record.SampleCount).
		Msg("volatility recorded")

	return record, false, nil
}

// SpotTick samples the current price of every tracked asset.
func (s *Service) SpotTick(ctx context.Context, bucket time.Time) error {
	if s.spot == nil {
		return fmt.Errorf("spot fetcher not configured")
	}

	var tallyMu sync.Mutex
	var written, failed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, asset := range s.assets {
		asset := asset
		g.Go(func() error {
			err := s.collectSpot(gctx, asset)

			tallyMu.Lock()
			defer tallyMu.Unlock()
			if err != nil {
				failed++
				s.logger.Error().Err(err).
					Str("asset", asset.ID).
					Time("bucket", bucket).
					Msg("asset spot pipeline failed")
				return nil
			}
			written++
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.stats.SpotTicks++
	s.stats.SpotErrors += failed
	s.stats.SpotsWritten += written
	s.stats.LastSpotTick = bucket
	s.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("spot tick %s: %d of %d assets failed", bucket.Format(time.RFC3339), failed, len(s.assets))
	}
	return nil
}

func (s *Service) collectSpot(ctx context.Context, asset market.Asset) error {
	sample, err := s.spot.FetchSpot(ctx, asset)
	if err != nil {
		return fmt.Errorf("fetch spot for %s: %w", asset.ID, err)
	}
	if err := s.store.UpsertSpot(ctx, sample); err != nil {
		return fmt.Errorf("persist spot for %s: %w", asset.ID, err)
	}

	s.logger.Debug().
		Str("asset", asset.ID).
		Time("observed_at", sample.ObservedAt).
		Str("price", sample.Price.String()).
		Str("provider", sample.Provider).
		Msg("spot recorded")
	return nil
}

// Stats returns a snapshot of collector counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Assets returns the tracked asset set.
func (s *Service) Assets() []market.Asset {
	out := make([]market.Asset, len(s.assets))
	copy(out, s.assets)
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
