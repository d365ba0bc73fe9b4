package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"peg-metrics/internal/config"
	"peg-metrics/internal/fetcher"
	"peg-metrics/internal/ops"
	"peg-metrics/internal/ratelimit"
	"peg-metrics/internal/scheduler"
	"peg-metrics/internal/service"
	"peg-metrics/internal/storage"
	"peg-metrics/internal/version"
	"peg-metrics/internal/volatility"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newFetchers wires the configured providers. Each provider gets exactly one
// rate-limited client, so OHLC and spot calls against the same provider
// drain the same token bucket. The returned Stream is non-nil only when the
// spot provider is the trade stream; Run must start it before samples flow.
func (a *App) newFetchers() (fetcher.CandleFetcher, fetcher.SpotFetcher, *fetcher.Stream) {
	cg := a.Config.Providers.CoinGecko
	coingecko := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:    cg.BaseURL,
		APIKey:     cg.APIKey,
		VSCurrency: cg.VSCurrency,
	}, ratelimit.NewClient(limiterOptions(cg.RateLimit, cg.RequestTimeout), a.Logger), a.Logger)

	var spot fetcher.SpotFetcher
	var stream *fetcher.Stream

	switch a.Config.Providers.Spot {
	case config.ProviderCMC:
		cmc := a.Config.Providers.CMC
		spot = fetcher.NewCMC(fetcher.CMCOptions{
			BaseURL: cmc.BaseURL,
			APIKey:  cmc.APIKey,
			Convert: cmc.Convert,
		}, ratelimit.NewClient(limiterOptions(cmc.RateLimit, cmc.RequestTimeout), a.Logger), a.Logger)
	case config.ProviderChainlink:
		eth := a.Config.Providers.Ethereum
		spot = fetcher.NewOnChain(fetcher.OnChainOptions{
			RPCURL:  eth.RPCURL,
			Timeout: eth.RequestTimeout,
			MaxAge:  eth.MaxFeedAge,
		}, a.Logger)
	case config.ProviderStream:
		stream = fetcher.NewStream(fetcher.StreamOptions{
			BaseURL:    a.Config.Providers.Stream.BaseURL,
			StaleAfter: a.Config.Providers.Stream.StaleAfter,
		}, a.Logger)
		spot = stream
	default:
		// coingecko: spot quotes ride the same client as the OHLC
		// fetches, so both drain one token bucket.
		spot = coingecko
	}

	return coingecko, spot, stream
}

func (a *App) newEngine() *volatility.Engine {
	return volatility.NewEngine(volatility.Options{
		PeriodsPerYear: a.Config.Collector.PeriodsPerYear,
	})
}

func limiterOptions(rl config.RateLimitConfig, timeout time.Duration) ratelimit.ClientOptions {
	return ratelimit.ClientOptions{
		Spacing:     rl.Spacing,
		Burst:       rl.Burst,
		MaxAttempts: rl.MaxAttempts,
		BackoffBase: rl.BackoffBase,
		BackoffCap:  rl.BackoffCap,
		Timeout:     timeout,
		UserAgent:   "pegwatcher/" + version.Version,
	}
}

// openStore connects to PostgreSQL. Persistence is not optional here;
// a missing DSN is a configuration error, not a degraded mode.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running collection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	volSched := scheduler.New(scheduler.Options{
		Name:         "volatility",
		Interval:     a.Config.Scheduler.VolatilityInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	spotSched := scheduler.New(scheduler.Options{
		Name:         "spot",
		Interval:     a.Config.Scheduler.SpotInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	candles, spot, stream := a.newFetchers()
	svc := service.New(a.Config, volSched, spotSched, candles, spot, a.newEngine(), store, a.Logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(ctx)
	})

	if stream != nil {
		group.Go(func() error {
			return stream.Run(ctx, svc.Assets())
		})
	}

	if a.Config.Ops.Enabled {
		server := ops.NewServer(ops.Options{
			ListenAddr: a.Config.Ops.ListenAddr,
			AppName:    a.Config.App.Name,
		}, svc, store, svc.Assets(), a.Logger)
		group.Go(func() error {
			return server.Run(ctx)
		})
	}

	a.Logger.Info().Msg("starting collection service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("collection service stopped")
	return nil
}

// CollectOptions configure the one-shot collection command.
type CollectOptions struct {
	// Asset restricts the tick to a single configured asset ID.
	Asset string
	At    *time.Time
	Force bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	Force  bool
	DryRun bool
}

// ExportOptions hold parameters for exporting stored volatility history.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset string
	Limit int
	Spot  bool
}
