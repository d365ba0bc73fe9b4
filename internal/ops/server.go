package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"peg-metrics/internal/market"
	"peg-metrics/internal/service"
	"peg-metrics/internal/version"
)

// Options parameterise the operational HTTP server.
type Options struct {
	ListenAddr string
	AppName    string
}

// StatsSource exposes collector counters for the status endpoint.
type StatsSource interface {
	Stats() service.Stats
}

// Pinger reports backing-store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves liveness and collector status over HTTP. It is a read-only
// surface; nothing here mutates collector state.
type Server struct {
	opts    Options
	logger  zerolog.Logger
	stats   StatsSource
	pinger  Pinger
	assets  []string
	started time.Time
}

// NewServer constructs the ops server for the given asset set. A nil pinger
// reduces /healthz to a process liveness check.
func NewServer(opts Options, stats StatsSource, pinger Pinger, assets []market.Asset, logger zerolog.Logger) *Server {
	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	return &Server{
		opts:    opts,
		logger:  logger.With().Str("component", "ops").Logger(),
		stats:   stats,
		pinger:  pinger,
		assets:  ids,
		started: time.Now().UTC(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("ops server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("ops server shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Stats()

	resp := statusResponse{
		App:           s.opts.AppName,
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Assets:        s.assets,
		Volatility: pipelineStatus{
			Ticks:    stats.VolatilityTicks,
			Errors:   stats.VolatilityErrors,
			Written:  stats.RecordsWritten,
			Skipped:  stats.PeriodsSkipped,
			LastTick: formatTick(stats.LastVolatilityTick),
		},
		Spot: pipelineStatus{
			Ticks:    stats.SpotTicks,
			Errors:   stats.SpotErrors,
			Written:  stats.SpotsWritten,
			LastTick: formatTick(stats.LastSpotTick),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("encode status response")
	}
}

func formatTick(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type statusResponse struct {
	App           string         `json:"app"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Assets        []string       `json:"assets"`
	Volatility    pipelineStatus `json:"volatility"`
	Spot          pipelineStatus `json:"spot"`
}

type pipelineStatus struct {
	Ticks    int64  `json:"ticks"`
	Errors   int64  `json:"errors"`
	Written  int64  `json:"written"`
	Skipped  int64  `json:"skipped,omitempty"`
	LastTick string `json:"last_tick,omitempty"`
}
