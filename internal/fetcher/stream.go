package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
)

const streamBaseURL = "wss://stream.binance.com:9443/ws"

// StreamOptions parameterise the exchange trade-stream adapter.
type StreamOptions struct {
	BaseURL string

	// StaleAfter rejects cached ticks older than this when FetchSpot is
	// called. Defaults to two minutes.
	StaleAfter time.Duration
}

// Stream keeps a live Binance trade subscription per asset and serves the
// most recent tick from an in-memory cache. It reconnects automatically
// with doubling backoff when a session drops.
type Stream struct {
	opts    StreamOptions
	logger  zerolog.Logger
	baseURL string

	mu   sync.RWMutex
	last map[string]market.SpotSample

	now func() time.Time
}

// NewStream constructs the trade-stream adapter. Run must be started for
// FetchSpot to return data.
func NewStream(opts StreamOptions, logger zerolog.Logger) *Stream {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = streamBaseURL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}

	return &Stream{
		opts:    opts,
		logger:  logger.With().Str("component", "stream_fetcher").Logger(),
		baseURL: baseURL,
		last:    make(map[string]market.SpotSample),
		now:     time.Now,
	}
}

// Run subscribes to the trade stream of every asset that carries a stream
// symbol and blocks until the context is cancelled.
func (s *Stream) Run(ctx context.Context, assets []market.Asset) error {
	var wg sync.WaitGroup
	subscribed := 0
	for _, asset := range assets {
		if asset.StreamSymbol == "" {
			continue
		}
		subscribed++
		wg.Add(1)
		go func(asset market.Asset) {
			defer wg.Done()
			s.subscribe(ctx, asset)
		}(asset)
	}
	if subscribed == 0 {
		s.logger.Warn().Msg("no assets carry a stream symbol, nothing to subscribe")
	}

	wg.Wait()
	return ctx.Err()
}

// FetchSpot serves the most recent cached tick for the asset. It fails when
// no tick has arrived yet or the cached tick is older than StaleAfter.
func (s *Stream) FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error) {
	if asset.StreamSymbol == "" {
		return market.SpotSample{}, fmt.Errorf("asset %s has no stream symbol configured", asset.ID)
	}

	s.mu.RLock()
	sample, ok := s.last[asset.ID]
	s.mu.RUnlock()

	if !ok {
		return market.SpotSample{}, fmt.Errorf("no trade received yet for %s", asset.StreamSymbol)
	}
	if age := s.now().UTC().Sub(sample.ObservedAt); age > s.opts.StaleAfter {
		return market.SpotSample{}, fmt.Errorf("last trade for %s is %s old", asset.StreamSymbol, age.Truncate(time.Second))
	}
	return sample, nil
}

// subscribe maintains the trade subscription for one asset, reconnecting
// with doubling backoff until the context is cancelled.
func (s *Stream) subscribe(ctx context.Context, asset market.Asset) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.connectAndRead(ctx, asset)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).
				Str("asset", asset.ID).
				Str("symbol", asset.StreamSymbol).
				Dur("backoff", backoff).
				Msg("trade stream dropped, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// connectAndRead maintains a single WebSocket session until the context is
// cancelled or the connection errors.
func (s *Stream) connectAndRead(ctx context.Context, asset market.Asset) error {
	endpoint := s.baseURL + "/" + strings.ToLower(asset.StreamSymbol) + "@trade"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Close the connection when the context is cancelled so ReadMessage
	// unblocks.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	s.logger.Debug().Str("asset", asset.ID).Str("symbol", asset.StreamSymbol).Msg("trade stream connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		sample, err := parseTrade(asset, msg)
		if err != nil {
			s.logger.Warn().Err(err).Str("asset", asset.ID).Msg("dropping unparseable trade")
			continue
		}

		s.mu.Lock()
		s.last[asset.ID] = sample
		s.mu.Unlock()
	}
}

// wsTradeMsg is the Binance trade stream message envelope.
type wsTradeMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func parseTrade(asset market.Asset, msg []byte) (market.SpotSample, error) {
	var m wsTradeMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return market.SpotSample{}, err
	}
	if m.EventType != "trade" {
		return market.SpotSample{}, fmt.Errorf("unexpected event type: %s", m.EventType)
	}

	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return market.SpotSample{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return market.SpotSample{}, fmt.Errorf("non-positive price %s", m.Price)
	}

	observedAt := time.UnixMilli(m.TradeTime).UTC()
	if m.TradeTime == 0 {
		observedAt = time.UnixMilli(m.EventTime).UTC()
	}

	return market.SpotSample{
		AssetID:    asset.ID,
		ObservedAt: observedAt,
		Price:      price,
		Provider:   "binance",
	}, nil
}

var _ SpotFetcher = (*Stream)(nil)
