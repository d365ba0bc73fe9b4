package fetcher

import (
	"context"
	"errors"
	"io"
	"time"

	"peg-metrics/internal/market"
)

// ErrMalformedResponse marks a provider payload that is missing required
// fields or yields no valid data after validation.
var ErrMalformedResponse = errors.New("malformed provider response")

// CandleFetcher retrieves OHLC candles for an asset over [from, to).
type CandleFetcher interface {
	FetchCandles(ctx context.Context, asset market.Asset, from, to time.Time) ([]market.Candle, error)
}

// SpotFetcher retrieves a single current price point for an asset.
type SpotFetcher interface {
	FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error)
}

const maxBodyBytes = 8 << 20

// readAll drains a response body with a hard cap so a misbehaving
// provider cannot stall the fetch loop on an unbounded payload.
func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}
