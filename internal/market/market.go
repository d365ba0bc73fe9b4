package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies one tracked stablecoin. The set of assets is fixed at
// startup from configuration; values are never mutated afterwards.
type Asset struct {
	// ID is the stable internal identifier, e.g. "usdt".
	ID string
	// Symbol is the display ticker, e.g. "USDT".
	Symbol string
	// Name is the human-readable name, e.g. "Tether".
	Name string
	// Peg is the reference value the coin is expected to track, in USD.
	Peg decimal.Decimal

	// Provider mappings. Only the ones for enabled providers need to be set.
	CoinGeckoID  string
	CMCSymbol    string
	FeedAddress  string
	StreamSymbol string
}

// Candle is one OHLC sample for an asset. Bucket is the start of the
// aggregation window in UTC.
type Candle struct {
	AssetID string
	Bucket  time.Time
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Close   decimal.Decimal
}

// Validate checks the OHLC invariants: all four prices positive and
// low <= open,close <= high.
func (c Candle) Validate() error {
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	} {
		if !p.value.IsPositive() {
			return fmt.Errorf("candle %s at %s: %s must be positive, got %s",
				c.AssetID, c.Bucket.Format(time.RFC3339), p.name, p.value)
		}
	}

	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("candle %s at %s: low %s exceeds high %s",
			c.AssetID, c.Bucket.Format(time.RFC3339), c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("candle %s at %s: open %s outside [%s, %s]",
			c.AssetID, c.Bucket.Format(time.RFC3339), c.Open, c.Low, c.High)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("candle %s at %s: close %s outside [%s, %s]",
			c.AssetID, c.Bucket.Format(time.RFC3339), c.Close, c.Low, c.High)
	}
	return nil
}

// SpotSample is a single observed price point.
type SpotSample struct {
	AssetID    string
	ObservedAt time.Time
	Price      decimal.Decimal
	Provider   string
	CreatedAt  time.Time
}

// VolatilityRecord summarises one candle window. Period identifies the
// window (the bucket of its first candle); re-computations for the same
// (asset, period) key overwrite earlier ones on persistence.
type VolatilityRecord struct {
	AssetID     string
	Period      time.Time
	Volatility  float64
	MSE         float64
	Kurtosis    float64
	SampleCount int
	WindowStart time.Time
	WindowEnd   time.Time
	CreatedAt   time.Time
}
