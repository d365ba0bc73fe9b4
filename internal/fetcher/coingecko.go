package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
	"peg-metrics/internal/ratelimit"
)

const (
	coinGeckoOHLCPath = "/coins/%s/ohlc"
	coinGeckoSpotPath = "/simple/price"
)

// ohlcDaysSteps are the window sizes the CoinGecko OHLC endpoint accepts.
var ohlcDaysSteps = []int{1, 7, 14, 30, 90, 180, 365}

// CoinGeckoOptions parameterise the CoinGecko adapter.
type CoinGeckoOptions struct {
	BaseURL    string
	APIKey     string
	VSCurrency string
}

// CoinGecko fetches OHLC candles and spot prices from the CoinGecko API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *ratelimit.Client
	baseURL string
	now     func() time.Time
}

// NewCoinGecko constructs a CoinGecko adapter on top of a shared
// rate-limited client.
func NewCoinGecko(opts CoinGeckoOptions, client *ratelimit.Client, logger zerolog.Logger) *CoinGecko {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.VSCurrency == "" {
		opts.VSCurrency = "usd"
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:  client,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchCandles retrieves the OHLC window for the asset. The provider keys
// history off "days before now", so the requested window is mapped onto the
// smallest supported days value covering it and the rows are filtered back
// down to [from, to). Individual rows that fail validation are dropped and
// logged; a window with no valid rows left is malformed.
func (g *CoinGecko) FetchCandles(ctx context.Context, asset market.Asset, from, to time.Time) ([]market.Candle, error) {
	if asset.CoinGeckoID == "" {
		return nil, fmt.Errorf("asset %s has no coingecko id configured", asset.ID)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("invalid window: %s is not before %s", from, to)
	}

	endpoint := g.baseURL + fmt.Sprintf(coinGeckoOHLCPath, url.PathEscape(asset.CoinGeckoID))
	query := url.Values{}
	query.Set("vs_currency", g.opts.VSCurrency)
	query.Set("days", strconv.Itoa(snapDays(g.now().UTC().Sub(from))))

	payload, err := g.getJSON(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}

	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode ohlc payload: %v", ErrMalformedResponse, err)
	}

	candles := make([]market.Candle, 0, len(rows))
	dropped := 0
	for i, row := range rows {
		candle, err := parseOHLCRow(asset.ID, row)
		if err != nil {
			dropped++
			g.logger.Warn().Err(err).
				Str("asset", asset.ID).
				Int("row", i).
				Msg("dropping invalid candle")
			continue
		}
		if candle.Bucket.Before(from) || !candle.Bucket.Before(to) {
			continue
		}
		candles = append(candles, candle)
	}

	candles = dedupeSorted(candles)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no valid candles for %s in [%s, %s) (%d rows dropped)",
			ErrMalformedResponse, asset.ID, from.Format(time.RFC3339), to.Format(time.RFC3339), dropped)
	}
	return candles, nil
}

// FetchSpot reads the current simple price for the asset.
func (g *CoinGecko) FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error) {
	if asset.CoinGeckoID == "" {
		return market.SpotSample{}, fmt.Errorf("asset %s has no coingecko id configured", asset.ID)
	}

	query := url.Values{}
	query.Set("ids", asset.CoinGeckoID)
	query.Set("vs_currencies", g.opts.VSCurrency)

	payload, err := g.getJSON(ctx, g.baseURL+coinGeckoSpotPath, query)
	if err != nil {
		return market.SpotSample{}, err
	}

	var prices map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &prices); err != nil {
		return market.SpotSample{}, fmt.Errorf("%w: decode price payload: %v", ErrMalformedResponse, err)
	}

	quote, ok := prices[asset.CoinGeckoID]
	if !ok {
		return market.SpotSample{}, fmt.Errorf("%w: no entry for %s", ErrMalformedResponse, asset.CoinGeckoID)
	}
	raw, ok := quote[g.opts.VSCurrency]
	if !ok {
		return market.SpotSample{}, fmt.Errorf("%w: no %s quote for %s", ErrMalformedResponse, g.opts.VSCurrency, asset.CoinGeckoID)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil || !price.IsPositive() {
		return market.SpotSample{}, fmt.Errorf("%w: bad price %q for %s", ErrMalformedResponse, raw.String(), asset.CoinGeckoID)
	}

	return market.SpotSample{
		AssetID:    asset.ID,
		ObservedAt: g.now().UTC(),
		Price:      price,
		Provider:   "coingecko",
	}, nil
}

func (g *CoinGecko) getJSON(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if g.opts.APIKey != "" {
		req.Header.Set("x-cg-api-key", g.opts.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readAll(resp.Body)
}

// parseOHLCRow converts one provider row into a validated Candle.
//
// CoinGecko OHLC row layout:
//
//	[0] bucket timestamp (int64, Unix ms)
//	[1] open  (number)
//	[2] high  (number)
//	[3] low   (number)
//	[4] close (number)
func parseOHLCRow(assetID string, row []json.Number) (market.Candle, error) {
	if len(row) < 5 {
		return market.Candle{}, fmt.Errorf("ohlc row has %d fields, want 5", len(row))
	}

	ms, err := row[0].Int64()
	if err != nil {
		return market.Candle{}, fmt.Errorf("ohlc timestamp: %w", err)
	}

	prices := make([]decimal.Decimal, 4)
	for i := 0; i < 4; i++ {
		p, err := decimal.NewFromString(row[i+1].String())
		if err != nil {
			return market.Candle{}, fmt.Errorf("ohlc field %d: %w", i+1, err)
		}
		prices[i] = p
	}

	candle := market.Candle{
		AssetID: assetID,
		Bucket:  time.UnixMilli(ms).UTC(),
		Open:    prices[0],
		High:    prices[1],
		Low:     prices[2],
		Close:   prices[3],
	}
	if err := candle.Validate(); err != nil {
		return market.Candle{}, err
	}
	return candle, nil
}

// snapDays maps a lookback duration onto the smallest days value the OHLC
// endpoint supports that still covers it. Requests beyond the largest
// supported window are capped rather than rejected.
func snapDays(span time.Duration) int {
	days := int(span / (24 * time.Hour))
	if span%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	for _, step := range ohlcDaysSteps {
		if days <= step {
			return step
		}
	}
	return ohlcDaysSteps[len(ohlcDaysSteps)-1]
}

// dedupeSorted orders candles by bucket and collapses duplicate buckets,
// keeping the later row (last write wins, matching persistence semantics).
func dedupeSorted(candles []market.Candle) []market.Candle {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Bucket.Before(candles[j].Bucket)
	})

	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].Bucket.Equal(c.Bucket) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

var _ CandleFetcher = (*CoinGecko)(nil)
var _ SpotFetcher = (*CoinGecko)(nil)
