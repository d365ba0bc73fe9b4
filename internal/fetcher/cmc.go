package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
	"peg-metrics/internal/ratelimit"
)

const cmcQuotePath = "/v2/cryptocurrency/quotes/latest"

// CMCOptions parameterise the CoinMarketCap adapter.
type CMCOptions struct {
	BaseURL string
	APIKey  string
	Convert string
}

// CMC fetches spot quotes from the CoinMarketCap Pro API.
type CMC struct {
	opts    CMCOptions
	logger  zerolog.Logger
	client  *ratelimit.Client
	baseURL string
	now     func() time.Time
}

// NewCMC constructs a CoinMarketCap adapter on top of a shared
// rate-limited client.
func NewCMC(opts CMCOptions, client *ratelimit.Client, logger zerolog.Logger) *CMC {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://pro-api.coinmarketcap.com"
	}
	if opts.Convert == "" {
		opts.Convert = "USD"
	}

	return &CMC{
		opts:    opts,
		logger:  logger.With().Str("component", "cmc_fetcher").Logger(),
		client:  client,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchSpot reads the latest quote for the asset's listing symbol.
func (c *CMC) FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error) {
	symbol := asset.CMCSymbol
	if symbol == "" {
		symbol = asset.Symbol
	}
	if symbol == "" {
		return market.SpotSample{}, fmt.Errorf("asset %s has no listing symbol configured", asset.ID)
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("convert", c.opts.Convert)

	endpoint := c.baseURL + cmcQuotePath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.SpotSample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-CMC_PRO_API_KEY", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return market.SpotSample{}, err
	}
	defer resp.Body.Close()

	payload, err := readAll(resp.Body)
	if err != nil {
		return market.SpotSample{}, err
	}

	var quoteRes cmcQuoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return market.SpotSample{}, fmt.Errorf("%w: decode quote payload: %v", ErrMalformedResponse, err)
	}
	if quoteRes.Status.ErrorCode != 0 {
		return market.SpotSample{}, fmt.Errorf("cmc api error (%d): %s", quoteRes.Status.ErrorCode, quoteRes.Status.ErrorMessage)
	}

	listings, ok := quoteRes.Data[symbol]
	if !ok {
		// the api normalises listing keys to upper case
		listings, ok = quoteRes.Data[strings.ToUpper(symbol)]
	}
	if !ok || len(listings) == 0 {
		return market.SpotSample{}, fmt.Errorf("%w: no listing for %s", ErrMalformedResponse, symbol)
	}

	// The v2 endpoint returns every listing sharing the symbol; the
	// canonical asset is first.
	quote, ok := listings[0].Quote[c.opts.Convert]
	if !ok {
		return market.SpotSample{}, fmt.Errorf("%w: no %s quote for %s", ErrMalformedResponse, c.opts.Convert, symbol)
	}

	price, err := decimal.NewFromString(quote.Price.String())
	if err != nil || !price.IsPositive() {
		return market.SpotSample{}, fmt.Errorf("%w: bad price %q for %s", ErrMalformedResponse, quote.Price.String(), symbol)
	}

	observedAt := c.now().UTC()
	if quote.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339, quote.LastUpdated); err == nil {
			observedAt = ts.UTC()
		} else {
			c.logger.Warn().Str("last_updated", quote.LastUpdated).Msg("unparseable quote timestamp, using local clock")
		}
	}

	return market.SpotSample{
		AssetID:    asset.ID,
		ObservedAt: observedAt,
		Price:      price,
		Provider:   "coinmarketcap",
	}, nil
}

type cmcQuoteResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data map[string][]cmcListing `json:"data"`
}

type cmcListing struct {
	ID     int64               `json:"id"`
	Name   string              `json:"name"`
	Symbol string              `json:"symbol"`
	Quote  map[string]cmcQuote `json:"quote"`
}

type cmcQuote struct {
	Price       json.Number `json:"price"`
	LastUpdated string      `json:"last_updated"`
}

var _ SpotFetcher = (*CMC)(nil)
