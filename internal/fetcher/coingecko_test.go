package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
	"peg-metrics/internal/ratelimit"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func rlClient() *ratelimit.Client {
	return ratelimit.NewClient(ratelimit.ClientOptions{
		Spacing:     time.Millisecond,
		Burst:       16,
		MaxAttempts: 1,
		Timeout:     2 * time.Second,
		UserAgent:   "test",
	}, noopLogger())
}

func testUSDT() market.Asset {
	return market.Asset{
		ID:          "usdt",
		Symbol:      "USDT",
		Name:        "Tether",
		Peg:         decimal.NewFromInt(1),
		CoinGeckoID: "tether",
	}
}

func TestCoinGeckoFetchCandlesMissingID(t *testing.T) {
	g := NewCoinGecko(CoinGeckoOptions{}, rlClient(), noopLogger())
	asset := testUSDT()
	asset.CoinGeckoID = ""

	_, err := g.FetchCandles(context.Background(), asset, time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error for asset without coingecko id")
	}
}

func TestCoinGeckoFetchCandles(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	var gotPath, gotDays string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDays = r.URL.Query().Get("days")
		w.Header().Set("Content-Type", "application/json")
		// before window, two in-window rows out of order, a duplicate
		// bucket, an invalid row, and one at the right edge
		w.Write([]byte(`[
			[1709942400000, 1.0, 1.01, 0.99, 1.0],
			[1710036000000, 1.0, 1.02, 0.99, 1.01],
			[1710028800000, 1.0, 1.01, 0.99, 1.0],
			[1710028800000, 1.0, 1.015, 0.995, 1.005],
			[1710036000000, 1.0, 0.5, 0.99, 1.01],
			[1710064800000, 1.0, 1.01, 0.99, 1.0]
		]`))
	}))
	defer srv.Close()

	g := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, rlClient(), noopLogger())
	g.now = func() time.Time { return base.Add(34 * time.Hour) }

	from := base            // 2024-03-10T00:00:00Z = 1710028800000 ms
	to := base.Add(10 * time.Hour)

	candles, err := g.FetchCandles(context.Background(), testUSDT(), from, to)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}

	if gotPath != "/coins/tether/ohlc" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotDays != "7" {
		t.Fatalf("expected days snapped to 7, got %q", gotDays)
	}

	if len(candles) != 2 {
		t.Fatalf("expected 2 candles after filter and dedupe, got %d", len(candles))
	}
	if !candles[0].Bucket.Equal(from) {
		t.Fatalf("first bucket is %s, want %s", candles[0].Bucket, from)
	}
	if !candles[0].High.Equal(decimal.NewFromFloat(1.015)) {
		t.Fatalf("duplicate bucket should keep the later row, got high %s", candles[0].High)
	}
	if !candles[1].Bucket.After(candles[0].Bucket) {
		t.Fatal("candles are not sorted by bucket")
	}
}

func TestCoinGeckoFetchCandlesAllInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[1710028800000, 1.0, 0.9, 0.99, 1.0]]`))
	}))
	defer srv.Close()

	g := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, rlClient(), noopLogger())

	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := g.FetchCandles(context.Background(), testUSDT(), from, from.Add(time.Hour))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestCoinGeckoFetchCandlesBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not an array"}`))
	}))
	defer srv.Close()

	g := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, rlClient(), noopLogger())

	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := g.FetchCandles(context.Background(), testUSDT(), from, from.Add(time.Hour))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestCoinGeckoFetchSpot(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tether":{"usd":0.9987}}`))
	}))
	defer srv.Close()

	g := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, APIKey: "secret"}, rlClient(), noopLogger())

	sample, err := g.FetchSpot(context.Background(), testUSDT())
	if err != nil {
		t.Fatalf("FetchSpot: %v", err)
	}
	if gotKey != "secret" {
		t.Fatal("api key header not sent")
	}
	if !sample.Price.Equal(decimal.NewFromFloat(0.9987)) {
		t.Fatalf("unexpected price %s", sample.Price)
	}
	if sample.Provider != "coingecko" {
		t.Fatalf("unexpected provider %q", sample.Provider)
	}
	if sample.AssetID != "usdt" {
		t.Fatalf("unexpected asset id %q", sample.AssetID)
	}
}

func TestCoinGeckoFetchSpotMissingEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, rlClient(), noopLogger())

	_, err := g.FetchSpot(context.Background(), testUSDT())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSnapDays(t *testing.T) {
	cases := []struct {
		span time.Duration
		want int
	}{
		{12 * time.Hour, 1},
		{24 * time.Hour, 1},
		{25 * time.Hour, 7},
		{3 * 24 * time.Hour, 7},
		{30 * 24 * time.Hour, 30},
		{31 * 24 * time.Hour, 90},
		{200 * 24 * time.Hour, 365},
		{400 * 24 * time.Hour, 365},
	}
	for _, tc := range cases {
		if got := snapDays(tc.span); got != tc.want {
			t.Fatalf("snapDays(%s) = %d, want %d", tc.span, got, tc.want)
		}
	}
}
