package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCMCFetchSpot(t *testing.T) {
	var gotKey, gotSymbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-CMC_PRO_API_KEY")
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": {"error_code": 0, "error_message": null},
			"data": {
				"USDT": [
					{
						"id": 825,
						"name": "Tether USDt",
						"symbol": "USDT",
						"quote": {"USD": {"price": 0.99934, "last_updated": "2024-03-10T12:00:00.000Z"}}
					}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := NewCMC(CMCOptions{BaseURL: srv.URL, APIKey: "secret"}, rlClient(), noopLogger())

	sample, err := c.FetchSpot(context.Background(), testUSDT())
	if err != nil {
		t.Fatalf("FetchSpot: %v", err)
	}
	if gotKey != "secret" {
		t.Fatal("api key header not sent")
	}
	if gotSymbol != "USDT" {
		t.Fatalf("unexpected symbol %q", gotSymbol)
	}
	if !sample.Price.Equal(decimal.NewFromFloat(0.99934)) {
		t.Fatalf("unexpected price %s", sample.Price)
	}
	if sample.Provider != "coinmarketcap" {
		t.Fatalf("unexpected provider %q", sample.Provider)
	}
	want := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if !sample.ObservedAt.Equal(want) {
		t.Fatalf("observed at %s, want %s from last_updated", sample.ObservedAt, want)
	}
}

func TestCMCFetchSpotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": {"error_code": 1001, "error_message": "API key invalid"}, "data": {}}`))
	}))
	defer srv.Close()

	c := NewCMC(CMCOptions{BaseURL: srv.URL}, rlClient(), noopLogger())

	_, err := c.FetchSpot(context.Background(), testUSDT())
	if err == nil {
		t.Fatal("expected error for embedded api error code")
	}
}

func TestCMCFetchSpotNoListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": {"error_code": 0}, "data": {}}`))
	}))
	defer srv.Close()

	c := NewCMC(CMCOptions{BaseURL: srv.URL}, rlClient(), noopLogger())

	_, err := c.FetchSpot(context.Background(), testUSDT())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestCMCFetchSpotMissingSymbol(t *testing.T) {
	c := NewCMC(CMCOptions{}, rlClient(), noopLogger())
	asset := testUSDT()
	asset.Symbol = ""
	asset.CMCSymbol = ""

	if _, err := c.FetchSpot(context.Background(), asset); err == nil {
		t.Fatal("expected error for asset without listing symbol")
	}
}
