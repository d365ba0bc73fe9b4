package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/config"
	"peg-metrics/internal/market"
	"peg-metrics/internal/volatility"
)

type fakeCandleFetcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (f *fakeCandleFetcher) FetchCandles(ctx context.Context, asset market.Asset, from, to time.Time) ([]market.Candle, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[asset.ID]++
	f.mu.Unlock()

	if err := f.fail[asset.ID]; err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	return []market.Candle{{
		AssetID: asset.ID,
		Bucket:  from,
		Open:    one,
		High:    decimal.NewFromFloat(1.01),
		Low:     decimal.NewFromFloat(0.99),
		Close:   one,
	}}, nil
}

func (f *fakeCandleFetcher) callCount(assetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[assetID]
}

type fakeSpotFetcher struct {
	mu   sync.Mutex
	fail map[string]error
}

func (f *fakeSpotFetcher) FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[asset.ID]; err != nil {
		return market.SpotSample{}, err
	}
	return market.SpotSample{
		AssetID:    asset.ID,
		ObservedAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Price:      decimal.NewFromFloat(0.999),
		Provider:   "fake",
	}, nil
}

type memStore struct {
	mu      sync.Mutex
	vol     map[string]map[int64]market.VolatilityRecord
	spots   map[string]map[int64]market.SpotSample
	failVol bool
}

func newMemStore() *memStore {
	return &memStore{
		vol:   make(map[string]map[int64]market.VolatilityRecord),
		spots: make(map[string]map[int64]market.SpotSample),
	}
}

func (m *memStore) UpsertVolatility(ctx context.Context, record market.VolatilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failVol {
		return errors.New("storage unavailable")
	}
	byPeriod := m.vol[record.AssetID]
	if byPeriod == nil {
		byPeriod = make(map[int64]market.VolatilityRecord)
		m.vol[record.AssetID] = byPeriod
	}
	byPeriod[record.Period.UnixNano()] = record
	return nil
}

func (m *memStore) ListVolatilityBetween(ctx context.Context, assetID string, from, to time.Time) ([]market.VolatilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.VolatilityRecord, 0)
	for _, rec := range m.vol[assetID] {
		if rec.Period.Before(from) || !rec.Period.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (m *memStore) ListRecentVolatility(ctx context.Context, assetID string, limit int) ([]market.VolatilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.VolatilityRecord, 0)
	for _, rec := range m.vol[assetID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.After(out[j].Period) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) HasVolatilityPeriod(ctx context.Context, assetID string, period time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.vol[assetID][period.UnixNano()]
	return ok, nil
}

func (m *memStore) MissingPeriods(ctx context.Context, assetID string, from, to time.Time, step time.Duration) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, 0)
	for ts := from; !ts.After(to); ts = ts.Add(step) {
		if _, ok := m.vol[assetID][ts.UnixNano()]; !ok {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (m *memStore) CountVolatility(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, byPeriod := range m.vol {
		count += int64(len(byPeriod))
	}
	return count, nil
}

func (m *memStore) UpsertSpot(ctx context.Context, sample market.SpotSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTime := m.spots[sample.AssetID]
	if byTime == nil {
		byTime = make(map[int64]market.SpotSample)
		m.spots[sample.AssetID] = byTime
	}
	byTime[sample.ObservedAt.UnixNano()] = sample
	return nil
}

func (m *memStore) ListRecentSpots(ctx context.Context, assetID string, limit int) ([]market.SpotSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.SpotSample, 0)
	for _, sample := range m.spots[assetID] {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) volCount(assetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vol[assetID])
}

func (m *memStore) spotCount(assetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spots[assetID])
}

func testConfig() *config.Config {
	return &config.Config{
		Collector: config.CollectorConfig{
			Assets: []config.AssetConfig{
				{ID: "aaa", Symbol: "AAA", CoinGeckoID: "aaa"},
				{ID: "bbb", Symbol: "BBB", CoinGeckoID: "bbb"},
			},
			Lookback:    24 * time.Hour,
			Concurrency: 2,
		},
	}
}

func newTestService(cfg *config.Config, candles *fakeCandleFetcher, spot *fakeSpotFetcher, store *memStore) *Service {
	return New(cfg, nil, nil, candles, spot, volatility.NewEngine(volatility.Options{}), store, zerolog.Nop())
}

func TestVolatilityTickPersistsAllAssets(t *testing.T) {
	store := newMemStore()
	candles := &fakeCandleFetcher{}
	svc := newTestService(testConfig(), candles, nil, store)

	bucket := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := svc.VolatilityTick(context.Background(), bucket); err != nil {
		t.Fatalf("VolatilityTick: %v", err)
	}

	if store.volCount("aaa") != 1 || store.volCount("bbb") != 1 {
		t.Fatalf("expected one record per asset, got aaa=%d bbb=%d", store.volCount("aaa"), store.volCount("bbb"))
	}

	stats := svc.Stats()
	if stats.VolatilityTicks != 1 || stats.RecordsWritten != 2 || stats.VolatilityErrors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.LastVolatilityTick.Equal(bucket) {
		t.Fatalf("last tick is %s, want %s", stats.LastVolatilityTick, bucket)
	}
}

func TestVolatilityTickIsolatesAssetFailures(t *testing.T) {
	store := newMemStore()
	candles := &fakeCandleFetcher{fail: map[string]error{"aaa": errors.New("malformed payload")}}
	svc := newTestService(testConfig(), candles, nil, store)

	bucket := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	err := svc.VolatilityTick(context.Background(), bucket)
	if err == nil {
		t.Fatal("expected tick error when one asset fails")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected one failed asset in %v", err)
	}

	if store.volCount("aaa") != 0 {
		t.Fatal("failed asset must not persist a record")
	}
	if store.volCount("bbb") != 1 {
		t.Fatal("healthy asset must persist despite sibling failure")
	}
	if got := candles.callCount("aaa"); got != 1 {
		t.Fatalf("failing asset fetched %d times in one tick, want 1", got)
	}

	stats := svc.Stats()
	if stats.VolatilityErrors != 1 {
		t.Fatalf("expected exactly one recorded failure, got %d", stats.VolatilityErrors)
	}
}

func TestVolatilityTickSkipsStoredPeriods(t *testing.T) {
	store := newMemStore()
	candles := &fakeCandleFetcher{}
	svc := newTestService(testConfig(), candles, nil, store)

	bucket := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	period := bucket.Add(-24 * time.Hour)
	if err := store.UpsertVolatility(context.Background(), market.VolatilityRecord{AssetID: "aaa", Period: period}); err != nil {
		t.Fatal(err)
	}

	if err := svc.VolatilityTick(context.Background(), bucket); err != nil {
		t.Fatalf("VolatilityTick: %v", err)
	}

	if got := candles.callCount("aaa"); got != 0 {
		t.Fatalf("stored period should skip the fetch, got %d calls", got)
	}
	if got := candles.callCount("bbb"); got != 1 {
		t.Fatalf("missing period should fetch, got %d calls", got)
	}
	if stats := svc.Stats(); stats.PeriodsSkipped != 1 || stats.RecordsWritten != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestVolatilityTickForceRecomputes(t *testing.T) {
	store := newMemStore()
	candles := &fakeCandleFetcher{}
	cfg := testConfig()
	cfg.Collector.Force = true
	svc := newTestService(cfg, candles, nil, store)

	bucket := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	period := bucket.Add(-24 * time.Hour)
	if err := store.UpsertVolatility(context.Background(), market.VolatilityRecord{AssetID: "aaa", Period: period}); err != nil {
		t.Fatal(err)
	}

	if err := svc.VolatilityTick(context.Background(), bucket); err != nil {
		t.Fatalf("VolatilityTick: %v", err)
	}
	if got := candles.callCount("aaa"); got != 1 {
		t.Fatalf("force must refetch stored periods, got %d calls", got)
	}
}

func TestVolatilityTickSurfacesPersistFailures(t *testing.T) {
	store := newMemStore()
	store.failVol = true
	candles := &fakeCandleFetcher{}
	svc := newTestService(testConfig(), candles, nil, store)

	bucket := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	err := svc.VolatilityTick(context.Background(), bucket)
	if err == nil {
		t.Fatal("expected tick error when persistence fails")
	}
	if stats := svc.Stats(); stats.VolatilityErrors != 2 {
		t.Fatalf("both assets should report persistence failure, got %d", stats.VolatilityErrors)
	}
}

func TestCollectWindowRecordShape(t *testing.T) {
	store := newMemStore()
	candles := &fakeCandleFetcher{}
	svc := newTestService(testConfig(), candles, nil, store)

	asset := svc.Assets()[0]
	from := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	record, skipped, err := svc.CollectWindow(context.Background(), asset, from, to, false)
	if err != nil {
		t.Fatalf("CollectWindow: %v", err)
	}
	if skipped {
		t.Fatal("fresh window must not be skipped")
	}
	if record.AssetID != asset.ID {
		t.Fatalf("record asset is %q", record.AssetID)
	}
	if !record.Period.Equal(from) {
		t.Fatalf("period is %s, want window start %s", record.Period, from)
	}
	if record.Volatility <= 0 {
		t.Fatalf("expected positive volatility, got %g", record.Volatility)
	}

	_, skipped, err = svc.CollectWindow(context.Background(), asset, from, to, false)
	if err != nil {
		t.Fatalf("second CollectWindow: %v", err)
	}
	if !skipped {
		t.Fatal("second collection of the same window must be skipped")
	}
}

func TestSpotTickIsolatesAssetFailures(t *testing.T) {
	store := newMemStore()
	spot := &fakeSpotFetcher{fail: map[string]error{"bbb": errors.New("provider down")}}
	svc := newTestService(testConfig(), &fakeCandleFetcher{}, spot, store)

	bucket := time.Date(2024, 3, 10, 12, 2, 0, 0, time.UTC)
	err := svc.SpotTick(context.Background(), bucket)
	if err == nil {
		t.Fatal("expected tick error when one asset fails")
	}

	if store.spotCount("aaa") != 1 {
		t.Fatal("healthy asset must persist spot sample")
	}
	if store.spotCount("bbb") != 0 {
		t.Fatal("failed asset must not persist spot sample")
	}
	if stats := svc.Stats(); stats.SpotTicks != 1 || stats.SpotsWritten != 1 || stats.SpotErrors != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSpotTickUpsertIdempotent(t *testing.T) {
	store := newMemStore()
	spot := &fakeSpotFetcher{}
	svc := newTestService(testConfig(), &fakeCandleFetcher{}, spot, store)

	bucket := time.Date(2024, 3, 10, 12, 2, 0, 0, time.UTC)
	if err := svc.SpotTick(context.Background(), bucket); err != nil {
		t.Fatalf("SpotTick: %v", err)
	}
	if err := svc.SpotTick(context.Background(), bucket.Add(2*time.Minute)); err != nil {
		t.Fatalf("second SpotTick: %v", err)
	}

	// the fake always reports the same observation time, so the second
	// tick must overwrite rather than duplicate
	if store.spotCount("aaa") != 1 {
		t.Fatalf("expected one row per (asset, observed_at), got %d", store.spotCount("aaa"))
	}
}
