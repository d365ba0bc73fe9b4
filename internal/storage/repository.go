package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertVolatilitySQL = `INSERT INTO volatility_records (
        asset_id,
        period_ts,
        volatility,
        mse,
        kurtosis,
        sample_count,
        window_start_ts,
        window_end_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (asset_id, period_ts) DO UPDATE
    SET
        volatility      = EXCLUDED.volatility,
        mse             = EXCLUDED.mse,
        kurtosis        = EXCLUDED.kurtosis,
        sample_count    = EXCLUDED.sample_count,
        window_start_ts = EXCLUDED.window_start_ts,
        window_end_ts   = EXCLUDED.window_end_ts;`

	upsertSpotSQL = `INSERT INTO spot_samples (
        asset_id,
        observed_at,
        price,
        provider
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (asset_id, observed_at) DO UPDATE
    SET price    = EXCLUDED.price,
        provider = EXCLUDED.provider;`

	listVolatilityBetweenSQL = `SELECT
        asset_id,
        period_ts,
        volatility,
        mse,
        kurtosis,
        sample_count,
        window_start_ts,
        window_end_ts,
        created_at
    FROM volatility_records
    WHERE asset_id = $1
      AND period_ts >= $2
      AND period_ts < $3
    ORDER BY period_ts;`

	listRecentVolatilitySQL = `SELECT
        asset_id,
        period_ts,
        volatility,
        mse,
        kurtosis,
        sample_count,
        window_start_ts,
        window_end_ts,
        created_at
    FROM volatility_records
    WHERE asset_id = $1
    ORDER BY period_ts DESC
    LIMIT $2;`

	listRecentSpotsSQL = `SELECT
        asset_id,
        observed_at,
        price,
        provider,
        created_at
    FROM spot_samples
    WHERE asset_id = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	hasVolatilityPeriodSQL = `SELECT EXISTS (
        SELECT 1 FROM volatility_records
        WHERE asset_id = $1 AND period_ts = $2
    );`

	missingPeriodsSQL = `SELECT gs.period_ts
    FROM generate_series($2::timestamptz, $3::timestamptz, $4::interval) AS gs(period_ts)
    LEFT JOIN volatility_records vr
      ON vr.asset_id = $1 AND vr.period_ts = gs.period_ts
    WHERE vr.asset_id IS NULL
      AND gs.period_ts < $3
    ORDER BY gs.period_ts;`

	countVolatilitySQL = `SELECT COUNT(*) FROM volatility_records;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// VolatilityStore defines operations for volatility record persistence.
type VolatilityStore interface {
	UpsertVolatility(ctx context.Context, record market.VolatilityRecord) error
	ListVolatilityBetween(ctx context.Context, assetID string, from, to time.Time) ([]market.VolatilityRecord, error)
	ListRecentVolatility(ctx context.Context, assetID string, limit int) ([]market.VolatilityRecord, error)
	HasVolatilityPeriod(ctx context.Context, assetID string, period time.Time) (bool, error)
	MissingPeriods(ctx context.Context, assetID string, from, to time.Time, step time.Duration) ([]time.Time, error)
	CountVolatility(ctx context.Context) (int64, error)
}

// SpotStore defines operations for spot sample persistence.
type SpotStore interface {
	UpsertSpot(ctx context.Context, sample market.SpotSample) error
	ListRecentSpots(ctx context.Context, assetID string, limit int) ([]market.SpotSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to volatility records and spot samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertVolatility persists or updates one volatility record. The
// (asset_id, period_ts) key makes re-running a window idempotent.
func (s *Store) UpsertVolatility(ctx context.Context, record market.VolatilityRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertVolatilitySQL,
		record.AssetID,
		record.Period,
		record.Volatility,
		record.MSE,
		record.Kurtosis,
		record.SampleCount,
		record.WindowStart,
		record.WindowEnd,
	)
	if execErr != nil {
		return fmt.Errorf("upsert volatility record: %w", execErr)
	}
	return nil
}

// UpsertSpot persists or updates one spot sample.
func (s *Store) UpsertSpot(ctx context.Context, sample market.SpotSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSpotSQL,
		sample.AssetID,
		sample.ObservedAt,
		sample.Price.String(),
		sample.Provider,
	)
	if execErr != nil {
		return fmt.Errorf("upsert spot sample: %w", execErr)
	}
	return nil
}

// ListVolatilityBetween lists an asset's records within a period window.
func (s *Store) ListVolatilityBetween(ctx context.Context, assetID string, from, to time.Time) ([]market.VolatilityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listVolatilityBetweenSQL, assetID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list volatility between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]market.VolatilityRecord, 0)
	for rows.Next() {
		record, scanErr := scanVolatilityRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentVolatility lists an asset's most recent records ordered by descending period.
func (s *Store) ListRecentVolatility(ctx context.Context, assetID string, limit int) ([]market.VolatilityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentVolatilitySQL, assetID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent volatility: %w", queryErr)
	}
	defer rows.Close()

	records := make([]market.VolatilityRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanVolatilityRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentSpots lists an asset's most recent spot samples.
func (s *Store) ListRecentSpots(ctx context.Context, assetID string, limit int) ([]market.SpotSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSpotsSQL, assetID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent spots: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]market.SpotSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanSpotSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// HasVolatilityPeriod reports whether a record already exists for the period.
func (s *Store) HasVolatilityPeriod(ctx context.Context, assetID string, period time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasVolatilityPeriodSQL, assetID, period).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("has volatility period: %w", scanErr)
	}
	return exists, nil
}

// MissingPeriods returns the period timestamps in [from, to) stepped by step
// that have no stored record for the asset.
func (s *Store) MissingPeriods(ctx context.Context, assetID string, from, to time.Time, step time.Duration) ([]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if step <= 0 {
		return nil, fmt.Errorf("missing periods: non-positive step %s", step)
	}

	interval := fmt.Sprintf("%d seconds", int64(step.Seconds()))
	rows, queryErr := pool.Query(ctx, missingPeriodsSQL, assetID, from, to, interval)
	if queryErr != nil {
		return nil, fmt.Errorf("missing periods: %w", queryErr)
	}
	defer rows.Close()

	periods := make([]time.Time, 0)
	for rows.Next() {
		var ts time.Time
		if scanErr := rows.Scan(&ts); scanErr != nil {
			return nil, scanErr
		}
		periods = append(periods, ts)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return periods, nil
}

// CountVolatility counts stored volatility records.
func (s *Store) CountVolatility(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countVolatilitySQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count volatility records: %w", scanErr)
	}
	return count, nil
}

func scanVolatilityRecord(rows pgx.Rows) (market.VolatilityRecord, error) {
	var record market.VolatilityRecord
	if err := rows.Scan(
		&record.AssetID,
		&record.Period,
		&record.Volatility,
		&record.MSE,
		&record.Kurtosis,
		&record.SampleCount,
		&record.WindowStart,
		&record.WindowEnd,
		&record.CreatedAt,
	); err != nil {
		return market.VolatilityRecord{}, err
	}
	return record, nil
}

func scanSpotSample(rows pgx.Rows) (market.SpotSample, error) {
	var (
		sample   market.SpotSample
		priceStr string
	)
	if err := rows.Scan(
		&sample.AssetID,
		&sample.ObservedAt,
		&priceStr,
		&sample.Provider,
		&sample.CreatedAt,
	); err != nil {
		return market.SpotSample{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return market.SpotSample{}, fmt.Errorf("parse spot price: %w", err)
	}
	sample.Price = price
	return sample, nil
}
