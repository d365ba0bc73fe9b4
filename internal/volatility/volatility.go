package volatility

import (
	"errors"
	"math"

	"peg-metrics/internal/market"
)

// ErrInsufficientData is returned when the candle window is empty.
var ErrInsufficientData = errors.New("volatility: empty candle window")

// Options tune the engine.
type Options struct {
	// PeriodsPerYear annualizes the estimate when positive by scaling the
	// mean Rogers-Satchell term before the square root (365 for daily
	// candles). Zero leaves the estimate in per-period units.
	PeriodsPerYear int
}

// Engine computes volatility and peg-deviation metrics from candle windows.
// It is pure: no I/O, no clock, identical input yields identical output.
type Engine struct {
	opts Options
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Compute derives one VolatilityRecord from an ordered candle window.
//
// Volatility is the Rogers-Satchell estimator
//
//	RS_i = ln(H_i/C_i)*ln(H_i/O_i) + ln(L_i/C_i)*ln(L_i/O_i)
//	vol  = sqrt(mean(RS_i))
//
// and MSE is mean((Close_i - peg)^2) against the asset's peg. The record's
// Period is the bucket of the first candle (window-start convention).
func (e *Engine) Compute(asset market.Asset, candles []market.Candle) (market.VolatilityRecord, error) {
	if len(candles) == 0 {
		return market.VolatilityRecord{}, ErrInsufficientData
	}

	peg := asset.Peg.InexactFloat64()
	perCandle := make([]float64, len(candles))

	var rsSum, seSum float64
	for i, c := range candles {
		rs := rogersSatchell(c)
		rsSum += rs
		perCandle[i] = math.Sqrt(clampZero(rs))

		diff := c.Close.InexactFloat64() - peg
		seSum += diff * diff
	}

	n := float64(len(candles))
	meanRS := rsSum / n
	if e.opts.PeriodsPerYear > 0 {
		meanRS *= float64(e.opts.PeriodsPerYear)
	}

	return market.VolatilityRecord{
		AssetID: asset.ID,
		Period:  candles[0].Bucket,
		// Flat windows can leave the sum a hair below zero; clamp before
		// the root instead of surfacing a domain error.
		Volatility:  math.Sqrt(clampZero(meanRS)),
		MSE:         seSum / n,
		Kurtosis:    excessKurtosis(perCandle),
		SampleCount: len(candles),
		WindowStart: candles[0].Bucket,
		WindowEnd:   candles[len(candles)-1].Bucket,
	}, nil
}

func rogersSatchell(c market.Candle) float64 {
	o := c.Open.InexactFloat64()
	h := c.High.InexactFloat64()
	l := c.Low.InexactFloat64()
	cl := c.Close.InexactFloat64()

	return math.Log(h/cl)*math.Log(h/o) + math.Log(l/cl)*math.Log(l/o)
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// excessKurtosis computes the bias-corrected sample excess kurtosis of the
// per-candle volatility series, matching pandas' Series.kurtosis. Windows
// too small for the correction (n < 4) or with zero variance report 0.
func excessKurtosis(xs []float64) float64 {
	n := float64(len(xs))
	if n < 4 {
		return 0
	}

	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= n

	var m2, m4 float64
	for _, x := range xs {
		d := x - mean
		m2 += d * d
		m4 += d * d * d * d
	}

	variance := m2 / (n - 1)
	if variance == 0 {
		return 0
	}

	lead := n * (n + 1) / ((n - 1) * (n - 2) * (n - 3))
	tail := 3 * (n - 1) * (n - 1) / ((n - 2) * (n - 3))
	return lead*(m4/(variance*variance)) - tail
}
