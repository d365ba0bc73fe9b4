package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"peg-metrics/internal/market"
)

// Export renders stored volatility history for one asset as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.VolatilityInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListVolatilityBetween(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("asset", opts.Asset).Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting volatility records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, opts.Asset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []market.VolatilityRecord, max int) []market.VolatilityRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]market.VolatilityRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []market.VolatilityRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"period_ts", "asset_id", "volatility", "mse", "kurtosis", "sample_count", "window_start", "window_end"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.Period.UTC().Format(time.RFC3339),
			rec.AssetID,
			strconv.FormatFloat(rec.Volatility, 'g', -1, 64),
			strconv.FormatFloat(rec.MSE, 'g', -1, 64),
			strconv.FormatFloat(rec.Kurtosis, 'g', -1, 64),
			strconv.Itoa(rec.SampleCount),
			rec.WindowStart.UTC().Format(time.RFC3339),
			rec.WindowEnd.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRecordsPNG(path, assetID string, records []market.VolatilityRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	vol := make([]float64, len(records))
	mse := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Period
		vol[i] = rec.Volatility
		mse[i] = rec.MSE
	}

	volFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.5f")
	}
	mseFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.8f")
	}
	graph := chart.Chart{
		Title:  assetID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Volatility",
			ValueFormatter: volFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "MSE vs peg",
			ValueFormatter: mseFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Volatility",
				XValues: x,
				YValues: vol,
			},
			chart.TimeSeries{
				Name:    "MSE vs peg",
				XValues: x,
				YValues: mse,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
