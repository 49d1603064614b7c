package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

// ExportOptions select the output paths and the day window.
type ExportOptions struct {
	CSVPath string
	PNGPath string
	Days    int
}

// Export renders the filings-per-day series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	days := opts.Days
	if days <= 0 {
		days = a.Config.Export.Days
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := dayStart(time.Now().UTC()).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -days)

	counts, err := store.CountPerDay(ctx, from, to)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		a.Logger.Info().Msg("no filings found for export window")
		return nil
	}

	a.Logger.Info().Int("days", len(counts)).Msg("exporting filing counts")

	if opts.CSVPath != "" {
		if err := writeCountsCSV(opts.CSVPath, counts); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCountsPNG(opts.PNGPath, counts); err != nil {
			return err
		}
	}

	return nil
}

func writeCountsCSV(path string, counts []storage.DayCount) error {
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

	if err := writer.Write([]string{"day", "filings"}); err != nil {
		return err
	}

	for _, dc := range counts {
		record := []string{formatDay(dc.Day), strconv.FormatInt(dc.Count, 10)}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCountsPNG(path string, counts []storage.DayCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(counts))
	y := make([]float64, len(counts))
	for i, dc := range counts {
		x[i] = dc.Day
		y[i] = float64(dc.Count)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Filings per day",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Filings",
				XValues: x,
				YValues: y,
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
