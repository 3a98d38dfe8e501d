package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-market/internal/service"
)

// ExportOptions hold parameters for exporting the leaderboard.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	// Limit caps the number of ranked users; zero exports everyone.
	Limit int
}

// Export renders the leaderboard as CSV and/or a PNG bar chart of points.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	svc, _, closeStore, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	profiles, err := svc.Leaderboard(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		a.Logger.Info().Msg("no users found for export")
		return nil
	}
	a.Logger.Info().Int("exported", len(profiles)).Msg("exporting leaderboard")

	if opts.CSVPath != "" {
		if err := writeLeaderboardCSV(opts.CSVPath, profiles); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeLeaderboardPNG(opts.PNGPath, profiles, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
	}

	return nil
}

func writeLeaderboardCSV(path string, profiles []service.Profile) error {
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

	header := []string{"rank", "username", "display_name", "wallet_address", "points", "accuracy", "total_resolved", "active_positions"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, p := range profiles {
		wallet := ""
		if p.WalletAddress != nil {
			wallet = *p.WalletAddress
		}
		record := []string{
			strconv.Itoa(i + 1),
			p.Username,
			p.DisplayName,
			wallet,
			formatPoints(p.Points),
			formatAccuracy(p.Accuracy),
			strconv.Itoa(p.TotalResolved),
			strconv.Itoa(len(p.ActivePositions)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeLeaderboardPNG(path string, profiles []service.Profile, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(profiles))
	top := 1.0
	for _, p := range profiles {
		bars = append(bars, chart.Value{Label: p.DisplayName, Value: p.Points})
		if p.Points > top {
			top = p.Points
		}
	}

	graph := chart.BarChart{
		Title:    "Leaderboard (points)",
		Width:    width,
		Height:   height,
		BarWidth: barWidth(width, len(bars)),
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: top * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func barWidth(width, bars int) int {
	if bars == 0 {
		return 0
	}
	w := width / (bars * 2)
	if w > 80 {
		w = 80
	}
	if w < 4 {
		w = 4
	}
	return w
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatPoints(points float64) string {
	return decimal.NewFromFloat(points).StringFixed(2)
}

func formatAccuracy(accuracy *float64) string {
	if accuracy == nil {
		return "-"
	}
	return decimal.NewFromFloat(*accuracy).StringFixed(1)
}
