package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-market/internal/app"
)

var (
	exportPNGPath string
	exportCSVPath string
	exportLimit   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the leaderboard as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		opts := app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			Limit:   exportLimit,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum users to export (0 for all)")
}
