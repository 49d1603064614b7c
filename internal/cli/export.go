package cli

import (
	"github.com/spf13/cobra"

	"github.com/yuu2811/EDINET-sub000/internal/app"
)

var (
	exportPNGPath string
	exportCSVPath string
	exportDays    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export filings-per-day as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			Days:    exportDays,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportDays, "days", 0, "Day window to export (defaults to config)")
}
