package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuu2811/EDINET-sub000/internal/edinet"
)

var pollDate string

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a single ingestion cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().In(edinet.JST)
		if pollDate != "" {
			parsed, err := time.ParseInLocation("2006-01-02", pollDate, edinet.JST)
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			date = parsed
		}

		return getApp().PollOnce(cmd.Context(), date)
	},
}

func init() {
	pollCmd.Flags().StringVar(&pollDate, "date", "", "Disclosure date (YYYY-MM-DD, defaults to today)")
}
