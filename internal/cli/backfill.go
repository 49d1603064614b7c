package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuu2811/EDINET-sub000/internal/app"
	"github.com/yuu2811/EDINET-sub000/internal/edinet"
)

var (
	backfillFrom string
	backfillTo   string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-ingest a bounded range of disclosure dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.ParseInLocation("2006-01-02", backfillFrom, edinet.JST)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.ParseInLocation("2006-01-02", backfillTo, edinet.JST)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From: from,
			To:   to,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date (YYYY-MM-DD, inclusive)")
}
