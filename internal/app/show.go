package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// ShowOptions tune the recent-filings listing.
type ShowOptions struct {
	Limit int
}

// Show prints recent filings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	filings, err := store.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(filings) == 0 {
		fmt.Fprintln(os.Stdout, "no filings found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Submitted\tDocID\tType\tFiler\tTarget\tRatio%\tΔ%\tEnriched")

	for _, filing := range filings {
		target := ""
		if filing.TargetName != nil {
			target = sanitizeInline(*filing.TargetName)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			filing.SubmittedAt.Format("2006-01-02 15:04"),
			filing.DocID,
			filing.DocTypeCode,
			sanitizeInline(filing.FilerName),
			target,
			formatRatio(filing.HoldingRatio),
			formatRatio(filing.RatioChange),
			filing.Enriched,
		)
	}

	writer.Flush()
	return nil
}

func formatRatio(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDay(t time.Time) string {
	return t.Format("2006-01-02")
}
