package app

import (
	"context"
	"errors"
	"time"
)

// BackfillOptions select the date range to re-ingest.
type BackfillOptions struct {
	From time.Time
	To   time.Time
}

// Backfill re-ingests a bounded range of disclosure dates, one day at
// a time. A failed day is logged and skipped; the range continues.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from := dayStart(opts.From)
	to := dayStart(opts.To)
	if to.Before(from) {
		return errors.New("--from must not be after --to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.buildPipeline(store, false)

	processed := 0
	failed := 0
	totalNew := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		newCount, dayErr := pipe.poller.ProcessDate(ctx, day)
		if dayErr != nil {
			failed++
			a.Logger.Error().Err(dayErr).Str("date", day.Format("2006-01-02")).Msg("backfill day failed")
			continue
		}
		processed++
		totalNew += newCount
	}

	pipe.poller.RetryPass(ctx)

	a.Logger.Info().
		Int("processed", processed).
		Int("failed", failed).
		Int("new_filings", totalNew).
		Msg("backfill complete")
	if failed > 0 {
		return errors.New("some days failed to backfill, check logs")
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
