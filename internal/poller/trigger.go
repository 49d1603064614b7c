package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimitError reports a manual trigger inside the cooldown window.
// It carries the remaining wait so callers can surface it; the request
// is never queued or auto-retried.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("poll rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// Trigger is the process-scoped manual poll state: a limiter seeded at
// construction, injected into the trigger handler instead of ambient
// package-level state.
type Trigger struct {
	poller  *Poller
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewTrigger wraps the poller with a one-per-cooldown limiter. The
// limiter starts full, so the first trigger after startup is allowed.
func NewTrigger(p *Poller, cooldown time.Duration, logger zerolog.Logger) *Trigger {
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Trigger{
		poller:  p,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
		logger:  logger.With().Str("component", "trigger").Logger(),
	}
}

// PollNow runs one on-demand ingestion cycle for the given date,
// failing fast with the remaining wait when inside the cooldown.
func (t *Trigger) PollNow(ctx context.Context, date time.Time) (int, error) {
	res := t.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		t.logger.Debug().Dur("retry_after", delay).Msg("manual poll rejected by cooldown")
		return 0, &RateLimitError{RetryAfter: delay}
	}

	t.logger.Info().Str("date", date.Format("2006-01-02")).Msg("manual poll triggered")

	newCount, err := t.poller.ProcessDate(ctx, date)
	if err != nil {
		return newCount, err
	}
	t.poller.RetryPass(ctx)
	return newCount, nil
}
