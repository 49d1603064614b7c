package poller

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

// RetryPass revisits filings whose enrichment previously failed. The
// batch starts at a rotating offset advanced every pass regardless of
// outcome, so chronically failing filings drift to the back instead of
// monopolising retries. At most one pass runs at a time process-wide;
// an overlapping slow cycle simply skips its turn.
func (p *Poller) RetryPass(ctx context.Context) {
	if !p.retryMu.TryLock() {
		p.logger.Debug().Msg("retry pass already running, skipping")
		return
	}
	defer p.retryMu.Unlock()

	total, err := p.store.CountUnenriched(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to count unenriched filings")
		return
	}
	if total == 0 {
		return
	}

	offset := p.retryOffset % int(total)
	batch, err := p.selectBatch(ctx, offset, int(total))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to select retry batch")
		return
	}

	// Advance even when every item fails.
	p.retryOffset = (offset + p.retry.BatchSize) % int(total)

	batchCtx, cancel := context.WithTimeout(ctx, p.retry.BatchTimeout)
	defer cancel()

	// Items touch only their own row, so the batch may run
	// concurrently; unreached items defer to the next cycle.
	g, gctx := errgroup.WithContext(batchCtx)
	for i := range batch {
		filing := batch[i]
		g.Go(func() error {
			itemCtx, itemCancel := context.WithTimeout(gctx, p.retry.ItemTimeout)
			defer itemCancel()

			if retryErr := p.retryOne(itemCtx, filing); retryErr != nil {
				p.logger.Warn().Err(retryErr).Str("doc_id", filing.DocID).Msg("re-enrichment failed, deferring to a later rotation")
			}
			// Item failures never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug().
		Int("batch", len(batch)).
		Int64("unenriched", total).
		Int("next_offset", p.retryOffset).
		Msg("retry pass finished")
}

// selectBatch reads up to BatchSize unenriched filings starting at
// offset, wrapping around the end of the sequence.
func (p *Poller) selectBatch(ctx context.Context, offset, total int) ([]storage.Filing, error) {
	batch, err := p.store.ListUnenriched(ctx, offset, p.retry.BatchSize)
	if err != nil {
		return nil, err
	}

	if len(batch) < p.retry.BatchSize && total > len(batch) {
		wrap := p.retry.BatchSize - len(batch)
		if wrap > offset {
			wrap = offset
		}
		if wrap > 0 {
			head, headErr := p.store.ListUnenriched(ctx, 0, wrap)
			if headErr != nil {
				return nil, headErr
			}
			batch = append(batch, head...)
		}
	}
	return batch, nil
}

func (p *Poller) retryOne(ctx context.Context, filing storage.Filing) error {
	secCode := ""
	if filing.SecCode != nil {
		secCode = *filing.SecCode
	}

	updated := &filing
	return p.enrich(ctx, updated, secCode)
}
