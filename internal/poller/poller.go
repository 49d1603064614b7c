// Package poller drives the per-cycle fetch, dedup, persist, enrich,
// and publish flow for newly disclosed filings.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuu2811/EDINET-sub000/internal/broadcast"
	"github.com/yuu2811/EDINET-sub000/internal/edinet"
	"github.com/yuu2811/EDINET-sub000/internal/extractor"
	"github.com/yuu2811/EDINET-sub000/internal/scheduler"
	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

// amendmentCodes map the change/corrective report type codes.
var amendmentCodes = map[string]struct{}{
	"360": {},
	"370": {},
}

// RetryOptions bound the re-enrichment pass.
type RetryOptions struct {
	BatchSize    int
	ItemTimeout  time.Duration
	BatchTimeout time.Duration
}

// Options configure the ingestion poller.
type Options struct {
	DocTypeCodes map[string]struct{}
	Retry        RetryOptions
}

// Poller orchestrates ingestion, enrichment, and event publishing.
type Poller struct {
	sched     *scheduler.Scheduler
	source    edinet.Source
	store     storage.FilingStore
	extractor *extractor.Extractor
	hub       *broadcast.Hub
	logger    zerolog.Logger

	types map[string]struct{}
	retry RetryOptions

	// retryMu serialises the retry pass process-wide; retryOffset is
	// only touched under it.
	retryMu     sync.Mutex
	retryOffset int
}

// New constructs the ingestion poller.
func New(sched *scheduler.Scheduler, source edinet.Source, store storage.FilingStore, ext *extractor.Extractor, hub *broadcast.Hub, opts Options, logger zerolog.Logger) *Poller {
	retry := opts.Retry
	if retry.BatchSize <= 0 {
		retry.BatchSize = 5
	}
	if retry.ItemTimeout <= 0 {
		retry.ItemTimeout = 10 * time.Second
	}
	if retry.BatchTimeout <= 0 {
		retry.BatchTimeout = 30 * time.Second
	}

	return &Poller{
		sched:     sched,
		source:    source,
		store:     store,
		extractor: ext,
		hub:       hub,
		logger:    logger.With().Str("component", "poller").Logger(),
		types:     opts.DocTypeCodes,
		retry:     retry,
	}
}

// Run begins the polling loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return p.sched.Run(ctx, p.ProcessCycle)
}

// ProcessCycle executes one scheduled cycle: ingest today's documents,
// then revisit previously failed enrichments.
func (p *Poller) ProcessCycle(ctx context.Context, tick time.Time) error {
	date := tick.In(edinet.JST)

	if _, err := p.ProcessDate(ctx, date); err != nil {
		// Transient; the scheduler logs it and the next cycle retries.
		return err
	}

	p.RetryPass(ctx)
	return nil
}

// ProcessDate ingests the document list for one disclosure date and
// returns the number of newly persisted filings.
func (p *Poller) ProcessDate(ctx context.Context, date time.Time) (int, error) {
	docs, err := p.source.ListDocuments(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}

	newCount := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return newCount, err
		}
		if _, ok := p.types[doc.DocTypeCode]; !ok {
			continue
		}
		if doc.Withdrawn() {
			continue
		}

		filing, created, procErr := p.processDocument(ctx, doc)
		if procErr != nil {
			// One bad document never aborts the cycle.
			p.logger.Error().Err(procErr).Str("doc_id", doc.DocID).Msg("document processing failed, continuing")
			continue
		}
		if !created {
			continue
		}

		newCount++
		p.hub.Publish(broadcast.EventNewFiling, filing)
	}

	if newCount > 0 {
		stats, statsErr := p.store.StatsForDate(ctx, date)
		if statsErr != nil {
			p.logger.Error().Err(statsErr).Msg("failed to compute stats for broadcast")
		} else {
			p.hub.Publish(broadcast.EventStatsUpdate, stats)
		}
	}

	p.logger.Info().
		Str("date", date.Format("2006-01-02")).
		Int("listed", len(docs)).
		Int("new", newCount).
		Msg("cycle complete")
	return newCount, nil
}

// processDocument persists one document and enriches it inline when an
// archive is attached. A duplicate id is a routine skip. Enrichment
// failure keeps the filing persisted but unenriched.
func (p *Poller) processDocument(ctx context.Context, doc edinet.DocumentMeta) (*storage.Filing, bool, error) {
	filing := filingFromMeta(doc)

	created, err := p.store.CreateFiling(ctx, filing)
	if err != nil {
		return nil, false, fmt.Errorf("persist filing: %w", err)
	}
	if !created {
		return nil, false, nil
	}

	if doc.HasXBRL() {
		if enrichErr := p.enrich(ctx, filing, doc.SecCode); enrichErr != nil {
			p.logger.Warn().Err(enrichErr).Str("doc_id", doc.DocID).Msg("inline enrichment failed, filing kept unenriched")
		}
	}

	return filing, true, nil
}

// enrich downloads and parses the archive, updating the stored filing.
// Partially extracted fields are saved even when parsing fails; the
// enriched flag only flips once the authoritative ratio resolved.
func (p *Poller) enrich(ctx context.Context, filing *storage.Filing, secCode string) error {
	archive, err := p.source.DownloadArchive(ctx, filing.DocID)
	if err != nil {
		return err
	}

	rec, parseErr := p.extractor.Extract(archive, secCode)
	if rec == nil {
		// No structured document in the archive is routine.
		return parseErr
	}

	complete := parseErr == nil && rec.Complete()
	enrichment := enrichmentFromRecord(rec, complete)

	if updateErr := p.store.UpdateEnrichment(ctx, filing.DocID, enrichment); updateErr != nil {
		return updateErr
	}
	applyRecord(filing, rec, complete)
	return parseErr
}

func filingFromMeta(doc edinet.DocumentMeta) *storage.Filing {
	_, amendment := amendmentCodes[doc.DocTypeCode]

	submitted := doc.SubmittedAt()
	if submitted.IsZero() {
		submitted = time.Now().In(edinet.JST)
	}

	return &storage.Filing{
		DocID:            doc.DocID,
		EdinetCode:       doc.EdinetCode,
		IssuerEdinetCode: optional(doc.IssuerEdinetCode),
		FilerName:        doc.FilerName,
		SecCode:          optional(doc.SecCode),
		DocTypeCode:      doc.DocTypeCode,
		Description:      doc.DocDescription,
		SubmittedAt:      submitted,
		Amendment:        amendment,
	}
}

func enrichmentFromRecord(rec *extractor.Record, complete bool) storage.Enrichment {
	return storage.Enrichment{
		HoldingRatio:  rec.HoldingRatio,
		PreviousRatio: rec.PreviousRatio,
		RatioChange:   rec.RatioChange,
		HolderName:    rec.HolderName,
		TargetName:    rec.TargetName,
		TargetSecCode: rec.TargetSecCode,
		SharesHeld:    rec.SharesHeld,
		Purpose:       rec.Purpose,
		Complete:      complete,
	}
}

func applyRecord(filing *storage.Filing, rec *extractor.Record, complete bool) {
	filing.HoldingRatio = rec.HoldingRatio
	filing.PreviousRatio = rec.PreviousRatio
	filing.RatioChange = rec.RatioChange
	filing.HolderName = optional(rec.HolderName)
	filing.TargetName = optional(rec.TargetName)
	filing.TargetSecCode = optional(rec.TargetSecCode)
	filing.SharesHeld = rec.SharesHeld
	filing.Purpose = optional(rec.Purpose)
	filing.Enriched = complete
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
