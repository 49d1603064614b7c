package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicate indicates the document id is already known. Callers
	// treat it as a routine skip, never a failure.
	ErrDuplicate = errors.New("storage: filing already exists")
	// ErrNotFound indicates no filing matches the document id.
	ErrNotFound = errors.New("storage: filing not found")
)

const uniqueViolationCode = "23505"

const (
	insertFilingSQL = `INSERT INTO filings (
        doc_id,
        edinet_code,
        issuer_edinet_code,
        filer_name,
        sec_code,
        doc_type_code,
        description,
        submitted_at,
        amendment
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (doc_id) DO NOTHING
    RETURNING id, created_at, updated_at;`

	updateEnrichmentSQL = `UPDATE filings
    SET holding_ratio   = $2,
        previous_ratio  = $3,
        ratio_change    = $4,
        holder_name     = $5,
        target_name     = $6,
        target_sec_code = $7,
        shares_held     = $8,
        purpose         = $9,
        enriched        = $10,
        updated_at      = now()
    WHERE doc_id = $1;`

	filingColumns = `id,
        doc_id,
        edinet_code,
        issuer_edinet_code,
        filer_name,
        sec_code,
        doc_type_code,
        description,
        submitted_at,
        amendment,
        holding_ratio,
        previous_ratio,
        ratio_change,
        holder_name,
        target_name,
        target_sec_code,
        shares_held,
        purpose,
        enriched,
        created_at,
        updated_at`

	listUnenrichedSQL = `SELECT ` + filingColumns + `
    FROM filings
    WHERE NOT enriched
    ORDER BY id
    OFFSET $1
    LIMIT $2;`

	countUnenrichedSQL = `SELECT COUNT(*) FROM filings WHERE NOT enriched;`

	getByDocIDSQL = `SELECT ` + filingColumns + `
    FROM filings
    WHERE doc_id = $1;`

	listRecentSQL = `SELECT ` + filingColumns + `
    FROM filings
    ORDER BY submitted_at DESC, id DESC
    LIMIT $1;`

	statsForDateSQL = `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE enriched),
        COUNT(*) FILTER (WHERE amendment)
    FROM filings
    WHERE submitted_at >= $1
      AND submitted_at < $2;`

	countPerDaySQL = `SELECT
        date_trunc('day', submitted_at) AS day,
        COUNT(*)
    FROM filings
    WHERE submitted_at >= $1
      AND submitted_at < $2
    GROUP BY day
    ORDER BY day;`
)

// FilingStore defines the persistence operations the pipeline needs.
type FilingStore interface {
	CreateFiling(ctx context.Context, filing *Filing) (created bool, err error)
	UpdateEnrichment(ctx context.Context, docID string, enrichment Enrichment) error
	ListUnenriched(ctx context.Context, offset, limit int) ([]Filing, error)
	CountUnenriched(ctx context.Context) (int64, error)
	StatsForDate(ctx context.Context, date time.Time) (Stats, error)
}

// FilingBrowser defines read operations for the presentation surface.
type FilingBrowser interface {
	GetByDocID(ctx context.Context, docID string) (Filing, error)
	ListRecent(ctx context.Context, limit int) ([]Filing, error)
	CountPerDay(ctx context.Context, from, to time.Time) ([]DayCount, error)
}

// Store aggregates filing persistence over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateFiling inserts a filing unless the document id is already
// known. It reports whether a new row was created; an existing row is
// a routine skip, not an error.
func (s *Store) CreateFiling(ctx context.Context, filing *Filing) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	row := pool.QueryRow(ctx, insertFilingSQL,
		filing.DocID,
		filing.EdinetCode,
		filing.IssuerEdinetCode,
		filing.FilerName,
		filing.SecCode,
		filing.DocTypeCode,
		filing.Description,
		filing.SubmittedAt,
		filing.Amendment,
	)

	if scanErr := row.Scan(&filing.ID, &filing.CreatedAt, &filing.UpdatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// ON CONFLICT DO NOTHING returned no row: duplicate.
			return false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == uniqueViolationCode {
			return false, nil
		}
		return false, fmt.Errorf("insert filing: %w", scanErr)
	}
	return true, nil
}

// UpdateEnrichment applies the extracted payload to an existing filing.
func (s *Store) UpdateEnrichment(ctx context.Context, docID string, enrichment Enrichment) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, updateEnrichmentSQL,
		docID,
		decimalArg(enrichment.HoldingRatio),
		decimalArg(enrichment.PreviousRatio),
		decimalArg(enrichment.RatioChange),
		textArg(enrichment.HolderName),
		textArg(enrichment.TargetName),
		textArg(enrichment.TargetSecCode),
		enrichment.SharesHeld,
		textArg(enrichment.Purpose),
		enrichment.Complete,
	)
	if execErr != nil {
		return fmt.Errorf("update enrichment: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnenriched pages through filings awaiting enrichment, ordered by
// insertion so the retry rotation sees a stable sequence.
func (s *Store) ListUnenriched(ctx context.Context, offset, limit int) ([]Filing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnenrichedSQL, offset, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list unenriched: %w", queryErr)
	}
	defer rows.Close()

	return collectFilings(rows)
}

// CountUnenriched counts filings whose enrichment is still pending.
func (s *Store) CountUnenriched(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countUnenrichedSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count unenriched: %w", scanErr)
	}
	return count, nil
}

// GetByDocID fetches one filing by its document id.
func (s *Store) GetByDocID(ctx context.Context, docID string) (Filing, error) {
	pool, err := s.getPool()
	if err != nil {
		return Filing{}, err
	}

	row := pool.QueryRow(ctx, getByDocIDSQL, docID)
	filing, scanErr := scanFiling(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Filing{}, ErrNotFound
		}
		return Filing{}, scanErr
	}
	return filing, nil
}

// ListRecent lists the most recently submitted filings.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Filing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent filings: %w", queryErr)
	}
	defer rows.Close()

	return collectFilings(rows)
}

// StatsForDate aggregates counters for one submission day.
func (s *Store) StatsForDate(ctx context.Context, date time.Time) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	stats := Stats{Date: dayStart.Format("2006-01-02")}
	row := pool.QueryRow(ctx, statsForDateSQL, dayStart, dayEnd)
	if scanErr := row.Scan(&stats.Total, &stats.Enriched, &stats.Amendments); scanErr != nil {
		return Stats{}, fmt.Errorf("stats for date: %w", scanErr)
	}
	return stats, nil
}

// CountPerDay buckets filings by submission day for export.
func (s *Store) CountPerDay(ctx context.Context, from, to time.Time) ([]DayCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countPerDaySQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("count per day: %w", queryErr)
	}
	defer rows.Close()

	counts := make([]DayCount, 0)
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, dc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

func collectFilings(rows pgx.Rows) ([]Filing, error) {
	filings := make([]Filing, 0)
	for rows.Next() {
		filing, scanErr := scanFiling(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		filings = append(filings, filing)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return filings, nil
}

func scanFiling(row pgx.Row) (Filing, error) {
	var f Filing
	var holding, previous, change *string

	if err := row.Scan(
		&f.ID,
		&f.DocID,
		&f.EdinetCode,
		&f.IssuerEdinetCode,
		&f.FilerName,
		&f.SecCode,
		&f.DocTypeCode,
		&f.Description,
		&f.SubmittedAt,
		&f.Amendment,
		&holding,
		&previous,
		&change,
		&f.HolderName,
		&f.TargetName,
		&f.TargetSecCode,
		&f.SharesHeld,
		&f.Purpose,
		&f.Enriched,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return Filing{}, err
	}

	var convErr error
	if f.HoldingRatio, convErr = parseDecimalPtr(holding); convErr != nil {
		return Filing{}, fmt.Errorf("parse holding ratio: %w", convErr)
	}
	if f.PreviousRatio, convErr = parseDecimalPtr(previous); convErr != nil {
		return Filing{}, fmt.Errorf("parse previous ratio: %w", convErr)
	}
	if f.RatioChange, convErr = parseDecimalPtr(change); convErr != nil {
		return Filing{}, fmt.Errorf("parse ratio change: %w", convErr)
	}
	return f, nil
}

func parseDecimalPtr(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func textArg(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var (
	_ FilingStore   = (*Store)(nil)
	_ FilingBrowser = (*Store)(nil)
)
