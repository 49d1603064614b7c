package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filing represents one persisted disclosure, keyed by the immutable
// EDINET document id. Enrichment fields stay nil until the structured
// document has been parsed.
type Filing struct {
	ID               int64            `json:"id"`
	DocID            string           `json:"doc_id"`
	EdinetCode       string           `json:"edinet_code"`
	IssuerEdinetCode *string          `json:"issuer_edinet_code,omitempty"`
	FilerName        string           `json:"filer_name"`
	SecCode          *string          `json:"sec_code,omitempty"`
	DocTypeCode      string           `json:"doc_type_code"`
	Description      string           `json:"description"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	Amendment        bool             `json:"amendment"`
	HoldingRatio     *decimal.Decimal `json:"holding_ratio,omitempty"`
	PreviousRatio    *decimal.Decimal `json:"previous_ratio,omitempty"`
	RatioChange      *decimal.Decimal `json:"ratio_change,omitempty"`
	HolderName       *string          `json:"holder_name,omitempty"`
	TargetName       *string          `json:"target_name,omitempty"`
	TargetSecCode    *string          `json:"target_sec_code,omitempty"`
	SharesHeld       *int64           `json:"shares_held,omitempty"`
	Purpose          *string          `json:"purpose,omitempty"`
	Enriched         bool             `json:"enriched"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Enrichment is the update payload applied when structured extraction
// succeeds, on the first pass or a later retry.
type Enrichment struct {
	HoldingRatio  *decimal.Decimal
	PreviousRatio *decimal.Decimal
	RatioChange   *decimal.Decimal
	HolderName    string
	TargetName    string
	TargetSecCode string
	SharesHeld    *int64
	Purpose       string
	Complete      bool
}

// Stats aggregates one day of ingestion counters.
type Stats struct {
	Date       string `json:"date"`
	Total      int64  `json:"total"`
	Enriched   int64  `json:"enriched"`
	Amendments int64  `json:"amendments"`
}

// DayCount is one bucket of the filings-per-day series.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}
