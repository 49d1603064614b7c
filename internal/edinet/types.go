package edinet

import (
	"strings"
	"time"
)

// DocumentMeta mirrors one entry of the EDINET document-list response.
type DocumentMeta struct {
	DocID             string `json:"docID"`
	EdinetCode        string `json:"edinetCode"`
	SecCode           string `json:"secCode"`
	FilerName         string `json:"filerName"`
	IssuerEdinetCode  string `json:"issuerEdinetCode"`
	SubjectEdinetCode string `json:"subjectEdinetCode"`
	DocTypeCode       string `json:"docTypeCode"`
	DocDescription    string `json:"docDescription"`
	SubmitDateTime    string `json:"submitDateTime"`
	XbrlFlag          string `json:"xbrlFlag"`
	WithdrawalStatus  string `json:"withdrawalStatus"`
}

// HasXBRL reports whether a structured-disclosure archive is attached.
func (m DocumentMeta) HasXBRL() bool {
	return m.XbrlFlag == "1"
}

// Withdrawn reports whether the filing has been withdrawn by the filer.
func (m DocumentMeta) Withdrawn() bool {
	return m.WithdrawalStatus == "1"
}

// SubmittedAt parses the list timestamp ("2006-01-02 15:04", JST).
// A zero time is returned when the field is absent or malformed.
func (m DocumentMeta) SubmittedAt() time.Time {
	raw := strings.TrimSpace(m.SubmitDateTime)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, JST); err == nil {
			return t
		}
	}
	return time.Time{}
}

// JST is the EDINET reference timezone.
var JST = time.FixedZone("JST", 9*60*60)

type listResponse struct {
	Metadata struct {
		Title     string `json:"title"`
		Status    string `json:"status"`
		Message   string `json:"message"`
		ResultSet struct {
			Count int `json:"count"`
		} `json:"resultset"`
	} `json:"metadata"`
	Results []DocumentMeta `json:"results"`
}
