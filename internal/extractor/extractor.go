// Package extractor parses the compressed XBRL archive attached to a
// large-shareholding filing into a flat enrichment record.
package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ParseError marks a hard failure on the archive or its XML payload.
// Fields extracted before the failure are preserved on the record
// returned alongside it.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("extractor: parse failure: %v", e.Err)
	}
	return fmt.Sprintf("extractor: parse failure in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Record is the flat enrichment payload pulled out of one archive.
// Ratio values are normalised to percentages. Unresolved fields stay
// nil/empty; absence is routine, not an error.
type Record struct {
	HolderName    string
	TargetName    string
	TargetSecCode string
	HoldingRatio  *decimal.Decimal
	PreviousRatio *decimal.Decimal
	RatioChange   *decimal.Decimal
	SharesHeld    *int64
	Purpose       string
}

// Complete reports whether enrichment resolved the authoritative field.
func (r *Record) Complete() bool {
	return r != nil && r.HoldingRatio != nil
}

// Extractor locates and parses the primary disclosure document.
type Extractor struct {
	logger zerolog.Logger
}

// New constructs an Extractor.
func New(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger.With().Str("component", "extractor").Logger()}
}

// fact is one recorded (tag, context, value) occurrence.
type fact struct {
	value      string
	contextRef string
}

// Extract parses the archive. knownSecCode carries the security code
// from list metadata and is used when the document itself has none.
// A nil record with a nil error means no structured document was found.
func (e *Extractor) Extract(archive []byte, knownSecCode string) (*Record, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("open archive: %w", err)}
	}

	docPath := primaryDocPath(zr)
	if docPath == "" {
		e.logger.Debug().Msg("archive has no public XBRL document")
		return nil, nil
	}

	file, err := zr.Open(docPath)
	if err != nil {
		return nil, &ParseError{Path: docPath, Err: err}
	}
	defer file.Close()

	facts, parseErr := collectFacts(file)
	rec := resolve(facts, knownSecCode)

	if parseErr != nil {
		// Keep whatever resolved before the malformed region.
		return rec, &ParseError{Path: docPath, Err: parseErr}
	}

	e.logger.Debug().
		Str("doc", docPath).
		Bool("complete", rec.Complete()).
		Msg("enrichment extracted")
	return rec, nil
}

// primaryDocPath finds the first public-document XBRL member by path
// convention. Names are sorted so the choice is deterministic.
func primaryDocPath(zr *zip.Reader) string {
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.Contains(name, "PublicDoc/") && strings.EqualFold(path.Ext(name), ".xbrl") {
			return name
		}
	}
	return ""
}

// collectFacts streams the XML and records character data per tag
// local-name, ignoring namespace prefixes. A decoding error stops the
// scan but the facts gathered so far are returned.
func collectFacts(r io.Reader) (map[string][]fact, error) {
	facts := make(map[string][]fact)
	decoder := xml.NewDecoder(r)

	var (
		openName string
		openCtx  string
		buf      strings.Builder
	)

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return facts, nil
			}
			return facts, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			if excludedTag(local) {
				openName = ""
				continue
			}
			openName = local
			openCtx = attrValue(t.Attr, "contextRef")
			buf.Reset()
		case xml.CharData:
			if openName != "" {
				buf.Write(t)
			}
		case xml.EndElement:
			if openName != "" && t.Name.Local == openName {
				value := strings.TrimSpace(buf.String())
				if value != "" {
					facts[openName] = append(facts[openName], fact{value: value, contextRef: openCtx})
				}
			}
			openName = ""
		}
	}
}

// excludedTag filters aggregate Abstract definitions and the
// per-individual-holder breakdown; only the Total variant counts.
func excludedTag(local string) bool {
	return strings.Contains(local, "Abstract") || strings.Contains(local, "Individual")
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// priorContext distinguishes the previous reporting period via the
// context-reference attribute.
func priorContext(ctx string) bool {
	lower := strings.ToLower(ctx)
	return strings.Contains(lower, "prior") || strings.Contains(lower, "previous")
}

func resolve(facts map[string][]fact, knownSecCode string) *Record {
	rec := &Record{}

	for _, spec := range fieldTable {
		switch spec.kind {
		case kindText:
			if v, ok := firstFact(facts, spec.candidates, false); ok {
				setText(rec, spec.name, v)
			}
		case kindRatio:
			var v string
			var ok bool
			if spec.name == fieldPreviousRatio {
				// Dedicated per-last-report tags carry the period in
				// the name; any context is acceptable.
				v, ok = firstFactAny(facts, spec.candidates)
			} else {
				v, ok = firstFact(facts, spec.candidates, false)
			}
			if ok {
				if d, ok := normalizeRatio(v); ok {
					setRatio(rec, spec.name, d)
				}
			}
		case kindShares:
			if v, ok := firstFact(facts, spec.candidates, false); ok {
				if n, ok := parseShares(v); ok {
					rec.SharesHeld = &n
				}
			}
		}
	}

	// No dedicated per-last-report tag: fall back to a current-period
	// candidate recorded against a prior context.
	if rec.PreviousRatio == nil {
		if v, ok := firstFact(facts, ratioCandidates, true); ok {
			if d, ok := normalizeRatio(v); ok {
				rec.PreviousRatio = &d
			}
		}
	}

	if rec.TargetSecCode == "" {
		rec.TargetSecCode = strings.TrimSpace(knownSecCode)
	}

	if rec.HoldingRatio != nil && rec.PreviousRatio != nil {
		change := rec.HoldingRatio.Sub(*rec.PreviousRatio)
		rec.RatioChange = &change
	}

	return rec
}

// firstFact probes candidates in order; wantPrior selects facts whose
// context names the previous period, otherwise such facts are skipped.
func firstFact(facts map[string][]fact, candidates []string, wantPrior bool) (string, bool) {
	for _, cand := range candidates {
		for _, f := range facts[cand] {
			if priorContext(f.contextRef) == wantPrior {
				return f.value, true
			}
		}
	}
	return "", false
}

func firstFactAny(facts map[string][]fact, candidates []string) (string, bool) {
	for _, cand := range candidates {
		if occ := facts[cand]; len(occ) > 0 {
			return occ[0].value, true
		}
	}
	return "", false
}

var dec100 = decimal.NewFromInt(100)
var dec1 = decimal.NewFromInt(1)

// normalizeRatio parses a ratio fact and normalises it to a percentage.
// Values at or below 1 are 0-1 fractions and are multiplied by 100;
// larger values are already pre-multiplied percentages.
func normalizeRatio(raw string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Decimal{}, false
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if d.IsNegative() {
		return decimal.Decimal{}, false
	}
	if d.Cmp(dec1) <= 0 {
		d = d.Mul(dec100)
	}
	return d, true
}

func setText(rec *Record, field, value string) {
	value = strings.TrimSpace(value)
	switch field {
	case fieldHolderName:
		rec.HolderName = value
	case fieldTargetName:
		rec.TargetName = value
	case fieldTargetSecCode:
		rec.TargetSecCode = value
	case fieldPurpose:
		rec.Purpose = value
	}
}

func setRatio(rec *Record, field string, d decimal.Decimal) {
	switch field {
	case fieldHoldingRatio:
		rec.HoldingRatio = &d
	case fieldPreviousRatio:
		rec.PreviousRatio = &d
	}
}

func parseShares(raw string) (int64, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, false
	}
	return d.IntPart(), true
}
