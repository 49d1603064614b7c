package extractor

type fieldKind int

const (
	kindText fieldKind = iota
	kindRatio
	kindShares
)

// fieldSpec maps one logical output field to an ordered list of
// candidate tag local-names. The first candidate with a usable fact
// wins; later candidates are only probed when earlier ones are absent.
type fieldSpec struct {
	name       string
	kind       fieldKind
	candidates []string
}

const (
	fieldHolderName    = "holder_name"
	fieldTargetName    = "target_name"
	fieldTargetSecCode = "target_sec_code"
	fieldHoldingRatio  = "holding_ratio"
	fieldPreviousRatio = "previous_ratio"
	fieldSharesHeld    = "shares_held"
	fieldPurpose       = "purpose"
)

// fieldTable drives tag resolution for the large-shareholding taxonomy.
// Only "Total" variants are listed for aggregates; per-holder breakdown
// tags and Abstract definitions are excluded before facts are recorded.
var fieldTable = []fieldSpec{
	{
		name: fieldHolderName,
		kind: kindText,
		candidates: []string{
			"NameOfLargeVolumeHolder",
			"FilerNameInJapaneseDEI",
			"Name",
		},
	},
	{
		name: fieldTargetName,
		kind: kindText,
		candidates: []string{
			"NameOfIssuer",
			"IssuerNameOfShareCertificatesEtc",
			"IssuerName",
		},
	},
	{
		name: fieldTargetSecCode,
		kind: kindText,
		candidates: []string{
			"SecurityCodeOfIssuer",
			"SecurityCode",
		},
	},
	{
		name: fieldHoldingRatio,
		kind: kindRatio,
		candidates: []string{
			"TotalShareholdingRatio",
			"TotalHoldingRatioOfShareCertificatesEtc",
			"HoldingRatioOfShareCertificatesEtc",
			"ShareholdingRatio",
		},
	},
	{
		name: fieldPreviousRatio,
		kind: kindRatio,
		candidates: []string{
			"HoldingRatioOfShareCertificatesEtcPerLastReport",
			"TotalShareholdingRatioPerLastReport",
			"ShareholdingRatioPerLastReport",
		},
	},
	{
		name: fieldSharesHeld,
		kind: kindShares,
		candidates: []string{
			"TotalNumberOfStocksEtcHeld",
			"TotalNumberOfShareCertificatesEtcHeld",
			"NumberOfStocksEtcHeldTotal",
		},
	},
	{
		name: fieldPurpose,
		kind: kindText,
		candidates: []string{
			"PurposeOfHolding",
			"HoldingPurpose",
		},
	},
}

// ratioCandidates are the current-period ratio tags; facts recorded
// against a prior-period context under these names feed the previous
// ratio instead.
var ratioCandidates = fieldCandidates(fieldHoldingRatio)

func fieldCandidates(name string) []string {
	for _, spec := range fieldTable {
		if spec.name == name {
			return spec.candidates
		}
	}
	return nil
}
