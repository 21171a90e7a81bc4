package steps

import (
	"fmt"
	"strings"
)

// caseString digs a nested string out of a case record.
func caseString(c map[string]any, path ...string) string {
	cur := any(c)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

func subjectName(c map[string]any) string {
	if s := caseString(c, "subject", "name"); s != "" {
		return s
	}
	return "the subject"
}

func institutionName(c map[string]any) string {
	if s := caseString(c, "institution", "name"); s != "" {
		return s
	}
	return "the reporting institution"
}

func dateRange(c map[string]any) string {
	var first, last string
	for _, tx := range Transactions(c) {
		d, _ := tx["date"].(string)
		if d == "" {
			continue
		}
		if first == "" || d < first {
			first = d
		}
		if d > last {
			last = d
		}
	}
	switch {
	case first == "":
		return "the review period"
	case first == last:
		return first
	default:
		return fmt.Sprintf("%s through %s", first, last)
	}
}

func cashDepositStats(c map[string]any) (count int, total float64) {
	for _, tx := range Transactions(c) {
		if isCashTransaction(tx) {
			count++
			total += txAmount(tx)
		}
	}
	return count, total
}

// structuringNarrative renders the canonical structuring write-up. Only
// called when StructuringPattern holds.
func structuringNarrative(c map[string]any, ind Indicators) string {
	count, total := cashDepositStats(c)
	return fmt.Sprintf(
		"During %s, %s conducted %d cash deposits at %s totaling $%.2f. "+
			"Each deposit was individually below the $%d currency transaction reporting threshold, "+
			"while the aggregate exceeded it. The pattern of repeated sub-threshold cash deposits "+
			"within a short period is consistent with structuring intended to evade the reporting "+
			"requirements of the Bank Secrecy Act, and no apparent lawful business purpose for the "+
			"pattern was identified.",
		dateRange(c), subjectName(c), count, institutionName(c), total, int(ind.StructuringThresholdUSD),
	)
}

// wireNarrative renders the cross-border wire write-up. Only called when the
// case names destination countries.
func wireNarrative(c map[string]any) string {
	countries := DestinationCountries(c)
	return fmt.Sprintf(
		"During %s, %s originated %d wire transfers through %s totaling $%.2f, "+
			"with funds directed to %s. The volume and destination of the transfers were inconsistent "+
			"with the expected account activity, and the stated purpose of the payments could not be "+
			"corroborated by %s.",
		dateRange(c), subjectName(c), len(Transactions(c)), institutionName(c), TotalAmount(c),
		strings.Join(countries, ", "), institutionName(c),
	)
}

// genericSummary is the deterministic last-resort rendering of a case.
func genericSummary(c map[string]any) string {
	txs := Transactions(c)
	return fmt.Sprintf(
		"During %s, %s conducted %d transactions at %s totaling $%.2f.",
		dateRange(c), subjectName(c), len(txs), institutionName(c), TotalAmount(c),
	)
}

// templateNarrative returns the deterministic narrative for cases matching a
// known pattern, or "" when generation should be delegated.
func templateNarrative(c map[string]any, ind Indicators) string {
	if StructuringPattern(c, ind) {
		return structuringNarrative(c, ind)
	}
	if len(DestinationCountries(c)) > 0 {
		return wireNarrative(c)
	}
	return ""
}
