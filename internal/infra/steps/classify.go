package steps

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
)

// ctrThresholdUSD is the aggregate cash amount that triggers a currency
// transaction report (31 CFR 1010.311).
const ctrThresholdUSD = 10000

// redFlagTokens mark language in a case that indicates suspicious activity.
// Substring match on the lowercased case text.
var redFlagTokens = []string{
	"structur",
	"fraud",
	"launder",
	"suspicious",
	"terror",
	"sanction",
	"unusual",
	"kiting",
	"embezz",
	"no apparent",
}

// neutralPhrases are removed before the red-flag scan. A reviewer noting
// the absence of suspicion must not trip the scan.
var neutralPhrases = []string{
	"no suspicious activity",
	"not suspicious",
	"nothing suspicious",
	"no unusual activity",
	"nothing unusual",
}

// sanctionedJurisdictions are comprehensively sanctioned programs. Matching
// a destination or counterparty country here outranks every other signal.
var sanctionedJurisdictions = []string{
	"iran",
	"north korea",
	"cuba",
	"syria",
	"crimea",
}

// String forms that intake systems use for missing values and booleans.
var (
	nullStrings  = map[string]bool{"null": true, "none": true, "nil": true, "na": true, "n/a": true}
	trueStrings  = map[string]bool{"true": true, "yes": true, "y": true, "t": true, "1": true}
	falseStrings = map[string]bool{"false": true, "no": true, "n": true, "f": true, "0": true}
)

// NormalizeCase canonicalizes an intake payload: string-encoded nulls and
// booleans become real values, whitespace is trimmed, nesting is preserved.
func NormalizeCase(in map[string]any) map[string]any {
	out, _ := normalizeValue(in).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		switch ls := strings.ToLower(s); {
		case nullStrings[ls]:
			return nil
		case trueStrings[ls]:
			return true
		case falseStrings[ls]:
			return false
		}
		return s
	default:
		return v
	}
}

// asFloat coerces the numeric representations that survive JSON round trips.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(t, "$"))
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Transactions extracts the transaction list from a case, tolerating both
// a bare list and a single transaction object.
func Transactions(c map[string]any) []map[string]any {
	raw, ok := c["transactions"]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{t}
	default:
		return nil
	}
}

func isCashTransaction(tx map[string]any) bool {
	for _, key := range []string{"instrument_type", "product_type", "type"} {
		if s, ok := tx[key].(string); ok {
			ls := strings.ToLower(s)
			if strings.Contains(ls, "cash") || strings.Contains(ls, "currency") {
				return true
			}
		}
	}
	return false
}

func txAmount(tx map[string]any) float64 {
	for _, key := range []string{"amount_usd", "amount"} {
		if f, ok := asFloat(tx[key]); ok {
			return f
		}
	}
	return 0
}

// TotalCashAmount sums the USD value of the cash-instrument transactions.
func TotalCashAmount(c map[string]any) float64 {
	var total float64
	for _, tx := range Transactions(c) {
		if isCashTransaction(tx) {
			total += txAmount(tx)
		}
	}
	return total
}

// TotalAmount sums the USD value of every transaction in the case.
func TotalAmount(c map[string]any) float64 {
	var total float64
	for _, tx := range Transactions(c) {
		total += txAmount(tx)
	}
	return total
}

// flattenText joins every string value in the case, lowercased, so token
// scans see narrative fields regardless of where intake nested them.
func flattenText(v any, sb *strings.Builder) {
	switch t := v.(type) {
	case map[string]any:
		for _, item := range t {
			flattenText(item, sb)
		}
	case []any:
		for _, item := range t {
			flattenText(item, sb)
		}
	case string:
		sb.WriteString(strings.ToLower(t))
		sb.WriteByte(' ')
	}
}

func caseText(c map[string]any) string {
	var sb strings.Builder
	flattenText(c, &sb)
	text := sb.String()
	for _, phrase := range neutralPhrases {
		text = strings.ReplaceAll(text, phrase, " ")
	}
	return text
}

// HasSuspiciousActivity reports whether the case language or its activity
// flags indicate reportable suspicion.
func HasSuspiciousActivity(c map[string]any) bool {
	if alert, ok := c["alert"].(map[string]any); ok {
		if s, ok := alert["activity_type"].(string); ok && strings.TrimSpace(s) != "" {
			return true
		}
	}
	text := caseText(c)
	for _, tok := range redFlagTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// SanctionedJurisdiction returns the first comprehensively sanctioned
// jurisdiction the case touches, if any.
func SanctionedJurisdiction(c map[string]any, ind Indicators) (string, bool) {
	text := caseText(c)
	for _, j := range ind.SanctionedJurisdictions {
		if strings.Contains(text, strings.ToLower(j)) {
			return j, true
		}
	}
	return "", false
}

// DestinationCountries collects the wire destination countries named on the
// case transactions.
func DestinationCountries(c map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	for _, tx := range Transactions(c) {
		for _, key := range []string{"destination_country", "beneficiary_country", "counterparty_country"} {
			if s, ok := tx[key].(string); ok && s != "" {
				ls := strings.ToLower(strings.TrimSpace(s))
				if !seen[ls] {
					seen[ls] = true
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// StructuringPattern reports whether the case shows the classic structuring
// shape: repeated cash transactions, each individually under the reporting
// threshold, aggregating above it.
func StructuringPattern(c map[string]any, ind Indicators) bool {
	var count int
	var total float64
	for _, tx := range Transactions(c) {
		if !isCashTransaction(tx) {
			continue
		}
		amt := txAmount(tx)
		if amt > 0 && amt < ind.StructuringThresholdUSD {
			count++
			total += amt
		}
	}
	return count >= ind.StructuringMinDeposits && total >= ind.StructuringThresholdUSD
}

// DetermineReportType applies the deterministic triage rules. Precedence:
// sanctions exposure outranks suspicion, suspicion outranks the cash
// threshold, and a case matching nothing is Unclassified.
func DetermineReportType(c map[string]any, ind Indicators) (jobs.ReportType, float64, string) {
	if j, ok := SanctionedJurisdiction(c, ind); ok {
		return jobs.ReportSanctions, 0.95,
			fmt.Sprintf("case touches sanctioned jurisdiction %q", j)
	}
	if StructuringPattern(c, ind) {
		return jobs.ReportSAR, 0.9,
			"repeated sub-threshold cash transactions aggregate above the reporting threshold"
	}
	if HasSuspiciousActivity(c) {
		return jobs.ReportSAR, 0.85, "case language indicates suspicious activity"
	}
	if cash := TotalCashAmount(c); cash >= ind.CTRThresholdUSD {
		return jobs.ReportCTR, 0.9,
			fmt.Sprintf("aggregate cash of $%.2f meets the currency transaction threshold", cash)
	}
	return jobs.ReportUnclassified, 0.5, "no filing trigger matched"
}
