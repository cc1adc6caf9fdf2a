package matching

import (
	"strings"
	"time"

	"giftcard-service/internal/models"
)

type MerchantMatch int

const (
	// MerchantExact compares the stored merchant byte for byte.
	MerchantExact MerchantMatch = iota
	// MerchantFold compares ignoring case.
	MerchantFold
	// MerchantContains matches when merchant or name contains the keyword.
	MerchantContains
)

// Tier numbers; TierPreferred marks an explicitly requested unit and
// TierRecovered a unit already reserved for the same payment.
const (
	TierRecovered = -1
	TierPreferred = 0
	TierExact     = 1
	TierFold      = 2
	TierFuzzy     = 3
	TierAnyCurr   = 4
	TierAnyValue  = 5
)

// Criteria is one tier's filter. Every tier also requires the unit to be
// active, unreserved, in stock and inside its validity window at Now.
type Criteria struct {
	Tier          int
	Merchant      string
	Keyword       string
	MerchantMatch MerchantMatch
	// Currency is empty when the tier ignores currency.
	Currency string
	// MinFaceValue is ignored when HasMin is false.
	MinFaceValue int64
	HasMin       bool
	Now          time.Time
}

// Tiers returns the ordered fallback sequence for a request. The last,
// value-relaxed tier is only included when partial fulfillment is allowed.
func Tiers(merchant, currency string, minFaceValue int64, allowPartial bool, now time.Time) []Criteria {
	normalized := NormalizeMerchant(merchant)
	keyword := Keyword(normalized)
	currency = strings.ToUpper(strings.TrimSpace(currency))

	tiers := []Criteria{
		{Tier: TierExact, Merchant: normalized, Keyword: keyword, MerchantMatch: MerchantExact, Currency: currency, MinFaceValue: minFaceValue, HasMin: true, Now: now},
		{Tier: TierFold, Merchant: normalized, Keyword: keyword, MerchantMatch: MerchantFold, Currency: currency, MinFaceValue: minFaceValue, HasMin: true, Now: now},
		{Tier: TierFuzzy, Merchant: normalized, Keyword: keyword, MerchantMatch: MerchantContains, Currency: currency, MinFaceValue: minFaceValue, HasMin: true, Now: now},
		{Tier: TierAnyCurr, Merchant: normalized, Keyword: keyword, MerchantMatch: MerchantContains, MinFaceValue: minFaceValue, HasMin: true, Now: now},
	}
	if allowPartial {
		tiers = append(tiers, Criteria{Tier: TierAnyValue, Merchant: normalized, Keyword: keyword, MerchantMatch: MerchantContains, Now: now})
	}
	return tiers
}

// Matches evaluates c against a unit in memory. SQL-backed stores express
// the same predicate in their query.
func (c Criteria) Matches(u *models.InventoryUnit) bool {
	if !u.Available(c.Now) {
		return false
	}
	if c.Currency != "" && u.Currency != c.Currency {
		return false
	}
	if c.HasMin && u.FaceValue < c.MinFaceValue {
		return false
	}

	switch c.MerchantMatch {
	case MerchantExact:
		return u.Merchant == c.Merchant
	case MerchantFold:
		return strings.EqualFold(u.Merchant, c.Merchant)
	default:
		if c.Keyword == "" {
			return false
		}
		return strings.Contains(strings.ToLower(u.Merchant), c.Keyword) ||
			strings.Contains(strings.ToLower(u.Name), c.Keyword)
	}
}

func TierLabel(tier int) string {
	switch tier {
	case TierRecovered:
		return "recovered"
	case TierPreferred:
		return "preferred"
	case TierExact:
		return "exact"
	case TierFold:
		return "case_insensitive"
	case TierFuzzy:
		return "fuzzy"
	case TierAnyCurr:
		return "currency_relaxed"
	case TierAnyValue:
		return "amount_relaxed"
	}
	return "unknown"
}
