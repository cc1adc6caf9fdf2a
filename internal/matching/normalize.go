package matching

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// merchantAliases maps case-folded spellings seen at checkout to the
// canonical merchant name stored on inventory units.
var merchantAliases = map[string]string{
	"amazon":         "Amazon",
	"amazon.in":      "Amazon",
	"amazon.com":     "Amazon",
	"amazon pay":     "Amazon",
	"flipkart":       "Flipkart",
	"flipkart.com":   "Flipkart",
	"myntra":         "Myntra",
	"ajio":           "AJIO",
	"nykaa":          "Nykaa",
	"swiggy":         "Swiggy",
	"zomato":         "Zomato",
	"bigbasket":      "BigBasket",
	"big basket":     "BigBasket",
	"croma":          "Croma",
	"bookmyshow":     "BookMyShow",
	"makemytrip":     "MakeMyTrip",
	"uber":           "Uber",
	"uber eats":      "Uber Eats",
	"starbucks":      "Starbucks",
	"apple":          "Apple",
	"itunes":         "Apple",
	"app store":      "Apple",
	"google play":    "Google Play",
	"play store":     "Google Play",
	"steam":          "Steam",
	"netflix":        "Netflix",
	"spotify":        "Spotify",
	"walmart":        "Walmart",
	"target":         "Target",
	"best buy":       "Best Buy",
	"ikea":           "IKEA",
	"sephora":        "Sephora",
	"airbnb":         "Airbnb",
	"doordash":       "DoorDash",
	"instacart":      "Instacart",
	"home depot":     "Home Depot",
	"the home depot": "Home Depot",
}

// aliasKeys is sorted longest first, then lexically, so containment
// lookups are deterministic.
var aliasKeys = sortedAliasKeys()

// Reverse containment (key contains input) needs a minimum input length,
// otherwise "a" would match almost every key.
const minReverseMatchLen = 3

func sortedAliasKeys() []string {
	keys := make([]string, 0, len(merchantAliases))
	for k := range merchantAliases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// NormalizeMerchant maps free-form merchant text to a canonical name.
// It is pure: the same input always yields the same output.
func NormalizeMerchant(raw string) string {
	trimmed := strings.Join(strings.Fields(raw), " ")
	if trimmed == "" {
		return ""
	}
	folded := strings.ToLower(trimmed)

	if canonical, ok := merchantAliases[folded]; ok {
		return canonical
	}
	for _, key := range aliasKeys {
		if strings.Contains(folded, key) {
			return merchantAliases[key]
		}
	}
	if len(folded) >= minReverseMatchLen {
		for _, key := range aliasKeys {
			if strings.Contains(key, folded) {
				return merchantAliases[key]
			}
		}
	}
	// Casers are stateful and not safe to share between goroutines.
	return cases.Title(language.Und).String(folded)
}

// Keyword is the case-folded token used by the fuzzy tiers.
func Keyword(normalized string) string {
	return strings.ToLower(strings.TrimSpace(normalized))
}
