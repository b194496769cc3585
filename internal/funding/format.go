package funding

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FormatPercent renders a fractional rate as a signed percentage, e.g. 0.0001 -> "+0.0100%".
func FormatPercent(rate decimal.Decimal) string {
	pct := rate.Mul(hundred).StringFixed(4)
	if rate.Sign() >= 0 {
		return "+" + pct + "%"
	}
	return pct + "%"
}

// NormalizeSymbol upper-cases s and appends the quote asset when missing.
func NormalizeSymbol(s, quote string) string {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" {
		return ""
	}
	quote = strings.ToUpper(quote)
	if quote != "" && !strings.HasSuffix(sym, quote) {
		sym += quote
	}
	return sym
}
