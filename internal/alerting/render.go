package alerting

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
)

// DisplayTimeLayout is used for settlement times in every user-facing message.
const DisplayTimeLayout = "02 Jan 2006, 03:04 PM MST"

func header(kind funding.AlertKind) string {
	switch kind {
	case funding.KindExtremeRate:
		return "⚠️ <b>EXTREME FUNDING RATE</b> ⚠️"
	case funding.KindBiasFlip:
		return "🔄 <b>FUNDING RATE FLIP</b> 🔄"
	default:
		return "📊 <b>FUNDING RATE CHANGE</b>"
	}
}

// RateEmoji marks who pays: red when longs pay, green when shorts pay.
func RateEmoji(b funding.Bias) string {
	switch b {
	case funding.Positive:
		return "🔴"
	case funding.Negative:
		return "🟢"
	default:
		return "⚪"
	}
}

func changeEmoji(change int) string {
	switch {
	case change > 0:
		return "📈"
	case change < 0:
		return "📉"
	default:
		return "➡️"
	}
}

// RenderAlert formats event as a Telegram HTML message.
func RenderAlert(event funding.AlertEvent, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	change := event.Change()
	bias := funding.BiasOf(event.NewRate)

	var b strings.Builder
	b.WriteString(header(event.Kind))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s <b>%s</b> (%dh)\n\n", RateEmoji(bias), html.EscapeString(event.Symbol), event.IntervalHours)
	fmt.Fprintf(&b, "<b>Settled Rate:</b> %s\n", funding.FormatPercent(event.NewRate))
	fmt.Fprintf(&b, "<b>Previous Rate:</b> %s\n", funding.FormatPercent(event.PreviousRate))
	fmt.Fprintf(&b, "<b>Change:</b> %s %s\n\n", changeEmoji(change.Sign()), funding.FormatPercent(change))
	fmt.Fprintf(&b, "<b>Bias:</b> %s\n\n", html.EscapeString(event.BiasDescription))
	fmt.Fprintf(&b, "<b>Settlement:</b> %s\n\n", event.SettledAt.In(loc).Format(DisplayTimeLayout))
	b.WriteString("<i>Perpetual Futures</i>")
	return b.String()
}

// RenderStartup formats the startup announcement with per-interval counts.
func RenderStartup(tickers []funding.Ticker, threshold decimal.Decimal, pollEvery time.Duration) string {
	counts := make(map[int]int)
	for _, t := range tickers {
		counts[t.IntervalHours]++
	}
	intervals := make([]int, 0, len(counts))
	for h := range counts {
		intervals = append(intervals, h)
	}
	sort.Ints(intervals)

	var b strings.Builder
	b.WriteString("🚀 <b>Funding Rate Bot Started</b>\n\n")
	fmt.Fprintf(&b, "Monitoring <b>%d</b> symbols for funding rate changes.\n", len(tickers))
	if len(intervals) > 0 {
		b.WriteString("\n<b>Funding Intervals:</b>\n")
		for _, h := range intervals {
			fmt.Fprintf(&b, "• %d-hour: %d symbols\n", h, counts[h])
		}
	}
	b.WriteString("\n<b>Alert Types:</b>\n")
	b.WriteString("• 📊 Rate changes at settlement\n")
	fmt.Fprintf(&b, "• ⚠️ Extreme rates (≥%s%%)\n", threshold.Mul(decimal.NewFromInt(100)).String())
	b.WriteString("• 🔄 Rate flips (+ ↔ -)\n\n")
	fmt.Fprintf(&b, "<i>Bot checks every %s to catch all settlement times.</i>", HumanDuration(pollEvery))
	return b.String()
}

// HumanDuration drops zero trailing units: 30m0s -> 30m, 1h0m0s -> 1h.
func HumanDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
