package query

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/alerting"
	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/service"
)

const (
	// DateDisplayLayout renders a day in replies.
	DateDisplayLayout = "02 Jan 2006"
	clockLayout       = "03:04 PM MST"
)

var hotRate = decimal.RequireFromString("0.0005")

var escape = html.EscapeString

// topEmoji grades a live rate: red/orange when longs pay, green/blue when shorts pay.
func topEmoji(rate decimal.Decimal) string {
	switch {
	case rate.GreaterThan(hotRate):
		return "🔴"
	case rate.IsPositive():
		return "🟠"
	case rate.LessThan(hotRate.Neg()):
		return "🟢"
	case rate.IsNegative():
		return "🔵"
	default:
		return "⚪"
	}
}

// RenderTop lists the most extreme live rates.
func RenderTop(list []funding.Ticker) string {
	if len(list) == 0 {
		return RenderError("No funding rate data available.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Top %d Extreme Funding Rates</b>\n\n", len(list))
	for _, t := range list {
		fmt.Fprintf(&b, "%s <b>%s</b>: %s\n", topEmoji(t.Rate), escape(t.Symbol), funding.FormatPercent(t.Rate))
	}
	b.WriteString("\n<i>🔴 Longs pay | 🟢 Shorts pay</i>\n")
	b.WriteString("<i>💡 Use /funding SYMBOL DDMMYY for historical rates</i>")
	return b.String()
}

// RenderCurrent shows the live rate of one symbol and its last settlement.
func RenderCurrent(s Snapshot, loc *time.Location) string {
	t := s.Ticker
	bias := funding.BiasOf(t.Rate)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> (%dh)\n\n", alerting.RateEmoji(bias), escape(t.Symbol), t.IntervalHours)
	fmt.Fprintf(&b, "• Bias: %s\n", bias.Description())
	fmt.Fprintf(&b, "• Live Rate: <b>%s</b>\n", funding.FormatPercent(t.Rate))
	if s.Settled != nil {
		fmt.Fprintf(&b, "• Last Settled: %s (%s)\n", funding.FormatPercent(s.Settled.Rate), s.Settled.SettledAt.In(loc).Format(alerting.DisplayTimeLayout))
	}
	if t.NextFundingTime.IsZero() {
		b.WriteString("• Next Settlement: Unknown\n")
	} else {
		fmt.Fprintf(&b, "• Next Settlement: %s\n", t.NextFundingTime.In(loc).Format(alerting.DisplayTimeLayout))
	}
	if s.Tier != nil {
		fmt.Fprintf(&b, "• Alerts: %s\n", tierLabel(*s.Tier))
	}
	base := strings.TrimSuffix(t.Symbol, "USDT")
	fmt.Fprintf(&b, "\n<i>💡 Tip: Use /funding %s DDMMYY for historical rates</i>", escape(base))
	return b.String()
}

func tierLabel(t funding.Tier) string {
	if t == funding.Full {
		return "every change"
	}
	return "extreme rates only"
}

// RenderHistorical shows every settlement of a day and the daily total.
func RenderHistorical(d history.DailySummary, loc *time.Location) string {
	day := d.Date.Format(DateDisplayLayout)
	if d.Count() == 0 {
		return RenderError(fmt.Sprintf("No funding rate data found for <b>%s</b> on %s", escape(d.Symbol), day))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>%s</b> Historical Funding Rates\n", escape(d.Symbol))
	fmt.Fprintf(&b, "📅 Date: %s (UTC)\n\n", day)
	for _, r := range d.Readings {
		fmt.Fprintf(&b, "%s %s: <b>%s</b>\n", alerting.RateEmoji(funding.BiasOf(r.Rate)), r.SettledAt.In(loc).Format(clockLayout), funding.FormatPercent(r.Rate))
	}
	fmt.Fprintf(&b, "\n%s <b>Daily Total: %s</b>\n", alerting.RateEmoji(funding.BiasOf(d.Sum)), funding.FormatPercent(d.Sum))
	fmt.Fprintf(&b, "📈 Settlements: %d", d.Count())
	return b.String()
}

// RenderStatus shows the monitor state and the command list.
func RenderStatus(st service.Status, loc *time.Location, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>Funding Rate Bot Status</b>\n\n")
	b.WriteString("• Status: Running\n")
	fmt.Fprintf(&b, "• Symbols Tracked: %d\n", st.Tracked)
	if st.Primary != "" {
		fmt.Fprintf(&b, "• Full Alerts: %s\n", escape(st.Primary))
	}
	if st.Interval > 0 {
		fmt.Fprintf(&b, "• Check Interval: %s\n", alerting.HumanDuration(st.Interval))
	}
	fmt.Fprintf(&b, "• Last Check: %s\n", ago(st.LastTick, now))
	fmt.Fprintf(&b, "• Symbols Refreshed: %s\n", ago(st.LastRefresh, now))
	fmt.Fprintf(&b, "• Alerts Raised: %d\n\n", st.AlertsRaised)
	b.WriteString(commandList())
	return b.String()
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return alerting.HumanDuration(now.Sub(t).Truncate(time.Second)) + " ago"
}

func commandList() string {
	return "<b>Commands:</b>\n" +
		"• /funding - Top extreme rates\n" +
		"• /funding SYMBOL - Current rate for symbol\n" +
		"• /funding SYMBOL DDMMYY - Historical rates"
}

// RenderHelp lists the commands.
func RenderHelp() string {
	return commandList()
}

// RenderError prefixes msg with the error marker. msg may contain HTML.
func RenderError(msg string) string {
	return "❌ " + msg
}
