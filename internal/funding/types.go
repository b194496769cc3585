package funding

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one settled funding rate for a symbol.
type Reading struct {
	Symbol        string
	Rate          decimal.Decimal
	IntervalHours int
	SettledAt     time.Time
}

// Ticker is the live (not yet settled) view of a perpetual.
type Ticker struct {
	Symbol          string
	Rate            decimal.Decimal
	IntervalHours   int
	NextFundingTime time.Time
	LastPrice       decimal.Decimal
}

// Bias 表示费率方向。
type Bias int

const (
	Neutral Bias = iota
	Positive
	Negative
)

// BiasOf derives the bias from the sign of rate.
func BiasOf(rate decimal.Decimal) Bias {
	switch rate.Sign() {
	case 1:
		return Positive
	case -1:
		return Negative
	default:
		return Neutral
	}
}

func (b Bias) String() string {
	switch b {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "neutral"
	}
}

// Description is the human readable form used in alerts and replies.
func (b Bias) Description() string {
	switch b {
	case Positive:
		return "Positive (Longs Pay Shorts)"
	case Negative:
		return "Negative (Shorts Pay Longs)"
	default:
		return "Neutral"
	}
}

// SymbolState holds the last accepted settlement of a symbol.
type SymbolState struct {
	LastReading Reading
}

// Bias of the last accepted reading.
func (s SymbolState) Bias() Bias {
	return BiasOf(s.LastReading.Rate)
}

// Tier decides how much alerting a symbol gets.
type Tier int

const (
	ExtremeOnly Tier = iota
	Full
)

func (t Tier) String() string {
	if t == Full {
		return "full"
	}
	return "extreme_only"
}

// Policy binds a tracked symbol to its tier.
type Policy struct {
	Symbol string
	Tier   Tier
}

// AlertKind enumerates the alert categories.
type AlertKind string

const (
	KindRateChange  AlertKind = "rate_change"
	KindBiasFlip    AlertKind = "bias_flip"
	KindExtremeRate AlertKind = "extreme_rate"
)

// AlertEvent is the classifier output, consumed once by the notifier.
type AlertEvent struct {
	ID              string
	Symbol          string
	Kind            AlertKind
	PreviousRate    decimal.Decimal
	NewRate         decimal.Decimal
	BiasDescription string
	IntervalHours   int
	SettledAt       time.Time
}

// Change returns NewRate - PreviousRate.
func (e AlertEvent) Change() decimal.Decimal {
	return e.NewRate.Sub(e.PreviousRate)
}

// ValidInterval reports whether h is a funding interval the exchange uses.
func ValidInterval(h int) bool {
	switch h {
	case 1, 2, 4, 8:
		return true
	}
	return false
}
