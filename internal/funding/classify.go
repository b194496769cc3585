package funding

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rules parameterise classification.
type Rules struct {
	// ExtremeThreshold is inclusive: |rate| >= threshold is extreme.
	ExtremeThreshold decimal.Decimal
	// MinChange filters plain rate changes; zero means any nonzero delta.
	MinChange decimal.Decimal
}

// Decision is the result of classifying one reading.
type Decision struct {
	Event *AlertEvent
	// Stale is set when the reading is not newer than the stored one; Next is then
	// the unchanged previous state and nothing must be written.
	Stale bool
	Next  SymbolState
}

// Classify compares reading against prev and decides whether an alert fires.
// prev is nil for a symbol never seen before. At most one event is produced.
func Classify(prev *SymbolState, reading Reading, policy Policy, rules Rules) Decision {
	if prev != nil && !reading.SettledAt.After(prev.LastReading.SettledAt) {
		return Decision{Stale: true, Next: *prev}
	}

	next := SymbolState{LastReading: reading}
	if prev == nil {
		return Decision{Next: next}
	}

	kind, ok := classifyKind(prev.LastReading.Rate, reading.Rate, policy.Tier, rules)
	if !ok {
		return Decision{Next: next}
	}

	return Decision{
		Event: &AlertEvent{
			ID:              uuid.NewString(),
			Symbol:          reading.Symbol,
			Kind:            kind,
			PreviousRate:    prev.LastReading.Rate,
			NewRate:         reading.Rate,
			BiasDescription: BiasOf(reading.Rate).Description(),
			IntervalHours:   reading.IntervalHours,
			SettledAt:       reading.SettledAt,
		},
		Next: next,
	}
}

func classifyKind(prevRate, rate decimal.Decimal, tier Tier, rules Rules) (AlertKind, bool) {
	if IsExtreme(rate, rules.ExtremeThreshold) {
		return KindExtremeRate, true
	}
	if tier != Full {
		return "", false
	}
	if IsFlip(BiasOf(prevRate), BiasOf(rate)) {
		return KindBiasFlip, true
	}
	if rate.Equal(prevRate) {
		return "", false
	}
	if rules.MinChange.IsPositive() && rate.Sub(prevRate).Abs().LessThan(rules.MinChange) {
		return "", false
	}
	return KindRateChange, true
}

// IsExtreme reports |rate| >= threshold. A non-positive threshold never matches.
func IsExtreme(rate, threshold decimal.Decimal) bool {
	if !threshold.IsPositive() {
		return false
	}
	return rate.Abs().GreaterThanOrEqual(threshold)
}

// IsFlip is true only between strictly Positive and strictly Negative.
func IsFlip(from, to Bias) bool {
	return (from == Positive && to == Negative) || (from == Negative && to == Positive)
}
