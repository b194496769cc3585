package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/storage"
)

// DateLayout is the DDMMYY form users type.
const DateLayout = "020106"

var (
	// ErrInvalidDate marks a date that is not a real DDMMYY calendar day.
	ErrInvalidDate = errors.New("history: invalid date, use DDMMYY (e.g. 010126 for 01 Jan 2026)")
	// ErrFutureDate marks a day that has not started yet.
	ErrFutureDate = errors.New("history: date is in the future")
)

// Fetcher loads settlements the store does not hold yet.
type Fetcher interface {
	FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error)
}

// DailySummary is every settlement of one symbol on one UTC day.
type DailySummary struct {
	Symbol   string
	Date     time.Time
	Readings []funding.Reading
	Sum      decimal.Decimal
}

// Count is the number of settlements.
func (d DailySummary) Count() int { return len(d.Readings) }

// Aggregator answers historical queries.
type Aggregator struct {
	store   storage.HistoryStore
	fetcher Fetcher
	now     func() time.Time
	logger  zerolog.Logger
}

// NewAggregator builds an Aggregator. fetcher may be nil, in which case only stored
// history is used.
func NewAggregator(store storage.HistoryStore, fetcher Fetcher, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		fetcher: fetcher,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "history").Logger(),
	}
}

// ParseDate parses DDMMYY into midnight UTC of that day.
func ParseDate(s string) (time.Time, error) {
	if len(s) != 6 {
		return time.Time{}, ErrInvalidDate
	}
	if _, err := strconv.Atoi(s); err != nil {
		return time.Time{}, ErrInvalidDate
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	// Go maps YY 69-99 to 19xx; the bot only ever deals with 20xx.
	if t.Year() < 2000 {
		t = t.AddDate(100, 0, 0)
	}
	return t, nil
}

// DayBounds returns [00:00, 24:00) UTC of date.
func DayBounds(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// Query returns the settlements of symbol on date's UTC day, oldest first.
// Stored history answers only a finished day it covers completely; otherwise the
// day is read from the exchange, merged with the store and the missing settlements
// persisted. An empty day is not an error.
func (a *Aggregator) Query(ctx context.Context, symbol string, date time.Time) (DailySummary, error) {
	start, end := DayBounds(date)
	now := a.now()
	if start.After(now) {
		return DailySummary{}, ErrFutureDate
	}

	readings, err := a.store.ListReadings(ctx, symbol, start, end)
	if err != nil {
		return DailySummary{}, fmt.Errorf("list history: %w", err)
	}

	finished := !end.After(now)
	if a.fetcher != nil && (!finished || !complete(readings)) {
		readings, err = a.syncDay(ctx, symbol, start, end, readings)
		if err != nil {
			return DailySummary{}, err
		}
	}

	sum := decimal.Zero
	for _, r := range readings {
		sum = sum.Add(r.Rate)
	}
	return DailySummary{Symbol: symbol, Date: start, Readings: readings, Sum: sum}, nil
}

// complete reports whether stored holds every settlement of a day: 24h divided by
// the shortest interval seen. Unknown intervals count as incomplete.
func complete(stored []funding.Reading) bool {
	if len(stored) == 0 {
		return false
	}
	shortest := 0
	for _, r := range stored {
		if r.IntervalHours <= 0 {
			return false
		}
		if shortest == 0 || r.IntervalHours < shortest {
			shortest = r.IntervalHours
		}
	}
	return len(stored) >= 24/shortest
}

// syncDay reads the day from the exchange and merges it with stored by settled_at.
// The exchange wins on conflicts; settlements only the store knows are kept.
func (a *Aggregator) syncDay(ctx context.Context, symbol string, start, end time.Time, stored []funding.Reading) ([]funding.Reading, error) {
	fetched, err := a.fetcher.FetchHistory(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	known := make(map[int64]struct{}, len(stored))
	for _, r := range stored {
		known[r.SettledAt.UnixMilli()] = struct{}{}
	}
	merged := make(map[int64]funding.Reading, len(stored)+len(fetched))
	for _, r := range stored {
		merged[r.SettledAt.UnixMilli()] = r
	}
	var missing []funding.Reading
	for _, r := range fetched {
		if r.SettledAt.Before(start) || !r.SettledAt.Before(end) {
			continue
		}
		key := r.SettledAt.UnixMilli()
		if _, ok := known[key]; !ok {
			missing = append(missing, r)
		}
		merged[key] = r
	}

	if len(missing) > 0 {
		if err := a.store.AppendReadings(ctx, missing...); err != nil {
			// 持久化失败不影响本次查询结果。
			a.logger.Warn().Err(err).Str("symbol", symbol).Time("day", start).Msg("failed to persist fetched history")
		}
	}
	a.logger.Debug().Str("symbol", symbol).Time("day", start).
		Int("stored", len(stored)).Int("fetched", len(fetched)).Int("added", len(missing)).
		Msg("history day synced with exchange")

	out := make([]funding.Reading, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })
	return out, nil
}

// Backfill loads every settlement of symbol in [from, to) from the exchange into the store.
func (a *Aggregator) Backfill(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	if a.fetcher == nil {
		return 0, errors.New("history: no exchange fetcher configured")
	}
	fetched, err := a.fetcher.FetchHistory(ctx, symbol, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}
	if err := a.store.AppendReadings(ctx, fetched...); err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	return len(fetched), nil
}
