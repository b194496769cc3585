package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/service"
	"funding-rate-alerts/internal/storage"
)

// ErrUnknownSymbol is returned when the exchange does not list the symbol.
var ErrUnknownSymbol = errors.New("query: unknown symbol")

const defaultCacheTTL = 30 * time.Second

// TickerSource lists live perpetual tickers.
type TickerSource interface {
	FetchTickers(ctx context.Context) ([]funding.Ticker, error)
}

// StatusProvider reports monitor status.
type StatusProvider interface {
	Status() service.Status
}

// Snapshot is the current view of one symbol.
type Snapshot struct {
	Ticker funding.Ticker
	// Settled is the last settlement the monitor accepted, nil if never seen.
	Settled *funding.Reading
	Tier    *funding.Tier
}

// Options configure a Responder.
type Options struct {
	TopN     int
	Location *time.Location
	CacheTTL time.Duration
	// Tiers looks up the policy tier of a tracked symbol; optional.
	Tiers func(symbol string) (funding.Policy, bool)
}

// Responder answers operator queries from the stores and the exchange.
type Responder struct {
	tickers TickerSource
	states  storage.StateStore
	history *history.Aggregator
	status  StatusProvider
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cache    map[string]funding.Ticker
	cachedAt time.Time
}

// NewResponder builds a Responder. status may be nil when no monitor runs in-process.
func NewResponder(tickers TickerSource, states storage.StateStore, agg *history.Aggregator, status StatusProvider, opts Options, logger zerolog.Logger) *Responder {
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Responder{
		tickers: tickers,
		states:  states,
		history: agg,
		status:  status,
		opts:    opts,
		logger:  logger.With().Str("component", "query").Logger(),
		now:     time.Now,
	}
}

// Location is the display timezone.
func (r *Responder) Location() *time.Location { return r.opts.Location }

// TopN is the default size of the top list.
func (r *Responder) TopN() int { return r.opts.TopN }

func (r *Responder) loadTickers(ctx context.Context) (map[string]funding.Ticker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache != nil && r.now().Sub(r.cachedAt) < r.opts.CacheTTL {
		return r.cache, nil
	}

	list, err := r.tickers.FetchTickers(ctx)
	if err != nil {
		if r.cache != nil {
			r.logger.Warn().Err(err).Msg("ticker refresh failed; serving cached tickers")
			return r.cache, nil
		}
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	cache := make(map[string]funding.Ticker, len(list))
	for _, t := range list {
		cache[t.Symbol] = t
	}
	r.cache = cache
	r.cachedAt = r.now()
	return cache, nil
}

// Top returns the n tickers with the largest absolute live rate.
func (r *Responder) Top(ctx context.Context, n int) ([]funding.Ticker, error) {
	if n <= 0 {
		n = r.opts.TopN
	}
	cache, err := r.loadTickers(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]funding.Ticker, 0, len(cache))
	for _, t := range cache {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		ai, aj := list[i].Rate.Abs(), list[j].Rate.Abs()
		if !ai.Equal(aj) {
			return ai.GreaterThan(aj)
		}
		return list[i].Symbol < list[j].Symbol
	})
	if len(list) > n {
		list = list[:n]
	}
	return list, nil
}

// Current returns the live ticker of symbol plus the last accepted settlement.
func (r *Responder) Current(ctx context.Context, symbol string) (Snapshot, error) {
	symbol = strings.ToUpper(symbol)
	cache, err := r.loadTickers(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	t, ok := cache[symbol]
	if !ok {
		return Snapshot{}, ErrUnknownSymbol
	}

	snap := Snapshot{Ticker: t}
	if r.states != nil {
		st, found, err := r.states.LoadState(ctx, symbol)
		if err != nil {
			r.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to load state")
		} else if found {
			reading := st.LastReading
			snap.Settled = &reading
		}
	}
	if r.opts.Tiers != nil {
		if p, ok := r.opts.Tiers(symbol); ok {
			tier := p.Tier
			snap.Tier = &tier
		}
	}
	return snap, nil
}

// Historical returns the settlements of symbol on date's UTC day.
func (r *Responder) Historical(ctx context.Context, symbol string, date time.Time) (history.DailySummary, error) {
	if r.history == nil {
		return history.DailySummary{}, errors.New("query: history not configured")
	}
	return r.history.Query(ctx, strings.ToUpper(symbol), date)
}

// Status reports monitor status; ok is false when no monitor runs in-process.
func (r *Responder) Status() (service.Status, bool) {
	if r.status == nil {
		return service.Status{}, false
	}
	return r.status.Status(), true
}

// Reply executes cmd and renders the Telegram HTML answer. Errors that the user
// caused are rendered into the reply; only infrastructure failures are returned.
func (r *Responder) Reply(ctx context.Context, cmd Command) (string, error) {
	loc := r.opts.Location
	switch cmd.Kind {
	case KindTop:
		list, err := r.Top(ctx, r.opts.TopN)
		if err != nil {
			return RenderError("Failed to fetch funding rates. Please try again later."), err
		}
		return RenderTop(list), nil

	case KindCurrent:
		snap, err := r.Current(ctx, cmd.Symbol)
		if errors.Is(err, ErrUnknownSymbol) {
			return RenderError(fmt.Sprintf("Symbol <b>%s</b> not found.", escape(cmd.Symbol))), nil
		}
		if err != nil {
			return RenderError("Failed to fetch funding rates. Please try again later."), err
		}
		return RenderCurrent(snap, loc), nil

	case KindHistorical:
		summary, err := r.Historical(ctx, cmd.Symbol, cmd.Date)
		switch {
		case errors.Is(err, history.ErrFutureDate):
			return RenderError("Cannot fetch historical data for future date: " + cmd.Date.Format(DateDisplayLayout)), nil
		case err != nil:
			return RenderError(fmt.Sprintf("Error fetching historical data for <b>%s</b>", escape(cmd.Symbol))), err
		}
		return RenderHistorical(summary, loc), nil

	case KindStatus:
		st, _ := r.Status()
		return RenderStatus(st, loc, r.now()), nil

	default:
		return RenderHelp(), nil
	}
}
