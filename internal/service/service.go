package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-alerts/internal/alerting"
	"funding-rate-alerts/internal/fetcher"
	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/metrics"
	"funding-rate-alerts/internal/policy"
	"funding-rate-alerts/internal/scheduler"
	"funding-rate-alerts/internal/storage"
)

// Store is the persistence the monitor writes to.
type Store interface {
	storage.StateStore
	storage.AlertStore
}

// Announcer sends free-form notices such as the startup message.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// Options tune the monitor.
type Options struct {
	Rules        funding.Rules
	AlertsOn     bool
	FetchTimeout time.Duration
	LockKey      int64
	// Refresh is the cron spec of the symbol list refresh, e.g. "@every 24h".
	Refresh        string
	StartupMessage bool
}

// Status is a point-in-time view for /status and the HTTP API.
type Status struct {
	Primary      string
	Tracked      int
	Interval     time.Duration
	LastTick     time.Time
	LastRefresh  time.Time
	AlertsRaised int64
	Channels     []string
}

// TickResult summarises one pass over the tracked symbols.
type TickResult struct {
	Processed int
	Accepted  int
	Stale     int
	Failed    int
	Alerts    int
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeStale
	outcomeFailed
	outcomeAlerted
)

// Monitor runs the poll loop and the registry refresh task.
type Monitor struct {
	scheduler *scheduler.Scheduler
	registry  *policy.Registry
	source    fetcher.Source
	store     Store
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	announcer Announcer
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger

	mu           sync.RWMutex
	lastTick     time.Time
	alertsRaised int64
	tickers      []funding.Ticker
}

// New constructs the monitor. notifier and announcer may be nil.
func New(sched *scheduler.Scheduler, registry *policy.Registry, source fetcher.Source, store Store, notifier alerting.Notifier, announcer Announcer, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Monitor {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if opts.Refresh == "" {
		opts.Refresh = "@every 24h"
	}

	return &Monitor{
		scheduler: sched,
		registry:  registry,
		source:    source,
		store:     store,
		locker:    locker,
		notifier:  notifier,
		announcer: announcer,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run refreshes the symbol list once, then runs the poll loop and the refresh task
// until ctx is cancelled. A failed initial refresh is fatal.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := m.RefreshPolicies(ctx); err != nil {
		return fmt.Errorf("initial symbol refresh: %w", err)
	}
	if m.opts.StartupMessage {
		m.announceStartup(ctx)
	}

	refresh, err := scheduler.NewPeriodic("symbol_refresh", m.opts.Refresh, m.RefreshPolicies, m.logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = refresh.Run(ctx)
	}()

	err = m.scheduler.Run(ctx, m.ProcessTick)
	wg.Wait()
	return err
}

// ProcessTick 对每个跟踪的合约执行一次 拉取→分类→持久化→告警。
func (m *Monitor) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	res, err := m.executeTick(ctx)
	if err != nil {
		m.metrics.ObserveTick("cancelled", time.Since(started))
		return err
	}
	m.metrics.ObserveTick("complete", time.Since(started))

	m.mu.Lock()
	m.lastTick = bucket
	m.mu.Unlock()

	m.logger.Info().Time("bucket", bucket).
		Int("processed", res.Processed).
		Int("accepted", res.Accepted).
		Int("stale", res.Stale).
		Int("failed", res.Failed).
		Int("alerts", res.Alerts).
		Dur("took", time.Since(started)).
		Msg("tick complete")
	return nil
}

func (m *Monitor) executeTick(ctx context.Context) (TickResult, error) {
	var res TickResult
	policies := m.registry.Snapshot()
	if len(policies) == 0 {
		m.logger.Warn().Msg("no symbols tracked; waiting for refresh")
		return res, nil
	}

	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++
		switch m.processSymbol(ctx, p) {
		case outcomeAccepted:
			res.Accepted++
		case outcomeAlerted:
			res.Accepted++
			res.Alerts++
		case outcomeStale:
			res.Stale++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, nil
}

// processSymbol is the failure boundary of one symbol: nothing that happens here
// reaches the other symbols of the tick.
func (m *Monitor) processSymbol(ctx context.Context, p funding.Policy) (out outcome) {
	log := m.logger.With().Str("symbol", p.Symbol).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("symbol pipeline panicked")
			out = outcomeFailed
		}
	}()

	reading, err := m.fetch(ctx, p.Symbol)
	if err != nil {
		m.metrics.FetchFailed(fetchReason(err))
		log.Warn().Err(err).Msg("fetch failed; skipping symbol this tick")
		return outcomeFailed
	}

	event, err := m.accept(ctx, p, reading)
	switch {
	case errors.Is(err, funding.ErrStaleData):
		m.metrics.ReadingStale()
		return outcomeStale
	case err != nil:
		log.Error().Err(err).Msg("failed to record settlement")
		return outcomeFailed
	}
	m.metrics.ReadingAccepted()

	if event == nil {
		return outcomeAccepted
	}
	m.raise(ctx, *event)
	return outcomeAlerted
}

// accept classifies reading against the stored state and advances it. Settlements
// already processed, here or by another writer, yield funding.ErrStaleData.
func (m *Monitor) accept(ctx context.Context, p funding.Policy, reading funding.Reading) (*funding.AlertEvent, error) {
	prev, found, err := m.store.LoadState(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var prevState *funding.SymbolState
	if found {
		prevState = &prev
	}

	decision := funding.Classify(prevState, reading, p, m.opts.Rules)
	if decision.Stale {
		return nil, funding.ErrStaleData
	}

	advanced, err := m.store.SaveState(ctx, decision.Next.LastReading)
	if err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	if !advanced {
		// 另一个写入者已经处理了该结算。
		return nil, fmt.Errorf("%s settled %s: %w", reading.Symbol, reading.SettledAt.Format(time.RFC3339), funding.ErrStaleData)
	}
	if !found {
		m.logger.Debug().Str("symbol", p.Symbol).Str("rate", reading.Rate.String()).Msg("baseline recorded")
	}
	return decision.Event, nil
}

func (m *Monitor) fetch(ctx context.Context, symbol string) (funding.Reading, error) {
	if m.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.FetchTimeout)
		defer cancel()
	}
	return m.source.FetchCurrent(ctx, symbol)
}

func (m *Monitor) raise(ctx context.Context, event funding.AlertEvent) {
	log := m.logger.With().Str("symbol", event.Symbol).Str("kind", string(event.Kind)).Logger()

	if err := m.store.InsertAlert(ctx, event); err != nil {
		log.Error().Err(err).Msg("failed to persist alert record")
	}
	m.metrics.AlertRaised(string(event.Kind))
	m.mu.Lock()
	m.alertsRaised++
	m.mu.Unlock()

	log.Info().
		Str("previous", funding.FormatPercent(event.PreviousRate)).
		Str("current", funding.FormatPercent(event.NewRate)).
		Msg("alert raised")

	if !m.opts.AlertsOn || m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event); err != nil {
		if errors.Is(err, alerting.ErrCapped) {
			log.Warn().Msg("alert dropped by hourly cap")
			return
		}
		log.Error().Err(err).Msg("failed to dispatch alert")
	}
}

func fetchReason(err error) string {
	var apiErr *fetcher.APIError
	switch {
	case errors.Is(err, fetcher.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &apiErr):
		return "api"
	default:
		return "transport"
	}
}

// RefreshPolicies reloads the symbol list from the exchange. An empty list keeps the
// previous policies.
func (m *Monitor) RefreshPolicies(ctx context.Context) error {
	tickers, err := m.source.FetchTickers(ctx)
	if err != nil {
		m.metrics.FetchFailed(fetchReason(err))
		return fmt.Errorf("fetch tickers: %w", err)
	}
	if len(tickers) == 0 {
		return fmt.Errorf("exchange returned no perpetual symbols")
	}

	symbols := make([]string, len(tickers))
	for i, t := range tickers {
		symbols[i] = t.Symbol
	}
	added, removed := m.registry.Refresh(symbols)
	m.metrics.SetTracked(m.registry.Len())

	m.mu.Lock()
	m.tickers = tickers
	m.mu.Unlock()

	m.logger.Info().
		Int("tracked", m.registry.Len()).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("symbol list refreshed")
	if len(removed) > 0 {
		m.logger.Debug().Strs("removed", removed).Msg("symbols no longer listed")
	}
	return nil
}

func (m *Monitor) announceStartup(ctx context.Context) {
	if m.announcer == nil || !m.opts.AlertsOn {
		return
	}
	tracked := m.trackedTickers()
	text := alerting.RenderStartup(tracked, m.opts.Rules.ExtremeThreshold, m.interval())
	if err := m.announcer.Announce(ctx, text); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send startup message")
	}
}

func (m *Monitor) trackedTickers() []funding.Ticker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]funding.Ticker, 0, len(m.tickers))
	for _, t := range m.tickers {
		if _, ok := m.registry.Policy(t.Symbol); ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *Monitor) interval() time.Duration {
	if m.scheduler == nil {
		return 0
	}
	return m.scheduler.Interval()
}

// Status reports what the monitor is doing.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var channels []string
	if d, ok := m.notifier.(*alerting.Dispatcher); ok {
		channels = d.Channels()
	}
	return Status{
		Primary:      m.registry.Primary(),
		Tracked:      m.registry.Len(),
		Interval:     m.interval(),
		LastTick:     m.lastTick,
		LastRefresh:  m.registry.RefreshedAt(),
		AlertsRaised: m.alertsRaised,
		Channels:     channels,
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
