package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"funding-rate-alerts/internal/funding"
)

const memoryAlertCap = 1000

type alertKey struct {
	symbol    string
	settledAt int64
	kind      funding.AlertKind
}

// MemoryStore keeps everything in process memory. State is lost on restart,
// so the first poll after a restart only records a baseline.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]funding.SymbolState
	history  map[string]map[int64]funding.Reading
	alerts   []AlertRecord
	alertIdx map[alertKey]struct{}
	lockHeld map[int64]bool
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]funding.SymbolState),
		history:  make(map[string]map[int64]funding.Reading),
		alertIdx: make(map[alertKey]struct{}),
		lockHeld: make(map[int64]bool),
	}
}

// LoadState returns the stored state of symbol.
func (m *MemoryStore) LoadState(_ context.Context, symbol string) (funding.SymbolState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[symbol]
	return st, ok, nil
}

// SaveState advances the state of reading.Symbol when reading is newer.
func (m *MemoryStore) SaveState(_ context.Context, reading funding.Reading) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.states[reading.Symbol]; ok && !reading.SettledAt.After(cur.LastReading.SettledAt) {
		return false, nil
	}
	m.states[reading.Symbol] = funding.SymbolState{LastReading: reading}
	m.appendLocked(reading)
	return true, nil
}

// ListStates returns all states sorted by symbol.
func (m *MemoryStore) ListStates(_ context.Context) ([]funding.SymbolState, error) {
	m.mu.RLock()
	out := make([]funding.SymbolState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastReading.Symbol < out[j].LastReading.Symbol })
	return out, nil
}

// AppendReadings records readings in the history.
func (m *MemoryStore) AppendReadings(_ context.Context, readings ...funding.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		m.appendLocked(r)
	}
	return nil
}

func (m *MemoryStore) appendLocked(r funding.Reading) {
	bySym, ok := m.history[r.Symbol]
	if !ok {
		bySym = make(map[int64]funding.Reading)
		m.history[r.Symbol] = bySym
	}
	key := r.SettledAt.UnixMilli()
	if _, exists := bySym[key]; !exists {
		bySym[key] = r
	}
}

// ListReadings lists readings of symbol within [from, to).
func (m *MemoryStore) ListReadings(_ context.Context, symbol string, from, to time.Time) ([]funding.Reading, error) {
	m.mu.RLock()
	out := make([]funding.Reading, 0)
	for _, r := range m.history[symbol] {
		if !r.SettledAt.Before(from) && r.SettledAt.Before(to) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })
	return out, nil
}

// InsertAlert records event unless it is a duplicate.
func (m *MemoryStore) InsertAlert(_ context.Context, event funding.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alertKey{symbol: event.Symbol, settledAt: event.SettledAt.UnixMilli(), kind: event.Kind}
	if _, dup := m.alertIdx[key]; dup {
		return nil
	}
	m.alertIdx[key] = struct{}{}
	m.alerts = append(m.alerts, AlertRecord{AlertEvent: event, CreatedAt: time.Now().UTC()})
	if len(m.alerts) > memoryAlertCap {
		m.alerts = m.alerts[len(m.alerts)-memoryAlertCap:]
	}
	return nil
}

// ListRecentAlerts returns the newest alerts first.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]AlertRecord, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

// TryAdvisoryLock is an in-process lock so a slow tick does not overlap the next one.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHeld[key] {
		return nil, false, nil
	}
	m.lockHeld[key] = true
	return func() {
		m.mu.Lock()
		delete(m.lockHeld, key)
		m.mu.Unlock()
	}, true, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Backend        = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
