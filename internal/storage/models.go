package storage

import (
	"context"
	"errors"
	"time"

	"funding-rate-alerts/internal/funding"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

const defaultAlertLimit = 50

// AlertRecord is a persisted alert.
type AlertRecord struct {
	funding.AlertEvent
	CreatedAt time.Time
}

// StateStore keeps the last accepted settlement per symbol.
type StateStore interface {
	LoadState(ctx context.Context, symbol string) (funding.SymbolState, bool, error)
	// SaveState stores reading as the symbol's state only if it settled later than
	// the stored one, appending it to the history in the same write. It reports
	// whether the state advanced.
	SaveState(ctx context.Context, reading funding.Reading) (bool, error)
	ListStates(ctx context.Context) ([]funding.SymbolState, error)
}

// HistoryStore keeps settled readings for historical queries.
type HistoryStore interface {
	// AppendReadings is idempotent on (symbol, settled_at).
	AppendReadings(ctx context.Context, readings ...funding.Reading) error
	// ListReadings returns readings with from <= settled_at < to, oldest first.
	ListReadings(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	// InsertAlert ignores duplicates of (symbol, settled_at, kind).
	InsertAlert(ctx context.Context, event funding.AlertEvent) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is everything the monitor needs from persistence.
type Backend interface {
	StateStore
	HistoryStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
