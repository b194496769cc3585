package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
)

const (
	loadStateSQL = `SELECT symbol, rate::text, interval_hours, settled_at
    FROM symbol_states
    WHERE symbol = $1;`

	listStatesSQL = `SELECT symbol, rate::text, interval_hours, settled_at
    FROM symbol_states
    ORDER BY symbol;`

	// 仅当新结算时间更晚时才覆盖。
	upsertStateSQL = `INSERT INTO symbol_states (
        symbol,
        rate,
        interval_hours,
        settled_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,now()
    )
    ON CONFLICT (symbol) DO UPDATE
    SET
        rate           = EXCLUDED.rate,
        interval_hours = EXCLUDED.interval_hours,
        settled_at     = EXCLUDED.settled_at,
        updated_at     = now()
    WHERE symbol_states.settled_at < EXCLUDED.settled_at;`

	insertHistorySQL = `INSERT INTO funding_history (
        symbol,
        rate,
        interval_hours,
        settled_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (symbol, settled_at) DO NOTHING;`

	listHistorySQL = `SELECT symbol, rate::text, interval_hours, settled_at
    FROM funding_history
    WHERE symbol = $1
      AND settled_at >= $2
      AND settled_at < $3
    ORDER BY settled_at;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        symbol,
        kind,
        previous_rate,
        new_rate,
        bias,
        interval_hours,
        settled_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol, settled_at, kind) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id::text,
        symbol,
        kind,
        previous_rate::text,
        new_rate::text,
        bias,
        interval_hours,
        settled_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore persists state, history, and alerts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 会话锁随连接释放，解锁失败时也不会泄漏。
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadState returns the stored state of symbol.
func (s *PostgresStore) LoadState(ctx context.Context, symbol string) (funding.SymbolState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return funding.SymbolState{}, false, err
	}

	reading, err := scanReading(pool.QueryRow(ctx, loadStateSQL, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return funding.SymbolState{}, false, nil
	}
	if err != nil {
		return funding.SymbolState{}, false, fmt.Errorf("load state %s: %w", symbol, err)
	}
	return funding.SymbolState{LastReading: reading}, true, nil
}

// SaveState conditionally advances the state and appends history in one transaction.
func (s *PostgresStore) SaveState(ctx context.Context, reading funding.Reading) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin save state: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, upsertStateSQL,
		reading.Symbol,
		reading.Rate.String(),
		reading.IntervalHours,
		reading.SettledAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert state %s: %w", reading.Symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertHistorySQL,
		reading.Symbol,
		reading.Rate.String(),
		reading.IntervalHours,
		reading.SettledAt.UTC(),
	); err != nil {
		return false, fmt.Errorf("append history %s: %w", reading.Symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit save state: %w", err)
	}
	return true, nil
}

// ListStates returns all stored states.
func (s *PostgresStore) ListStates(ctx context.Context) ([]funding.SymbolState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	states := make([]funding.SymbolState, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, funding.SymbolState{LastReading: reading})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// AppendReadings inserts readings, skipping ones already stored.
func (s *PostgresStore) AppendReadings(ctx context.Context, readings ...funding.Reading) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertHistorySQL, r.Symbol, r.Rate.String(), r.IntervalHours, r.SettledAt.UTC())
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListReadings lists readings of symbol within [from, to).
func (s *PostgresStore) ListReadings(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listHistorySQL, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	readings := make([]funding.Reading, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// InsertAlert persists an alert emission.
func (s *PostgresStore) InsertAlert(ctx context.Context, event funding.AlertEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		event.ID,
		event.Symbol,
		string(event.Kind),
		event.PreviousRate.String(),
		event.NewRate.String(),
		event.BiasDescription,
		event.IntervalHours,
		event.SettledAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultAlertLimit
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec              AlertRecord
			kind             string
			prevStr, nextStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Symbol,
			&kind,
			&prevStr,
			&nextStr,
			&rec.BiasDescription,
			&rec.IntervalHours,
			&rec.SettledAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Kind = funding.AlertKind(kind)

		var convErr error
		if rec.PreviousRate, convErr = decimal.NewFromString(prevStr); convErr != nil {
			return nil, fmt.Errorf("parse previous rate: %w", convErr)
		}
		if rec.NewRate, convErr = decimal.NewFromString(nextStr); convErr != nil {
			return nil, fmt.Errorf("parse new rate: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanReading(row pgx.Row) (funding.Reading, error) {
	var (
		reading funding.Reading
		rateStr string
	)
	if err := row.Scan(&reading.Symbol, &rateStr, &reading.IntervalHours, &reading.SettledAt); err != nil {
		return funding.Reading{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse rate: %w", err)
	}
	reading.Rate = rate
	reading.SettledAt = reading.SettledAt.UTC()
	return reading, nil
}

var (
	_ Backend        = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
