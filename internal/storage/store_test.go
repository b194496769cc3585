package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rate-alerts/internal/funding"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func rd(sym, rate string, at time.Time) funding.Reading {
	return funding.Reading{Symbol: sym, Rate: decimal.RequireFromString(rate), IntervalHours: 8, SettledAt: at}
}

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(*testing.T) Backend { return NewMemoryStore() },
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test:")
		},
	}
}

func TestBackendSaveStateIsConditional(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			_, ok, err := store.LoadState(ctx, "BTCUSDT")
			require.NoError(t, err)
			assert.False(t, ok)

			saved, err := store.SaveState(ctx, rd("BTCUSDT", "0.0001", base))
			require.NoError(t, err)
			assert.True(t, saved)

			saved, err = store.SaveState(ctx, rd("BTCUSDT", "0.0009", base))
			require.NoError(t, err)
			assert.False(t, saved, "same settlement must not overwrite")

			saved, err = store.SaveState(ctx, rd("BTCUSDT", "0.0009", base.Add(-time.Hour)))
			require.NoError(t, err)
			assert.False(t, saved, "older settlement must not overwrite")

			st, ok, err := store.LoadState(ctx, "BTCUSDT")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, st.LastReading.Rate.Equal(decimal.RequireFromString("0.0001")))
			assert.True(t, st.LastReading.SettledAt.Equal(base))
			assert.Equal(t, 8, st.LastReading.IntervalHours)

			saved, err = store.SaveState(ctx, rd("BTCUSDT", "-0.0002", base.Add(8*time.Hour)))
			require.NoError(t, err)
			assert.True(t, saved)
		})
	}
}

func TestBackendHistory(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			_, err := store.SaveState(ctx, rd("ETHUSDT", "0.0001", base.Add(16*time.Hour)))
			require.NoError(t, err)
			require.NoError(t, store.AppendReadings(ctx,
				rd("ETHUSDT", "0.0003", base.Add(8*time.Hour)),
				rd("ETHUSDT", "0.0002", base),
				rd("ETHUSDT", "0.0002", base),
				rd("ETHUSDT", "0.0005", base.Add(24*time.Hour)),
				rd("SOLUSDT", "0.0007", base),
			))

			day, err := store.ListReadings(ctx, "ETHUSDT", base, base.Add(24*time.Hour))
			require.NoError(t, err)
			require.Len(t, day, 3)
			assert.True(t, day[0].SettledAt.Equal(base))
			assert.True(t, day[1].Rate.Equal(decimal.RequireFromString("0.0003")))
			assert.True(t, day[2].SettledAt.Equal(base.Add(16*time.Hour)))

			empty, err := store.ListReadings(ctx, "ETHUSDT", base.Add(-48*time.Hour), base.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestBackendListStates(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			for _, sym := range []string{"SOLUSDT", "BTCUSDT"} {
				_, err := store.SaveState(ctx, rd(sym, "0.0001", base))
				require.NoError(t, err)
			}

			states, err := store.ListStates(ctx)
			require.NoError(t, err)
			require.Len(t, states, 2)
			assert.Equal(t, "BTCUSDT", states[0].LastReading.Symbol)
			assert.Equal(t, "SOLUSDT", states[1].LastReading.Symbol)
		})
	}
}

func TestBackendAlerts(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			ev := funding.AlertEvent{
				ID:              "7b0c3c8e-0f8a-4c55-9a4f-0d3f0e1f2a3b",
				Symbol:          "BTCUSDT",
				Kind:            funding.KindBiasFlip,
				PreviousRate:    decimal.RequireFromString("0.005"),
				NewRate:         decimal.RequireFromString("-0.012"),
				BiasDescription: funding.Negative.Description(),
				IntervalHours:   8,
				SettledAt:       base,
			}
			require.NoError(t, store.InsertAlert(ctx, ev))
			require.NoError(t, store.InsertAlert(ctx, ev))

			second := ev
			second.ID = "a1f0b6f2-3f0e-4a8e-9f0b-6a7c1d2e3f40"
			second.SettledAt = base.Add(8 * time.Hour)
			second.Kind = funding.KindRateChange
			require.NoError(t, store.InsertAlert(ctx, second))

			recs, err := store.ListRecentAlerts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, second.ID, recs[0].ID)
			assert.Equal(t, funding.KindBiasFlip, recs[1].Kind)
			assert.True(t, recs[1].NewRate.Equal(ev.NewRate))

			one, err := store.ListRecentAlerts(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, one, 1)
		})
	}
}

func TestBackendAdvisoryLock(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			locker, ok := factory(t).(AdvisoryLocker)
			require.True(t, ok)

			unlock, acquired, err := locker.TryAdvisoryLock(ctx, 42)
			require.NoError(t, err)
			require.True(t, acquired)

			_, again, err := locker.TryAdvisoryLock(ctx, 42)
			require.NoError(t, err)
			assert.False(t, again)

			unlock()
			unlock2, acquired, err := locker.TryAdvisoryLock(ctx, 42)
			require.NoError(t, err)
			assert.True(t, acquired)
			unlock2()
		})
	}
}

func TestUnconfiguredPostgresStore(t *testing.T) {
	var store *PostgresStore
	_, _, err := store.LoadState(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, store.Close())
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/funding?sslmode=disable", migrateURL("postgres://u:p@db:5432/funding?sslmode=disable"))
	assert.Equal(t, "pgx5://db/funding", migrateURL("postgresql://db/funding"))
	assert.Equal(t, "pgx5://db/x", migrateURL("pgx5://db/x"))
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
