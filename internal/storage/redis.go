package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
)

const (
	redisAlertCap   = 1000
	redisAlertDedup = 7 * 24 * time.Hour
	redisLockTTL    = 10 * time.Minute
)

// KEYS: state hash, history index zset, history values hash, symbol set.
// ARGV: settled_at ms, rate, interval hours, symbol.
var saveStateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'settled_at')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'settled_at', ARGV[1], 'rate', ARGV[2], 'interval_hours', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
redis.call('HSETNX', KEYS[3], ARGV[1], ARGV[2] .. '|' .. ARGV[3])
redis.call('SADD', KEYS[4], ARGV[4])
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore persists state, history, and alerts in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client; every key is namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) stateKey(sym string) string   { return s.prefix + "state:" + sym }
func (s *RedisStore) historyIdx(sym string) string { return s.prefix + "history:" + sym }
func (s *RedisStore) historyVal(sym string) string { return s.prefix + "history:values:" + sym }
func (s *RedisStore) symbolsKey() string           { return s.prefix + "symbols" }
func (s *RedisStore) alertsKey() string            { return s.prefix + "alerts" }

func (s *RedisStore) alertDedupKey(e funding.AlertEvent) string {
	return fmt.Sprintf("%salert:%s:%d:%s", s.prefix, e.Symbol, e.SettledAt.UnixMilli(), e.Kind)
}

func (s *RedisStore) getClient() (*redis.Client, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	return s.client, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// LoadState returns the stored state of symbol.
func (s *RedisStore) LoadState(ctx context.Context, symbol string) (funding.SymbolState, bool, error) {
	client, err := s.getClient()
	if err != nil {
		return funding.SymbolState{}, false, err
	}

	fields, err := client.HGetAll(ctx, s.stateKey(symbol)).Result()
	if err != nil {
		return funding.SymbolState{}, false, fmt.Errorf("load state %s: %w", symbol, err)
	}
	if len(fields) == 0 {
		return funding.SymbolState{}, false, nil
	}
	reading, err := decodeStateFields(symbol, fields)
	if err != nil {
		return funding.SymbolState{}, false, err
	}
	return funding.SymbolState{LastReading: reading}, true, nil
}

// SaveState runs the conditional write atomically on the server.
func (s *RedisStore) SaveState(ctx context.Context, reading funding.Reading) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	sym := reading.Symbol
	keys := []string{s.stateKey(sym), s.historyIdx(sym), s.historyVal(sym), s.symbolsKey()}
	res, err := saveStateScript.Run(ctx, client, keys,
		reading.SettledAt.UnixMilli(),
		reading.Rate.String(),
		reading.IntervalHours,
		sym,
	).Int()
	if err != nil {
		return false, fmt.Errorf("save state %s: %w", sym, err)
	}
	return res == 1, nil
}

// ListStates returns all stored states sorted by symbol.
func (s *RedisStore) ListStates(ctx context.Context) ([]funding.SymbolState, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	symbols, err := client.SMembers(ctx, s.symbolsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	sort.Strings(symbols)

	states := make([]funding.SymbolState, 0, len(symbols))
	for _, sym := range symbols {
		st, ok, err := s.LoadState(ctx, sym)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, st)
		}
	}
	return states, nil
}

// AppendReadings adds readings to the history; existing entries are kept.
func (s *RedisStore) AppendReadings(ctx context.Context, readings ...funding.Reading) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	pipe := client.TxPipeline()
	for _, r := range readings {
		ms := r.SettledAt.UnixMilli()
		member := strconv.FormatInt(ms, 10)
		pipe.ZAdd(ctx, s.historyIdx(r.Symbol), redis.Z{Score: float64(ms), Member: member})
		pipe.HSetNX(ctx, s.historyVal(r.Symbol), member, encodeHistoryValue(r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListReadings lists readings of symbol within [from, to).
func (s *RedisStore) ListReadings(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	members, err := client.ZRangeByScore(ctx, s.historyIdx(symbol), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if len(members) == 0 {
		return []funding.Reading{}, nil
	}

	values, err := client.HMGet(ctx, s.historyVal(symbol), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("load history values: %w", err)
	}

	readings := make([]funding.Reading, 0, len(members))
	for i, member := range members {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse history member %q: %w", member, err)
		}
		reading, err := decodeHistoryValue(symbol, ms, raw)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

type redisAlert struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Kind          string    `json:"kind"`
	PreviousRate  string    `json:"previous_rate"`
	NewRate       string    `json:"new_rate"`
	Bias          string    `json:"bias"`
	IntervalHours int       `json:"interval_hours"`
	SettledAt     time.Time `json:"settled_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertAlert pushes event onto the capped alert list unless it was already stored.
func (s *RedisStore) InsertAlert(ctx context.Context, event funding.AlertEvent) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	fresh, err := client.SetNX(ctx, s.alertDedupKey(event), event.ID, redisAlertDedup).Result()
	if err != nil {
		return fmt.Errorf("dedupe alert: %w", err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(redisAlert{
		ID:            event.ID,
		Symbol:        event.Symbol,
		Kind:          string(event.Kind),
		PreviousRate:  event.PreviousRate.String(),
		NewRate:       event.NewRate.String(),
		Bias:          event.BiasDescription,
		IntervalHours: event.IntervalHours,
		SettledAt:     event.SettledAt.UTC(),
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.LPush(ctx, s.alertsKey(), payload)
	pipe.LTrim(ctx, s.alertsKey(), 0, redisAlertCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts returns the newest alerts first.
func (s *RedisStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultAlertLimit
	}

	raw, err := client.LRange(ctx, s.alertsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}

	alerts := make([]AlertRecord, 0, len(raw))
	for _, item := range raw {
		var ra redisAlert
		if err := json.Unmarshal([]byte(item), &ra); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		prev, err := decimal.NewFromString(ra.PreviousRate)
		if err != nil {
			return nil, fmt.Errorf("parse previous rate: %w", err)
		}
		next, err := decimal.NewFromString(ra.NewRate)
		if err != nil {
			return nil, fmt.Errorf("parse new rate: %w", err)
		}
		alerts = append(alerts, AlertRecord{
			AlertEvent: funding.AlertEvent{
				ID:              ra.ID,
				Symbol:          ra.Symbol,
				Kind:            funding.AlertKind(ra.Kind),
				PreviousRate:    prev,
				NewRate:         next,
				BiasDescription: ra.Bias,
				IntervalHours:   ra.IntervalHours,
				SettledAt:       ra.SettledAt,
			},
			CreatedAt: ra.CreatedAt,
		})
	}
	return alerts, nil
}

// TryAdvisoryLock takes a SET NX lock with a TTL so a crashed holder cannot wedge polling.
func (s *RedisStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, false, err
	}

	lockKey := fmt.Sprintf("%slock:%d", s.prefix, key)
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctxUnlock, client, []string{lockKey}, token).Err()
	}
	return unlock, true, nil
}

func decodeStateFields(symbol string, fields map[string]string) (funding.Reading, error) {
	ms, err := strconv.ParseInt(fields["settled_at"], 10, 64)
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse settled_at of %s: %w", symbol, err)
	}
	rate, err := decimal.NewFromString(fields["rate"])
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse rate of %s: %w", symbol, err)
	}
	interval, err := strconv.Atoi(fields["interval_hours"])
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse interval of %s: %w", symbol, err)
	}
	return funding.Reading{
		Symbol:        symbol,
		Rate:          rate,
		IntervalHours: interval,
		SettledAt:     time.UnixMilli(ms).UTC(),
	}, nil
}

func encodeHistoryValue(r funding.Reading) string {
	return r.Rate.String() + "|" + strconv.Itoa(r.IntervalHours)
}

func decodeHistoryValue(symbol string, ms int64, raw string) (funding.Reading, error) {
	rateStr, intervalStr, found := strings.Cut(raw, "|")
	if !found {
		return funding.Reading{}, errors.New("malformed history value " + strconv.Quote(raw))
	}
	return decodeStateFields(symbol, map[string]string{
		"settled_at":     strconv.FormatInt(ms, 10),
		"rate":           rateStr,
		"interval_hours": intervalStr,
	})
}

var (
	_ Backend        = (*RedisStore)(nil)
	_ AdvisoryLocker = (*RedisStore)(nil)
)
