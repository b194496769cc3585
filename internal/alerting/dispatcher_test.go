package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/metrics"
)

type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []funding.AlertEvent
}

func (f *flakyNotifier) Notify(_ context.Context, event funding.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("boom")
	}
	f.events = append(f.events, event)
	return nil
}

type mockKafkaWriter struct {
	messages []kafka.Message
	fail     bool
}

func (m *mockKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.fail {
		return errors.New("kafka error")
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockKafkaWriter) Close() error { return nil }

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	n := &flakyNotifier{failures: 2}
	d := NewDispatcher(DispatcherOptions{Attempts: 3, Delay: time.Millisecond}, nil, testLogger(), Channel{Name: "telegram", Notifier: n})

	require.NoError(t, d.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, 3, n.calls)
	assert.Len(t, n.events, 1)
}

func TestDispatcherDropsAfterAttempts(t *testing.T) {
	m := metrics.New()
	bad := &flakyNotifier{failures: 100}
	good := &flakyNotifier{}
	d := NewDispatcher(DispatcherOptions{Attempts: 3}, m, testLogger(),
		Channel{Name: "telegram", Notifier: bad},
		Channel{Name: "kafka", Notifier: good},
	)

	err := d.Notify(context.Background(), sampleEvent())
	var derr *funding.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "telegram", derr.Channel)
	assert.Equal(t, 3, derr.Attempts)
	assert.Equal(t, 3, bad.calls, "no retries beyond the bound")
	assert.Len(t, good.events, 1, "other channels still receive the alert")
	assert.Equal(t, []string{"telegram", "kafka"}, d.Channels())
}

func TestDispatcherHourlyCap(t *testing.T) {
	n := &flakyNotifier{}
	d := NewDispatcher(DispatcherOptions{Attempts: 1, MaxPerHour: 2}, nil, testLogger(), Channel{Name: "t", Notifier: n})

	require.NoError(t, d.Notify(context.Background(), sampleEvent()))
	require.NoError(t, d.Notify(context.Background(), sampleEvent()))
	assert.ErrorIs(t, d.Notify(context.Background(), sampleEvent()), ErrCapped)
	assert.Len(t, n.events, 2)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	n := &flakyNotifier{failures: 100}
	d := NewDispatcher(DispatcherOptions{Attempts: 5, Delay: time.Hour}, nil, testLogger(), Channel{Name: "t", Notifier: n})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := d.Notify(ctx, sampleEvent())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n.calls)
}

func TestKafkaNotifierPublishesKeyedJSON(t *testing.T) {
	w := &mockKafkaWriter{}
	n := NewKafkaNotifier(w, testLogger())

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "BTCUSDT", string(w.messages[0].Key))

	var payload AlertPayload
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &payload))
	assert.Equal(t, "bias_flip", payload.Kind)
	assert.Equal(t, "-0.017", payload.Change)

	w.fail = true
	assert.Error(t, n.Notify(context.Background(), sampleEvent()))
}

func TestRenderAlert(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	text := RenderAlert(sampleEvent(), ist)
	assert.True(t, strings.HasPrefix(text, "🔄 <b>FUNDING RATE FLIP</b>"))
	assert.Contains(t, text, "🟢 <b>BTCUSDT</b> (8h)")
	assert.Contains(t, text, "<b>Settled Rate:</b> -1.2000%")
	assert.Contains(t, text, "<b>Previous Rate:</b> +0.5000%")
	assert.Contains(t, text, "<b>Change:</b> 📉 -1.7000%")
	assert.Contains(t, text, "Negative (Shorts Pay Longs)")
	assert.Contains(t, text, "01 Jan 2026, 01:30 PM IST")

	extreme := sampleEvent()
	extreme.Kind = funding.KindExtremeRate
	assert.Contains(t, RenderAlert(extreme, nil), "EXTREME FUNDING RATE")

	change := sampleEvent()
	change.Kind = funding.KindRateChange
	assert.Contains(t, RenderAlert(change, nil), "FUNDING RATE CHANGE")
}

func TestRenderStartup(t *testing.T) {
	tickers := []funding.Ticker{
		{Symbol: "BTCUSDT", IntervalHours: 8},
		{Symbol: "ETHUSDT", IntervalHours: 8},
		{Symbol: "XUSDT", IntervalHours: 1},
	}
	text := RenderStartup(tickers, decimal.RequireFromString("0.005"), 30*time.Minute)
	assert.Contains(t, text, "Monitoring <b>3</b> symbols")
	assert.Contains(t, text, "• 1-hour: 1 symbols")
	assert.Contains(t, text, "• 8-hour: 2 symbols")
	assert.Contains(t, text, "(≥0.5%)")
	assert.Contains(t, text, "every 30m to catch")
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "30m", HumanDuration(30*time.Minute))
	assert.Equal(t, "1h", HumanDuration(time.Hour))
	assert.Equal(t, "1h30m", HumanDuration(90*time.Minute))
	assert.Equal(t, "45s", HumanDuration(45*time.Second))
}
