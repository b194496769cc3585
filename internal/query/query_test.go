package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/service"
	"funding-rate-alerts/internal/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeTickers struct {
	list  []funding.Ticker
	err   error
	calls int
}

func (f *fakeTickers) FetchTickers(context.Context) ([]funding.Ticker, error) {
	f.calls++
	return f.list, f.err
}

type staticStatus service.Status

func (s staticStatus) Status() service.Status { return service.Status(s) }

func TestParse(t *testing.T) {
	p := Parser{BotUsername: "funding_bot", Quote: "USDT"}

	cases := []struct {
		text string
		want Command
	}{
		{"/funding", Command{Kind: KindTop}},
		{"/funding@funding_bot", Command{Kind: KindTop}},
		{"/FUNDING btc", Command{Kind: KindCurrent, Symbol: "BTCUSDT"}},
		{"/funding ethusdt", Command{Kind: KindCurrent, Symbol: "ETHUSDT"}},
		{"/funding sol 010126", Command{Kind: KindHistorical, Symbol: "SOLUSDT", Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}},
		{"/status@funding_bot", Command{Kind: KindStatus}},
		{"/status @Funding_Bot", Command{Kind: KindStatus}},
		{"/help", Command{Kind: KindHelp}},
	}
	for _, tc := range cases {
		got, err := p.Parse(tc.text)
		require.NoError(t, err, tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}

	for _, text := range []string{"hello", "", "/status", "/funding@other_bot", "/price btc"} {
		_, err := p.Parse(text)
		assert.ErrorIs(t, err, ErrNotCommand, text)
	}

	_, err := p.Parse("/funding btc 1st-jan")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestParseWithoutUsernameAcceptsStatus(t *testing.T) {
	got, err := Parser{}.Parse("/status")
	require.NoError(t, err)
	assert.Equal(t, KindStatus, got.Kind)
}

func newResponder(t *testing.T, src *fakeTickers, store *storage.MemoryStore) *Responder {
	t.Helper()
	agg := history.NewAggregator(store, nil, zerolog.Nop())
	return NewResponder(src, store, agg, staticStatus{Primary: "BTCUSDT", Tracked: 3}, Options{TopN: 2}, zerolog.Nop())
}

func TestTopSortsByAbsoluteRate(t *testing.T) {
	src := &fakeTickers{list: []funding.Ticker{
		{Symbol: "AAAUSDT", Rate: dec("0.0001")},
		{Symbol: "BBBUSDT", Rate: dec("-0.0030")},
		{Symbol: "CCCUSDT", Rate: dec("0.0020")},
		{Symbol: "DDDUSDT", Rate: dec("-0.0020")},
	}}
	r := newResponder(t, src, storage.NewMemoryStore())

	top, err := r.Top(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "BBBUSDT", top[0].Symbol)
	assert.Equal(t, "CCCUSDT", top[1].Symbol)
	assert.Equal(t, "DDDUSDT", top[2].Symbol)

	top, err = r.Top(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, top, 2)
	assert.Equal(t, 1, src.calls, "tickers cached between calls")
}

func TestTickerCacheServesStaleOnError(t *testing.T) {
	src := &fakeTickers{list: []funding.Ticker{{Symbol: "BTCUSDT", Rate: dec("0.0001")}}}
	r := newResponder(t, src, storage.NewMemoryStore())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.Top(context.Background(), 1)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	src.err = errors.New("down")
	top, err := r.Top(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
	assert.Equal(t, 2, src.calls)
}

func TestCurrentIncludesSettledState(t *testing.T) {
	store := storage.NewMemoryStore()
	settled := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	_, err := store.SaveState(context.Background(), funding.Reading{Symbol: "BTCUSDT", Rate: dec("0.0001"), IntervalHours: 8, SettledAt: settled})
	require.NoError(t, err)

	src := &fakeTickers{list: []funding.Ticker{{Symbol: "BTCUSDT", Rate: dec("0.00012"), IntervalHours: 8}}}
	r := newResponder(t, src, store)
	r.opts.Tiers = func(string) (funding.Policy, bool) { return funding.Policy{Symbol: "BTCUSDT", Tier: funding.Full}, true }

	snap, err := r.Current(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.NotNil(t, snap.Settled)
	assert.True(t, snap.Settled.SettledAt.Equal(settled))
	require.NotNil(t, snap.Tier)

	text := RenderCurrent(snap, time.UTC)
	assert.Contains(t, text, "<b>BTCUSDT</b> (8h)")
	assert.Contains(t, text, "Live Rate: <b>+0.0120%</b>")
	assert.Contains(t, text, "Last Settled: +0.0100%")
	assert.Contains(t, text, "Next Settlement: Unknown")
	assert.Contains(t, text, "every change")
	assert.Contains(t, text, "/funding BTC DDMMYY")

	_, err = r.Current(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestReplyHistoricalScenario(t *testing.T) {
	store := storage.NewMemoryStore()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendReadings(context.Background(),
		funding.Reading{Symbol: "ETHUSDT", Rate: dec("-0.00005"), IntervalHours: 8, SettledAt: day.Add(16 * time.Hour)},
		funding.Reading{Symbol: "ETHUSDT", Rate: dec("0.0001"), IntervalHours: 8, SettledAt: day},
		funding.Reading{Symbol: "ETHUSDT", Rate: dec("0.000085"), IntervalHours: 8, SettledAt: day.Add(8 * time.Hour)},
	))
	r := newResponder(t, &fakeTickers{}, store)
	r.history = history.NewAggregator(store, nil, zerolog.Nop())

	text, err := r.Reply(context.Background(), Command{Kind: KindHistorical, Symbol: "ETHUSDT", Date: day})
	require.NoError(t, err)
	assert.Contains(t, text, "<b>ETHUSDT</b> Historical Funding Rates")
	assert.Contains(t, text, "Daily Total: +0.0135%")
	assert.Contains(t, text, "Settlements: 3")
	first := strings.Index(text, "+0.0100%")
	second := strings.Index(text, "+0.0085%")
	third := strings.Index(text, "-0.0050%")
	assert.True(t, first < second && second < third, "ascending order")

	text, err = r.Reply(context.Background(), Command{Kind: KindHistorical, Symbol: "BTCUSDT", Date: day})
	require.NoError(t, err)
	assert.Contains(t, text, "No funding rate data found")
}

func TestReplyErrors(t *testing.T) {
	r := newResponder(t, &fakeTickers{err: errors.New("down")}, storage.NewMemoryStore())

	text, err := r.Reply(context.Background(), Command{Kind: KindTop})
	assert.Error(t, err)
	assert.Contains(t, text, "❌")

	r = newResponder(t, &fakeTickers{list: []funding.Ticker{{Symbol: "BTCUSDT"}}}, storage.NewMemoryStore())
	text, err = r.Reply(context.Background(), Command{Kind: KindCurrent, Symbol: "XYZUSDT"})
	require.NoError(t, err)
	assert.Contains(t, text, "Symbol <b>XYZUSDT</b> not found.")

	text, err = r.Reply(context.Background(), Command{Kind: KindHistorical, Symbol: "BTCUSDT", Date: time.Now().AddDate(0, 0, 3)})
	require.NoError(t, err)
	assert.Contains(t, text, "future date")
}

func TestReplyStatusAndHelp(t *testing.T) {
	r := newResponder(t, &fakeTickers{}, storage.NewMemoryStore())

	text, err := r.Reply(context.Background(), Command{Kind: KindStatus})
	require.NoError(t, err)
	assert.Contains(t, text, "Symbols Tracked: 3")
	assert.Contains(t, text, "Full Alerts: BTCUSDT")
	assert.Contains(t, text, "Last Check: Never")

	text, err = r.Reply(context.Background(), Command{Kind: KindHelp})
	require.NoError(t, err)
	assert.Contains(t, text, "/funding SYMBOL DDMMYY")
}

func TestRenderTop(t *testing.T) {
	text := RenderTop([]funding.Ticker{
		{Symbol: "AUSDT", Rate: dec("0.001")},
		{Symbol: "BUSDT", Rate: dec("0.0001")},
		{Symbol: "CUSDT", Rate: dec("-0.001")},
		{Symbol: "DUSDT", Rate: dec("-0.0001")},
		{Symbol: "EUSDT", Rate: dec("0")},
	})
	assert.Contains(t, text, "Top 5 Extreme Funding Rates")
	assert.Contains(t, text, "🔴 <b>AUSDT</b>: +0.1000%")
	assert.Contains(t, text, "🟠 <b>BUSDT</b>")
	assert.Contains(t, text, "🟢 <b>CUSDT</b>: -0.1000%")
	assert.Contains(t, text, "🔵 <b>DUSDT</b>")
	assert.Contains(t, text, "⚪ <b>EUSDT</b>")

	assert.Contains(t, RenderTop(nil), "No funding rate data available.")
}
