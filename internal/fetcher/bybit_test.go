package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"retCode": code,
		"retMsg":  msg,
		"result":  result,
	})
}

func newTestBybit(url string) *Bybit {
	return NewBybit(BybitOptions{BaseURL: url, Timeout: time.Second, UserAgent: "test"}, noopLogger())
}

func TestBybitFetchTickersFiltersPerpetuals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tickersPath || r.URL.Query().Get("category") != "linear" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		writeEnvelope(w, 0, "OK", map[string]any{"list": []map[string]string{
			{"symbol": "ETHUSDT", "fundingRate": "0.0001", "fundingIntervalHour": "8", "nextFundingTime": "1767254400000", "lastPrice": "3000.5"},
			{"symbol": "BTCUSDT", "fundingRate": "-0.0002", "fundingIntervalHour": "4", "nextFundingTime": "1767240000000", "lastPrice": "90000"},
			{"symbol": "BTCUSDT-27MAR26", "fundingRate": "", "fundingIntervalHour": ""},
			{"symbol": "BTCPERP", "fundingRate": "0.0001", "fundingIntervalHour": "8"},
			{"symbol": "XUSDT", "fundingRate": "0.0003", "fundingIntervalHour": "7"},
		}})
	}))
	defer srv.Close()

	b := newTestBybit(srv.URL)
	tickers, err := b.FetchTickers(context.Background())
	if err != nil {
		t.Fatalf("FetchTickers 不应报错: %v", err)
	}
	if len(tickers) != 3 {
		t.Fatalf("期望 3 个永续合约, 实际 %d", len(tickers))
	}
	if tickers[0].Symbol != "BTCUSDT" || tickers[0].IntervalHours != 4 {
		t.Fatalf("排序或周期错误: %+v", tickers[0])
	}
	if !tickers[0].Rate.Equal(decimal.RequireFromString("-0.0002")) {
		t.Fatalf("费率解析错误: %s", tickers[0].Rate)
	}
	if tickers[2].Symbol != "XUSDT" || tickers[2].IntervalHours != 8 {
		t.Fatalf("非法周期应回退到 8h: %+v", tickers[2])
	}
	if b.Interval("BTCUSDT") != 4 || b.Interval("UNKNOWNUSDT") != 8 {
		t.Fatal("周期缓存不正确")
	}
}

func TestBybitFetchCurrent(t *testing.T) {
	settled := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != fundingHistoryPath || q.Get("symbol") != "BTCUSDT" || q.Get("limit") != "1" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		writeEnvelope(w, 0, "OK", map[string]any{"list": []map[string]string{
			{"symbol": "BTCUSDT", "fundingRate": "0.00005", "fundingRateTimestamp": strconv.FormatInt(settled.UnixMilli(), 10)},
		}})
	}))
	defer srv.Close()

	reading, err := newTestBybit(srv.URL).FetchCurrent(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchCurrent 不应报错: %v", err)
	}
	if !reading.SettledAt.Equal(settled) || reading.IntervalHours != 8 {
		t.Fatalf("结算记录不正确: %+v", reading)
	}
	if !reading.Rate.Equal(decimal.RequireFromString("0.00005")) {
		t.Fatalf("费率不正确: %s", reading.Rate)
	}
}

func TestBybitAPIErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{
			name: "ret code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, 10001, "params error", map[string]any{})
			},
			check: func(err error) bool {
				var apiErr *APIError
				return errors.As(err, &apiErr) && apiErr.Code == 10001
			},
		},
		{
			name: "rate limited code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, retCodeRateLimited, "too many visits", map[string]any{})
			},
			check: func(err error) bool { return errors.Is(err, ErrRateLimited) },
		},
		{
			name: "http 429",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(err error) bool { return errors.Is(err, ErrRateLimited) },
		},
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			check: func(err error) bool { return err != nil },
		},
		{
			name: "empty list",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, 0, "OK", map[string]any{"list": []any{}})
			},
			check: func(err error) bool { return err != nil },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := newTestBybit(srv.URL).FetchCurrent(context.Background(), "BTCUSDT")
			var fetchErr *funding.FetchError
			if !errors.As(err, &fetchErr) || fetchErr.Symbol != "BTCUSDT" {
				t.Fatalf("应返回 FetchError, 实际 %v", err)
			}
			if !tc.check(err) {
				t.Fatalf("错误类型不符合预期: %v", err)
			}
		})
	}
}

func TestBybitFetchHistoryWindow(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startTime") != strconv.FormatInt(day.UnixMilli(), 10) {
			t.Fatalf("startTime 不正确: %s", q.Get("startTime"))
		}
		if q.Get("endTime") != strconv.FormatInt(day.Add(24*time.Hour-time.Millisecond).UnixMilli(), 10) {
			t.Fatalf("endTime 不正确: %s", q.Get("endTime"))
		}
		// 交易所按时间倒序返回。
		writeEnvelope(w, 0, "OK", map[string]any{"list": []map[string]string{
			{"symbol": "ETHUSDT", "fundingRate": "0.0003", "fundingRateTimestamp": strconv.FormatInt(day.Add(16*time.Hour).UnixMilli(), 10)},
			{"symbol": "ETHUSDT", "fundingRate": "0.0002", "fundingRateTimestamp": strconv.FormatInt(day.Add(8*time.Hour).UnixMilli(), 10)},
			{"symbol": "ETHUSDT", "fundingRate": "0.0001", "fundingRateTimestamp": strconv.FormatInt(day.UnixMilli(), 10)},
		}})
	}))
	defer srv.Close()

	readings, err := newTestBybit(srv.URL).FetchHistory(context.Background(), "ETHUSDT", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("期望 3 条记录, 实际 %d", len(readings))
	}
	if !readings[0].SettledAt.Equal(day) || !readings[2].SettledAt.Equal(day.Add(16*time.Hour)) {
		t.Fatalf("应按时间升序: %+v", readings)
	}
}

func TestBybitFetchHistoryEmptyWindow(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	readings, err := newTestBybit("http://127.0.0.1:1").FetchHistory(context.Background(), "ETHUSDT", day, day)
	if err != nil || len(readings) != 0 {
		t.Fatalf("空窗口应直接返回, err=%v len=%d", err, len(readings))
	}
}
