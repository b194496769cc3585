package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"funding-rate-alerts/internal/funding"
)

const (
	tickersPath        = "/v5/market/tickers"
	fundingHistoryPath = "/v5/market/funding/history"

	categoryLinear     = "linear"
	historyPageLimit   = 200
	defaultInterval    = 8
	retCodeRateLimited = 10006
	maxHistoryPages    = 50
)

// BybitOptions parameterise the Bybit REST fetcher.
type BybitOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Quote             string
}

// Bybit reads linear perpetual funding data from the Bybit v5 public API.
type Bybit struct {
	opts    BybitOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string

	mu        sync.RWMutex
	intervals map[string]int
}

// NewBybit constructs a Bybit fetcher.
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Bybit{
		opts:      opts,
		logger:    logger.With().Str("component", "bybit_fetcher").Logger(),
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		baseURL:   baseURL,
		intervals: make(map[string]int),
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type tickerItem struct {
	Symbol              string `json:"symbol"`
	LastPrice           string `json:"lastPrice"`
	FundingRate         string `json:"fundingRate"`
	NextFundingTime     string `json:"nextFundingTime"`
	FundingIntervalHour string `json:"fundingIntervalHour"`
}

type historyItem struct {
	Symbol               string `json:"symbol"`
	FundingRate          string `json:"fundingRate"`
	FundingRateTimestamp string `json:"fundingRateTimestamp"`
}

// FetchTickers lists all perpetuals quoted in the configured asset and refreshes the interval cache.
func (b *Bybit) FetchTickers(ctx context.Context) ([]funding.Ticker, error) {
	var result struct {
		List []tickerItem `json:"list"`
	}
	if err := b.get(ctx, tickersPath, url.Values{"category": {categoryLinear}}, &result); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	tickers := make([]funding.Ticker, 0, len(result.List))
	intervals := make(map[string]int, len(result.List))
	for _, item := range result.List {
		if !b.isPerpetual(item.Symbol) {
			continue
		}
		if item.FundingRate == "" {
			continue
		}
		fr, err := decimal.NewFromString(item.FundingRate)
		if err != nil {
			b.logger.Warn().Str("symbol", item.Symbol).Str("funding_rate", item.FundingRate).Msg("skip ticker with unparsable rate")
			continue
		}
		interval := parseInterval(item.FundingIntervalHour)
		intervals[item.Symbol] = interval

		ticker := funding.Ticker{
			Symbol:        item.Symbol,
			Rate:          fr,
			IntervalHours: interval,
		}
		if ms, err := strconv.ParseInt(item.NextFundingTime, 10, 64); err == nil && ms > 0 {
			ticker.NextFundingTime = time.UnixMilli(ms).UTC()
		}
		if price, err := decimal.NewFromString(item.LastPrice); err == nil {
			ticker.LastPrice = price
		}
		tickers = append(tickers, ticker)
	}

	b.mu.Lock()
	b.intervals = intervals
	b.mu.Unlock()

	sort.Slice(tickers, func(i, j int) bool { return tickers[i].Symbol < tickers[j].Symbol })
	b.logger.Debug().Int("count", len(tickers)).Msg("tickers fetched")
	return tickers, nil
}

// Symbols lists tradable perpetuals derived from the tickers.
func (b *Bybit) Symbols(ctx context.Context) ([]string, error) {
	tickers, err := b.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(tickers))
	for i, t := range tickers {
		out[i] = t.Symbol
	}
	return out, nil
}

// FetchCurrent returns the latest settled funding rate of symbol.
func (b *Bybit) FetchCurrent(ctx context.Context, symbol string) (funding.Reading, error) {
	params := url.Values{
		"category": {categoryLinear},
		"symbol":   {symbol},
		"limit":    {"1"},
	}
	var result struct {
		List []historyItem `json:"list"`
	}
	if err := b.get(ctx, fundingHistoryPath, params, &result); err != nil {
		return funding.Reading{}, &funding.FetchError{Symbol: symbol, Err: err}
	}
	if len(result.List) == 0 {
		return funding.Reading{}, &funding.FetchError{Symbol: symbol, Err: fmt.Errorf("no settlements returned")}
	}

	reading, err := b.toReading(symbol, result.List[0])
	if err != nil {
		return funding.Reading{}, &funding.FetchError{Symbol: symbol, Err: err}
	}
	return reading, nil
}

// FetchHistory pages backwards from to until from is reached.
func (b *Bybit) FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error) {
	if !to.After(from) {
		return []funding.Reading{}, nil
	}

	seen := make(map[int64]funding.Reading)
	end := to.Add(-time.Millisecond)
	for page := 0; page < maxHistoryPages; page++ {
		params := url.Values{
			"category":  {categoryLinear},
			"symbol":    {symbol},
			"startTime": {strconv.FormatInt(from.UnixMilli(), 10)},
			"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
			"limit":     {strconv.Itoa(historyPageLimit)},
		}
		var result struct {
			List []historyItem `json:"list"`
		}
		if err := b.get(ctx, fundingHistoryPath, params, &result); err != nil {
			return nil, &funding.FetchError{Symbol: symbol, Err: err}
		}

		oldest := end
		for _, item := range result.List {
			reading, err := b.toReading(symbol, item)
			if err != nil {
				return nil, &funding.FetchError{Symbol: symbol, Err: err}
			}
			if reading.SettledAt.Before(from) || !reading.SettledAt.Before(to) {
				continue
			}
			seen[reading.SettledAt.UnixMilli()] = reading
			if reading.SettledAt.Before(oldest) {
				oldest = reading.SettledAt
			}
		}

		if len(result.List) < historyPageLimit || !oldest.After(from) {
			break
		}
		end = oldest.Add(-time.Millisecond)
	}

	readings := make([]funding.Reading, 0, len(seen))
	for _, r := range seen {
		readings = append(readings, r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].SettledAt.Before(readings[j].SettledAt) })
	return readings, nil
}

// Interval returns the cached funding interval of symbol, defaulting to 8h.
func (b *Bybit) Interval(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if h, ok := b.intervals[symbol]; ok {
		return h
	}
	return defaultInterval
}

func (b *Bybit) toReading(symbol string, item historyItem) (funding.Reading, error) {
	fr, err := decimal.NewFromString(item.FundingRate)
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse funding rate %q: %w", item.FundingRate, err)
	}
	ms, err := strconv.ParseInt(item.FundingRateTimestamp, 10, 64)
	if err != nil {
		return funding.Reading{}, fmt.Errorf("parse funding timestamp %q: %w", item.FundingRateTimestamp, err)
	}
	return funding.Reading{
		Symbol:        symbol,
		Rate:          fr,
		IntervalHours: b.Interval(symbol),
		SettledAt:     time.UnixMilli(ms).UTC(),
	}, nil
}

// isPerpetual keeps quote-asset perpetuals and drops dated futures such as BTCUSDT-27MAR26.
func (b *Bybit) isPerpetual(symbol string) bool {
	return strings.HasSuffix(symbol, b.opts.Quote) && !strings.Contains(symbol, "-")
}

func parseInterval(raw string) int {
	// 非法值按 8 小时处理。
	h, err := strconv.Atoi(raw)
	if err != nil || !funding.ValidInterval(h) {
		return defaultInterval
	}
	return h
}

func (b *Bybit) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := b.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode == retCodeRateLimited {
		return ErrRateLimited
	}
	if env.RetCode != 0 {
		return &APIError{Code: env.RetCode, Message: env.RetMsg}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

var _ Source = (*Bybit)(nil)
