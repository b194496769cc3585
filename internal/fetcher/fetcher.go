package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding-rate-alerts/internal/funding"
)

// ErrRateLimited is returned when the exchange rejects a request for exceeding its limits.
var ErrRateLimited = errors.New("fetcher: rate limited by exchange")

// APIError is a non-zero exchange return code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error %d: %s", e.Code, e.Message)
}

// Source reads funding data from the exchange.
type Source interface {
	// FetchCurrent returns the most recent settled funding rate of symbol.
	FetchCurrent(ctx context.Context, symbol string) (funding.Reading, error)
	// FetchTickers returns every tracked perpetual with its live predicted rate.
	FetchTickers(ctx context.Context) ([]funding.Ticker, error)
	// Symbols lists tradable perpetuals, sorted.
	Symbols(ctx context.Context) ([]string, error)
	// FetchHistory returns settlements in [from, to), oldest first.
	FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]funding.Reading, error)
}
