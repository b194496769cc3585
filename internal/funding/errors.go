package funding

import (
	"errors"
	"fmt"
)

// ErrStaleData marks a settlement that was already processed. It is never logged as a failure.
var ErrStaleData = errors.New("funding: stale settlement")

// FetchError wraps a transient exchange failure for one symbol.
type FetchError struct {
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DeliveryError is returned once an alert has been dropped after bounded retries.
type DeliveryError struct {
	Symbol   string
	Kind     AlertKind
	Channel  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s alert for %s via %s after %d attempt(s): %v", e.Kind, e.Symbol, e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
