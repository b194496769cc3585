package cli

import (
	"fmt"
	"time"

	"funding-rate-alerts/internal/history"
)

// parseTimeFlag accepts an RFC3339 timestamp or a DDMMYY day (UTC midnight).
func parseTimeFlag(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	day, err := history.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor DDMMYY", value)
	}
	return day, nil
}
