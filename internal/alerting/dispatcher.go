package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/metrics"
)

// ErrCapped is returned when the hourly alert cap dropped an alert.
var ErrCapped = errors.New("alerting: hourly alert cap reached")

// Channel is a named delivery target.
type Channel struct {
	Name     string
	Notifier Notifier
}

// DispatcherOptions bound delivery effort.
type DispatcherOptions struct {
	Attempts   int
	Delay      time.Duration
	MaxPerHour int
}

// Dispatcher fans an alert out to every channel with bounded retries.
type Dispatcher struct {
	channels []Channel
	opts     DispatcherOptions
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewDispatcher builds a dispatcher. MaxPerHour <= 0 disables the cap.
func NewDispatcher(opts DispatcherOptions, m *metrics.Metrics, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	var limiter *rate.Limiter
	if opts.MaxPerHour > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(opts.MaxPerHour)), opts.MaxPerHour)
	}
	return &Dispatcher{
		channels: channels,
		opts:     opts,
		limiter:  limiter,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name
	}
	return names
}

// Notify delivers event to every channel. A channel that still fails after the
// configured attempts yields a *funding.DeliveryError; the alert is not queued.
func (d *Dispatcher) Notify(ctx context.Context, event funding.AlertEvent) error {
	if d.limiter != nil && !d.limiter.Allow() {
		d.metrics.AlertCapped()
		d.logger.Warn().Str("symbol", event.Symbol).Str("kind", string(event.Kind)).Msg("hourly alert cap reached, alert dropped")
		return ErrCapped
	}

	var errs []error
	for _, ch := range d.channels {
		if err := d.deliver(ctx, ch, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, event funding.AlertEvent) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 && d.opts.Delay > 0 {
			timer := time.NewTimer(d.opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return d.drop(ch, event, attempt-1, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = ch.Notifier.Notify(ctx, event)
		if lastErr == nil {
			d.logger.Info().
				Str("symbol", event.Symbol).
				Str("kind", string(event.Kind)).
				Str("channel", ch.Name).
				Int("attempt", attempt).
				Msg("alert delivered")
			return nil
		}
		d.logger.Warn().Err(lastErr).
			Str("symbol", event.Symbol).
			Str("channel", ch.Name).
			Int("attempt", attempt).
			Msg("alert delivery attempt failed")
	}
	return d.drop(ch, event, d.opts.Attempts, lastErr)
}

func (d *Dispatcher) drop(ch Channel, event funding.AlertEvent, attempts int, err error) error {
	d.metrics.DeliveryFailed(ch.Name)
	derr := &funding.DeliveryError{
		Symbol:   event.Symbol,
		Kind:     event.Kind,
		Channel:  ch.Name,
		Attempts: attempts,
		Err:      err,
	}
	d.logger.Error().Err(derr).Msg("alert dropped")
	return derr
}

var _ Notifier = (*Dispatcher)(nil)
