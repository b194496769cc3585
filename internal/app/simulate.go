package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/policy"
	"funding-rate-alerts/internal/service"
	"funding-rate-alerts/internal/storage"
)

// SimulateAlert 用两次合成结算跑一遍完整的分类与告警流程。
// The symbol keeps its real tier: only the primary symbol alerts on every change.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	symbol := funding.NormalizeSymbol(opts.Symbol, a.Config.Exchange.QuoteSuffix)
	if symbol == "" {
		symbol = a.Config.Policy.PrimarySymbol
	}

	dispatcher, _, closeNotifiers := a.newDispatcher()
	defer closeNotifiers()
	if len(dispatcher.Channels()) == 0 {
		return errors.New("未配置任何告警通道")
	}

	settled := time.Now().UTC().Truncate(time.Hour)
	source := &scriptedSource{readings: []funding.Reading{
		{Symbol: symbol, Rate: opts.Previous, IntervalHours: 8, SettledAt: settled.Add(-8 * time.Hour)},
		{Symbol: symbol, Rate: opts.Current, IntervalHours: 8, SettledAt: settled},
	}}

	registry := policy.NewRegistry(a.Config.Policy.PrimarySymbol, nil)
	registry.Refresh([]string{symbol})

	monitor := service.New(nil, registry, source, storage.NewMemoryStore(), dispatcher, nil, nil, service.Options{
		Rules:    a.rules(),
		AlertsOn: true,
	}, a.Logger)

	for _, r := range source.readings {
		if err := monitor.ProcessTick(ctx, r.SettledAt); err != nil {
			return err
		}
	}

	if monitor.Status().AlertsRaised == 0 {
		p, _ := registry.Policy(symbol)
		return fmt.Errorf("%s -> %s does not raise an alert for %s (tier %s)",
			funding.FormatPercent(opts.Previous), funding.FormatPercent(opts.Current), symbol, p.Tier)
	}
	return nil
}

// scriptedSource replays fixed readings, one per FetchCurrent call.
type scriptedSource struct {
	readings []funding.Reading
	next     int
}

func (s *scriptedSource) FetchCurrent(_ context.Context, symbol string) (funding.Reading, error) {
	if s.next >= len(s.readings) {
		return funding.Reading{}, &funding.FetchError{Symbol: symbol, Err: errors.New("no more scripted readings")}
	}
	r := s.readings[s.next]
	s.next++
	return r, nil
}

func (s *scriptedSource) FetchTickers(context.Context) ([]funding.Ticker, error) {
	last := s.readings[len(s.readings)-1]
	return []funding.Ticker{{Symbol: last.Symbol, Rate: last.Rate, IntervalHours: last.IntervalHours}}, nil
}

func (s *scriptedSource) Symbols(ctx context.Context) ([]string, error) {
	return []string{s.readings[0].Symbol}, nil
}

func (s *scriptedSource) FetchHistory(_ context.Context, symbol string, from, to time.Time) ([]funding.Reading, error) {
	var out []funding.Reading
	for _, r := range s.readings {
		if !r.SettledAt.Before(from) && r.SettledAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}
