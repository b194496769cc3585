package app

import (
	"context"
	"errors"
	"sync"

	"funding-rate-alerts/internal/fetcher"
	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/storage"
)

// Backfill loads exchange settlement history in [From, To) into the history store.
// Without explicit symbols every tracked symbol is backfilled.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	source := a.newSource()
	symbols, err := a.backfillSymbols(ctx, source, opts.Symbols)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errors.New("没有可回填的合约")
	}

	var store storage.HistoryStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入存储")
		store = storage.NewMemoryStore()
	} else {
		backend, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		store = backend
	}
	agg := history.NewAggregator(store, source, a.Logger)

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(symbols) {
		workers = len(symbols)
	}

	jobs := make(chan string)
	var (
		mu        sync.Mutex
		processed int
		failed    int
		readings  int
		wg        sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				n, err := agg.Backfill(ctx, symbol, from, to)
				mu.Lock()
				if err != nil {
					failed++
					a.Logger.Error().Err(err).Str("symbol", symbol).Msg("回填失败")
				} else {
					processed++
					readings += n
					a.Logger.Debug().Str("symbol", symbol).Int("settlements", n).Msg("symbol backfilled")
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- symbol:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	a.Logger.Info().Int("symbols", processed).Int("failed", failed).Int("settlements", readings).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分合约回填失败，请检查日志")
	}
	return nil
}

func (a *App) backfillSymbols(ctx context.Context, source fetcher.Source, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		out := make([]string, 0, len(explicit))
		for _, s := range explicit {
			if sym := funding.NormalizeSymbol(s, a.Config.Exchange.QuoteSuffix); sym != "" {
				out = append(out, sym)
			}
		}
		return out, nil
	}

	listed, err := source.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	registry := a.newRegistry()
	registry.Refresh(listed)
	return registry.Symbols(), nil
}
