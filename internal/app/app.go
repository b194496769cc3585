package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/alerting"
	"funding-rate-alerts/internal/bot"
	"funding-rate-alerts/internal/config"
	"funding-rate-alerts/internal/fetcher"
	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/httpapi"
	"funding-rate-alerts/internal/metrics"
	"funding-rate-alerts/internal/policy"
	"funding-rate-alerts/internal/query"
	"funding-rate-alerts/internal/scheduler"
	"funding-rate-alerts/internal/service"
	"funding-rate-alerts/internal/storage"
	"funding-rate-alerts/internal/telegram"
	"funding-rate-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Metrics: metrics.New(),
	}
}

func (a *App) newSource() *fetcher.Bybit {
	cfg := a.Config.Exchange
	return fetcher.NewBybit(fetcher.BybitOptions{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		UserAgent:         cfg.UserAgent,
		Quote:             cfg.QuoteSuffix,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	backend, err := storage.Open(ctx, a.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", a.Config.Storage.Driver, err)
	}
	if a.Config.Storage.Driver == config.DriverMemory {
		a.Logger.Warn().Msg("storage.driver=memory; state is lost on restart")
	}

	closer := func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close storage")
		}
	}
	return backend, closer, nil
}

func (a *App) rules() funding.Rules {
	return funding.Rules{
		ExtremeThreshold: decimal.NewFromFloat(a.Config.Alerting.ExtremeThreshold),
		MinChange:        decimal.NewFromFloat(a.Config.Alerting.MinChange),
	}
}

func (a *App) newRegistry() *policy.Registry {
	return policy.NewRegistry(a.Config.Policy.PrimarySymbol, a.Config.Policy.Symbols)
}

func (a *App) newTelegramClient(timeout time.Duration) *telegram.Client {
	cfg := a.Config.Alerting.Telegram
	return telegram.NewClient(cfg.BotToken, cfg.APIBase, timeout, a.Logger)
}

// newDispatcher builds every enabled alert channel. The returned TelegramNotifier is
// nil when Telegram is disabled.
func (a *App) newDispatcher() (*alerting.Dispatcher, *alerting.TelegramNotifier, func()) {
	cfg := a.Config.Alerting
	var channels []alerting.Channel
	var tg *alerting.TelegramNotifier
	closers := []func(){}

	if cfg.Telegram.Enabled {
		tg = alerting.NewTelegramNotifier(a.newTelegramClient(cfg.Telegram.Timeout), cfg.Telegram.ChatID, cfg.Telegram.TopicID, a.Config.Location(), a.Logger)
		channels = append(channels, alerting.Channel{Name: "telegram", Notifier: tg})
	}
	if cfg.Kafka.Enabled {
		kn := alerting.NewKafkaNotifier(alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), a.Logger)
		channels = append(channels, alerting.Channel{Name: "kafka", Notifier: kn})
		closers = append(closers, func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close kafka writer")
			}
		})
	}
	if len(channels) == 0 {
		a.Logger.Warn().Msg("no alert channels configured; alerts are only recorded")
	}

	d := alerting.NewDispatcher(alerting.DispatcherOptions{
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay,
		MaxPerHour: cfg.MaxPerHour,
	}, a.Metrics, a.Logger, channels...)

	return d, tg, func() {
		for _, c := range closers {
			c()
		}
	}
}

// Run executes the long-running monitoring service: the poll loop, the symbol
// refresh task, the Telegram command listener and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	source := a.newSource()
	dispatcher, tg, closeNotifiers := a.newDispatcher()
	defer closeNotifiers()

	var announcer service.Announcer
	if tg != nil {
		announcer = tg
	}

	registry := a.newRegistry()
	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	monitor := service.New(sched, registry, source, store, dispatcher, announcer, a.Metrics, service.Options{
		Rules:          a.rules(),
		AlertsOn:       a.Config.Alerting.Enabled,
		FetchTimeout:   a.Config.Exchange.RequestTimeout,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
		Refresh:        a.Config.Scheduler.RefreshSchedule,
		StartupMessage: a.Config.Alerting.StartupMessage,
	}, a.Logger)

	responder := query.NewResponder(source, store, history.NewAggregator(store, source, a.Logger), monitor, query.Options{
		TopN:     a.Config.Commands.TopN,
		Location: a.Config.Location(),
		Tiers:    registry.Policy,
	}, a.Logger)

	tasks := []task{{name: "monitor", run: monitor.Run}}

	if a.Config.Commands.Enabled {
		// 长轮询需要比 poll_timeout 更长的 HTTP 超时。
		client := a.newTelegramClient(a.Config.Commands.PollTimeout + a.Config.Alerting.Telegram.Timeout)
		listener := bot.New(client, responder, query.Parser{
			BotUsername: a.Config.Commands.BotUsername,
			Quote:       a.Config.Exchange.QuoteSuffix,
		}, bot.Options{
			TopicID:     a.Config.Alerting.Telegram.TopicID,
			PollTimeout: a.Config.Commands.PollTimeout,
		}, a.Logger)
		tasks = append(tasks, task{name: "commands", run: listener.Run})
	}

	if a.Config.HTTP.Enabled {
		srv := httpapi.NewServer(httpapi.Options{Addr: a.Config.HTTP.Addr, Quote: a.Config.Exchange.QuoteSuffix}, responder, store, store, a.Metrics, a.Logger)
		tasks = append(tasks, task{name: "http", run: srv.Run})
	}

	a.Logger.Info().
		Str("version", version.String()).
		Str("storage", a.Config.Storage.Driver).
		Str("primary", registry.Primary()).
		Dur("interval", a.Config.Scheduler.Interval).
		Strs("channels", dispatcher.Channels()).
		Msg("starting monitoring service")

	err = a.runTasks(ctx, tasks...)
	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

type task struct {
	name string
	run  func(context.Context) error
}

// runTasks runs every task until the first one exits, then cancels the rest and
// returns the first failure.
func (a *App) runTasks(ctx context.Context, tasks ...task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer cancel()
			if err := t.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", t.name, err)
			}
		}(t)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// ExportOptions hold parameters for exporting settlement history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Fetch     bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Symbols []string
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}

// SimulateOptions describe a synthetic pair of settlements.
type SimulateOptions struct {
	Symbol   string
	Previous decimal.Decimal
	Current  decimal.Decimal
}
