package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is a cron-driven job.
type JobFunc func(ctx context.Context) error

// Periodic runs a job on a cron schedule, independent of the poll loop.
type Periodic struct {
	name     string
	schedule cron.Schedule
	job      JobFunc
	logger   zerolog.Logger
}

// NewPeriodic parses spec (standard cron or descriptors such as "@every 24h").
func NewPeriodic(name, spec string, job JobFunc, logger zerolog.Logger) (*Periodic, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Periodic{
		name:     name,
		schedule: schedule,
		job:      job,
		logger:   logger.With().Str("component", "periodic").Str("job", name).Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, then waits for a running job to finish.
// A run that is still in progress when the next one is due is skipped.
func (p *Periodic) Run(ctx context.Context) error {
	clog := cronLogger{logger: p.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if err := p.job(ctx); err != nil {
			p.logger.Error().Err(err).Msg("periodic job failed")
			return
		}
		p.logger.Debug().Msg("periodic job finished")
	}))

	c.Start()
	p.logger.Info().Time("next_run", p.schedule.Next(time.Now())).Msg("periodic job scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
