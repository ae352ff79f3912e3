package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scheduler runs named jobs at fixed intervals on a single cron instance.
// A panicking job is logged and the schedule keeps running.
type Scheduler struct {
	cron *cron.Cron
}

func New() *Scheduler {
	logger := cronLogger{logger: log.Logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Every registers job to run every interval, starting one interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, job func()) error {
	if interval < time.Second {
		return fmt.Errorf("schedule %s: interval %s below one second", name, interval)
	}
	if job == nil {
		return errors.New("schedule " + name + ": nil job")
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		started := time.Now()
		job()
		log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("scheduled job finished")
	}))
	log.Info().Str("job", name).Dur("interval", interval).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs and waits for running jobs until ctx is done.
// Returns true if running jobs finished in time.
func (s *Scheduler) Stop(ctx context.Context) bool {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
