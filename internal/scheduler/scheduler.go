// Package scheduler runs periodic background jobs.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type taskFn func(ctx context.Context) error

type Scheduler struct {
	scheduler gocron.Scheduler
}

func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{scheduler: s}, nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// Every runs fn every interval. A run that is still in progress when the
// next one is due causes that run to be skipped.
func (s *Scheduler) Every(name string, interval time.Duration, fn taskFn, startImmediately bool) error {
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if startImmediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.withRecover(fn, name)),
		opts...,
	)
	if err != nil {
		slog.Error("scheduler: create job failed", "job", name, "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) withRecover(fn taskFn, name string) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic recovered in scheduled job",
					"job", name,
					"panic", r,
					"stacktrace", string(debug.Stack()),
				)
			}
		}()

		start := time.Now()
		slog.Debug("job start", "job", name)
		if err := fn(ctx); err != nil {
			slog.Error("job failed", "job", name, "error", err)
			return
		}
		slog.Debug("job completed", "job", name, "duration", time.Since(start))
	}
}
