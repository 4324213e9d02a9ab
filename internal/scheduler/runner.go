// Package scheduler triggers periodic jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec returns cronSpec when set, otherwise an "@every" spec for interval.
func Spec(cronSpec string, interval time.Duration) string {
	if cronSpec != "" {
		return cronSpec
	}
	return "@every " + interval.String()
}

// Runner owns a cron instance. A job still running when its next tick fires
// is skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New creates a Runner whose jobs receive baseCtx.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := cron.PrintfLogger(logrus.StandardLogger())
	return &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		baseCtx: baseCtx,
		stop:    make(chan struct{}),
	}
}

// Add schedules job under name. With a non-negative initialDelay the job also
// runs once that long after being added, unless the runner stops first.
func (r *Runner) Add(name, spec string, initialDelay time.Duration, job func(ctx context.Context) error) error {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}

	wrapped := cron.NewChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger())),
	).Then(cron.FuncJob(func() { r.run(name, job) }))

	r.cron.Schedule(schedule, wrapped)

	if initialDelay >= 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			t := time.NewTimer(initialDelay)
			defer t.Stop()
			select {
			case <-t.C:
				wrapped.Run()
			case <-r.baseCtx.Done():
			case <-r.stop:
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"job":           name,
		"schedule":      spec,
		"initial_delay": initialDelay,
	}).Info("Job scheduled")
	return nil
}

func (r *Runner) run(name string, job func(ctx context.Context) error) {
	if r.baseCtx.Err() != nil {
		return
	}
	start := time.Now()
	err := job(r.baseCtx)
	entry := logrus.WithFields(logrus.Fields{
		"job":      name,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.Errorf("Scheduled job failed: %v", err)
		return
	}
	entry.Info("Scheduled job completed")
}

// Start begins scheduling.
func (r *Runner) Start() {
	logrus.Info("Scheduler started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.cron.Stop().Done()
	r.wg.Wait()
	logrus.Info("Scheduler stopped")
}
