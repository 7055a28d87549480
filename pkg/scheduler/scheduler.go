// Package scheduler fires the periodic idle-stream cleanup.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/robfig/cron/v3"
)

// MinInterval is the shortest interval the scheduler runs at.
const MinInterval = time.Second

// Scheduler runs a job on a fixed interval.
type Scheduler struct {
	interval time.Duration
	job      func()
	log      *slog.Logger
	cron     *cron.Cron
}

// New creates a scheduler that calls job every interval (at least MinInterval).
func New(interval time.Duration, job func(), logger *slog.Logger) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		interval: interval,
		job:      job,
		log:      logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// CleanupInterval is half the idle timeout, so an idle stream is closed at
// most 1.5 timeouts after its last message.
func CleanupInterval(idleTimeout time.Duration) time.Duration {
	interval := idleTimeout / 2
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}

// Interval returns the effective interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins firing the job.
func (s *Scheduler) Start() {
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.job))
	s.cron.Start()
	s.log.Debug("cleanup scheduler started", "interval", s.interval)
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Debug("cleanup scheduler stopped")
}

// Notify returns a job that posts a tick to ch without blocking; ticks that
// arrive while one is pending are coalesced.
func Notify(ch chan<- struct{}) func() {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
