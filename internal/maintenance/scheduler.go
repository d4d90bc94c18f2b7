// Package maintenance runs periodic upkeep (cache pruning, offline queue
// drains) on cron schedules, generalized from services/orchestrator's
// workflow scheduler.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron.Cron with edgecore-flavored job registration and
// logging.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New constructs a Scheduler with seconds-precision cron expressions.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// Every registers job to run on spec (a six-field cron expression). Job
// errors are logged, never propagated, so one bad run never stops the
// schedule.
func (s *Scheduler) Every(spec, name string, job func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(context.Background()); err != nil {
			s.log.Warn("maintenance job failed", "job", name, "error", err)
		}
	})
	return err
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
