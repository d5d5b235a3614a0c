package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Schedules struct {
	Archive   string
	Reconcile string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	schedules Schedules
	logger    *slog.Logger
}

func NewScheduler(jobs *Jobs, schedules Schedules, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		schedules: schedules,
		logger:    logger,
	}
}

// Start registers the jobs with a non-empty schedule and starts the cron
// scheduler. It returns the number of jobs registered.
func (s *Scheduler) Start() int {
	registered := 0
	register := func(name, spec string, fn func()) {
		if spec == "" {
			s.logger.Info("job disabled", "job", name)
			return
		}
		if _, err := s.cron.AddFunc(spec, fn); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
			return
		}
		registered++
		s.logger.Info("scheduled job", "job", name, "schedule", spec)
	}

	register("archive_consultations", s.schedules.Archive, s.jobs.ArchiveTerminalConsultations)
	register("reconcile_ledger", s.schedules.Reconcile, s.jobs.ReconcileLedger)

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
