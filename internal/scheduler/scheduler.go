// Package scheduler runs the periodic jobs: platform sync, cache refreshes,
// history rebuilds, backups. Every run is recorded in the job history table
// so the API can show what happened overnight.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit. Run returns a success flag and a
// human-readable outcome message.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression or @-descriptor
	Run      func(ctx context.Context) (bool, string)
}

// RunRecorder persists job run rows. *pricing.Repository satisfies it.
type RunRecorder interface {
	StartJobRun(id, jobName string, startedAt time.Time) error
	FinishJobRun(id string, success bool, message string, finishedAt time.Time) error
}

// Scheduler manages the cron entries.
type Scheduler struct {
	cron *cron.Cron
	runs RunRecorder
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a scheduler that records runs through the given recorder.
func New(runs RunRecorder, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		runs: runs,
		log:  log.With().Str("component", "scheduler").Logger(),
		now:  time.Now,
	}
}

// Register adds a job to the schedule.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() {
		s.Execute(context.Background(), job)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job registered")
	return nil
}

// Execute runs a job immediately and records the run. Also the path for
// manually triggered runs from the API.
func (s *Scheduler) Execute(ctx context.Context, job Job) (bool, string) {
	id := uuid.NewString()
	startedAt := s.now()

	if err := s.runs.StartJobRun(id, job.Name, startedAt); err != nil {
		s.log.Warn().Err(err).Str("job", job.Name).Msg("Failed to record job start")
	}
	s.log.Info().Str("job", job.Name).Str("run_id", id).Msg("Job started")

	ok, msg := job.Run(ctx)

	finishedAt := s.now()
	if err := s.runs.FinishJobRun(id, ok, msg, finishedAt); err != nil {
		s.log.Warn().Err(err).Str("job", job.Name).Msg("Failed to record job finish")
	}

	event := s.log.Info()
	if !ok {
		event = s.log.Error()
	}
	event.Str("job", job.Name).Str("run_id", id).Bool("success", ok).Str("message", msg).
		Dur("duration", finishedAt.Sub(startedAt)).Msg("Job finished")
	return ok, msg
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop waits for any in-flight job before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
