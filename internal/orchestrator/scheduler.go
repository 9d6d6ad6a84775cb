package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/decaynet/cloud/internal/core"
)

// schedulerActor owns the scheduled runs; its jobs count against its own
// active-job budget like any other actor's.
const schedulerActor = "system:scheduler"

// Scheduler submits the standing validation runs: an hourly SP 800-22
// suite over the trailing hour and a weekly SP 800-90B assessment over
// the trailing seven days. Both run on the orchestrator's worker pool
// alongside operator-submitted jobs.
type Scheduler struct {
	orch   *Orchestrator
	cron   *cron.Cron
	logger *log.Logger
}

func NewScheduler(orch *Orchestrator, hourlySpec, weeklySpec string) (*Scheduler, error) {
	s := &Scheduler{
		orch:   orch,
		cron:   cron.New(),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}

	if _, err := s.cron.AddFunc(hourlySpec, func() {
		now := time.Now().UTC()
		s.submit(core.JobTypeSuite22, now.Add(-time.Hour), now)
	}); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(weeklySpec, func() {
		now := time.Now().UTC()
		s.submit(core.JobTypeAssess90, now.Add(-7*24*time.Hour), now)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing on the configured cron specs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Printf("Scheduled validation runs active")
}

// Stop halts the cron loop; running jobs finish on the pool.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) submit(jobType core.JobType, start, end time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := s.orch.Submit(ctx, SubmitRequest{
		Type:        jobType,
		WindowStart: start,
		WindowEnd:   end,
		Actor:       schedulerActor,
	})
	if err != nil {
		s.logger.Printf("Scheduled %s run not submitted: %v", jobType, err)
		return
	}
	s.logger.Printf("Scheduled %s run submitted: job=%s", jobType, job.JobID)
}
