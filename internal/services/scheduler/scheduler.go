// -----------------------------------------------------------------------
// Scheduler - cron-driven retention pruning of jobs and session links
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/services/access"
	"github.com/ternarybob/colligo/internal/services/jobs"
)

const defaultSchedule = "0 * * * *" // hourly

// Service prunes terminal jobs and idle session links on a cron schedule
type Service struct {
	cfg    common.RetentionConfig
	jobs   *jobs.Store
	access *access.Service
	cron   *cron.Cron
	logger arbor.ILogger
}

// New creates the retention scheduler
func New(cfg common.RetentionConfig, jobStore *jobs.Store, accessService *access.Service, logger arbor.ILogger) *Service {
	return &Service{
		cfg:    cfg,
		jobs:   jobStore,
		access: accessService,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the retention task and begins the cron loop
func (s *Service) Start() error {
	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	if _, err := s.cron.AddFunc(schedule, s.runRetention); err != nil {
		return fmt.Errorf("failed to add retention cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Int("job_days", s.cfg.JobDays).
		Int("session_link_days", s.cfg.SessionLinkDays).
		Msg("Retention scheduler started")
	return nil
}

// Stop halts the cron loop, waiting for a running task to finish
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Retention scheduler stopped")
}

func (s *Service) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if s.cfg.JobDays > 0 {
		pruned, err := s.jobs.PruneTerminal(ctx, time.Duration(s.cfg.JobDays)*24*time.Hour)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Job retention pruning failed")
		} else if pruned > 0 {
			s.logger.Info().Int64("pruned", pruned).Msg("Pruned terminal jobs")
		}
	}

	if s.cfg.SessionLinkDays > 0 {
		pruned, err := s.access.PruneSessionLinks(ctx, time.Duration(s.cfg.SessionLinkDays)*24*time.Hour)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Session link pruning failed")
		} else if pruned > 0 {
			s.logger.Info().Int64("pruned", pruned).Msg("Pruned idle session links")
		}
	}
}
