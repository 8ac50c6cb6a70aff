package migrate

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/config"
	"member-migration-service/internal/logger"
)

// Scheduler triggers periodic incremental passes for every configured
// domain. It consumes the controller's completion events, so each pass is
// scheduled knowing the previous one has released the domain.
type Scheduler struct {
	cfg        config.SchedulerConfig
	domains    []string
	controller *Controller
	cron       *cron.Cron
	stop       chan struct{}
}

func NewScheduler(cfg config.SchedulerConfig, domains []string, controller *Controller) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		domains:    domains,
		controller: controller,
		cron:       cron.New(),
		stop:       make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	go s.consumeEvents()

	_, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSyncs()
	})
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.stop)
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSyncs() {
	ctx := context.Background()
	for _, domain := range s.domains {
		run, err := s.controller.RunIncrementalSync(ctx, domain)
		switch {
		case errors.Is(err, checkpoint.ErrAlreadyRunning):
			logger.Log.Info("Sync already running, skipping scheduled pass", zap.String("domain", domain))
		case errors.Is(err, checkpoint.ErrNotIncremental):
			logger.Log.Debug("Domain not in incremental mode yet", zap.String("domain", domain))
		case err != nil:
			logger.Log.Error("Failed to start scheduled sync", zap.String("domain", domain), zap.Error(err))
		default:
			logger.Log.Info("Triggered scheduled sync",
				zap.String("domain", domain), zap.String("runID", run.ID))
		}
	}
}

func (s *Scheduler) consumeEvents() {
	for {
		select {
		case event := <-s.controller.Events():
			logger.Log.Info("Run finished",
				zap.String("runID", event.RunID),
				zap.String("domain", event.Domain),
				zap.String("mode", string(event.Mode)),
				zap.String("state", string(event.State)),
				zap.String("error", event.Error),
			)
		case <-s.stop:
			return
		}
	}
}
