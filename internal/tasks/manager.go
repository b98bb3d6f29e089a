// internal/tasks/manager.go
package tasks

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/services"
)

// Job is a periodic background task runnable by the manager.
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Manager owns the gocron scheduler and the registered jobs.
type Manager struct {
	scheduler gocron.Scheduler
	config    *config.Config
}

func NewManager(cfg *config.Config) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Manager{
		scheduler: s,
		config:    cfg,
	}, nil
}

// Start registers the sweeper and retry jobs and starts the scheduler.
func Start(db *gorm.DB, cfg *config.Config, escrows *services.EscrowService, payouts *services.PayoutService) (*Manager, error) {
	manager, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Sweeper.Enabled {
		manager.Register(NewDeadlineSweeperJob(db, cfg, escrows, payouts))
	}
	manager.Register(NewPayoutRetryJob(cfg, payouts))

	manager.scheduler.Start()
	logrus.Info("Background task manager started")

	return manager, nil
}

func (m *Manager) Register(job Job) {
	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to register job %s", job.GetName())
	}
}

func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		logrus.WithError(err).Error("Failed to shutdown task manager")
		return
	}
	logrus.Info("Background task manager stopped")
}
