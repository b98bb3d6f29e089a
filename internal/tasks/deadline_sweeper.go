// internal/tasks/deadline_sweeper.go
package tasks

import (
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/models"
	"github.com/lenspark/escrow-backend/internal/services"
)

// DeadlineSweeperJob force-releases escrows whose confirmation deadline
// elapsed without a buyer decision. It may run on a different node than the
// request handlers; the escrow's conditional write is what keeps a racing
// decide() from double-transitioning, not the scheduler.
type DeadlineSweeperJob struct {
	db      *gorm.DB
	config  *config.Config
	escrows *services.EscrowService
	payouts *services.PayoutService

	nowFunc func() time.Time
}

func NewDeadlineSweeperJob(db *gorm.DB, cfg *config.Config, escrows *services.EscrowService, payouts *services.PayoutService) *DeadlineSweeperJob {
	return &DeadlineSweeperJob{
		db:      db,
		config:  cfg,
		escrows: escrows,
		payouts: payouts,
		nowFunc: time.Now,
	}
}

func (j *DeadlineSweeperJob) GetName() string {
	return "escrow_deadline_sweeper"
}

func (j *DeadlineSweeperJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Sweeper.IntervalSeconds) * time.Second)
}

func (j *DeadlineSweeperJob) Execute() {
	released, skipped, err := j.Sweep()
	if err != nil {
		logrus.WithError(err).Error("Deadline sweep failed")
		return
	}

	if released > 0 || skipped > 0 {
		logrus.WithFields(logrus.Fields{
			"released": released,
			"skipped":  skipped,
		}).Info("Deadline sweep completed")
	}
}

// Sweep runs one tick: find expired waiting escrows, auto-release each one
// behind the record's compare-and-swap token, and dispatch the payouts.
// Escrows that lose the race to a concurrent buyer decision are skipped
// silently. Returns (released, skipped).
func (j *DeadlineSweeperJob) Sweep() (int, int, error) {
	now := j.nowFunc().UTC()

	var expired []models.EscrowRecord
	err := j.db.
		Where("status = ? AND confirmation_deadline <= ?", models.EscrowStatusWaitingConfirmation, now).
		Order("confirmation_deadline ASC").
		Find(&expired).Error
	if err != nil {
		return 0, 0, err
	}

	released, skipped := 0, 0
	for i := range expired {
		escrow := expired[i]

		payoutID, err := j.autoRelease(&escrow)
		if errors.Is(err, services.ErrRaceLost) {
			// Already resolved by the decision handler.
			skipped++
			continue
		}
		if err != nil {
			logrus.WithError(err).WithField("escrow_id", escrow.ID).Error("Failed to auto-release escrow")
			continue
		}

		j.payouts.DispatchAsync(payoutID)
		released++
	}

	return released, skipped, nil
}

func (j *DeadlineSweeperJob) autoRelease(escrow *models.EscrowRecord) (uuid.UUID, error) {
	var payout *models.PayoutRecord

	err := j.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		payout, txErr = j.escrows.AutoReleaseTx(tx, escrow)
		return txErr
	})
	if err != nil {
		return uuid.Nil, err
	}

	return payout.ID, nil
}
