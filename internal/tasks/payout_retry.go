// internal/tasks/payout_retry.go
package tasks

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/services"
)

// PayoutRetryJob drains payouts left pending by gateway failures or a crash
// between the state transition and the async dispatch.
type PayoutRetryJob struct {
	config  *config.Config
	payouts *services.PayoutService
}

func NewPayoutRetryJob(cfg *config.Config, payouts *services.PayoutService) *PayoutRetryJob {
	return &PayoutRetryJob{
		config:  cfg,
		payouts: payouts,
	}
}

func (j *PayoutRetryJob) GetName() string {
	return "payout_retry"
}

func (j *PayoutRetryJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Payout.RetryIntervalSecs) * time.Second)
}

func (j *PayoutRetryJob) Execute() {
	completed, err := j.payouts.ProcessDue()
	if err != nil {
		logrus.WithError(err).Error("Payout retry pass failed")
		return
	}

	if completed > 0 {
		logrus.WithField("completed", completed).Info("Payout retry pass completed")
	}
}
