// internal/services/payout_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/models"
)

type PayoutServiceTestSuite struct {
	suite.Suite
	env *testEnv
}

func (s *PayoutServiceTestSuite) SetupTest() {
	s.env = newTestEnv(s.T())
}

func (s *PayoutServiceTestSuite) releaseEscrow(amount int64) *models.EscrowRecord {
	escrow := s.env.createHeldEscrow(s.T(), amount, 2)
	s.env.uploadDelivery(s.T(), escrow)

	_, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})
	s.Require().NoError(err)

	return s.env.reloadEscrow(s.T(), escrow)
}

func (s *PayoutServiceTestSuite) TestGatewayFailureSchedulesRetry() {
	s.env.gateway.failPayouts = true

	escrow := s.releaseEscrow(10000)

	// The escrow is settled no matter what the gateway did.
	s.Equal(models.EscrowStatusReleased, escrow.Status)

	records := s.env.payoutRecords(s.T(), escrow)
	s.Require().Len(records, 1)
	s.Equal(models.PayoutStatusPendingRetry, records[0].Status)
	s.Equal(1, records[0].Attempts)
	s.NotEmpty(records[0].LastError)
	s.Require().NotNil(records[0].NextAttemptAt)
	s.WithinDuration(s.env.now.Add(30*time.Second), records[0].NextAttemptAt.UTC(), time.Second)
}

func (s *PayoutServiceTestSuite) TestRetryCompletesAfterGatewayRecovers() {
	s.env.gateway.failPayouts = true
	escrow := s.releaseEscrow(10000)

	s.env.gateway.failPayouts = false
	s.env.advance(time.Minute)

	completed, err := s.env.payouts.ProcessDue()
	s.Require().NoError(err)
	s.Equal(1, completed)

	records := s.env.payoutRecords(s.T(), escrow)
	s.Require().Len(records, 1)
	s.Equal(models.PayoutStatusCompleted, records[0].Status)
	s.Equal(2, records[0].Attempts)
	s.NotEmpty(records[0].GatewayReference)
	s.Nil(records[0].NextAttemptAt)

	s.Equal([]int64{8000}, s.env.gateway.payoutCalls)
}

func (s *PayoutServiceTestSuite) TestBackoffGrowsExponentially() {
	s.env.gateway.failPayouts = true
	escrow := s.releaseEscrow(10000)

	s.env.advance(time.Minute)
	_, err := s.env.payouts.ProcessDue()
	s.Require().NoError(err)

	records := s.env.payoutRecords(s.T(), escrow)
	s.Require().Len(records, 1)
	s.Equal(2, records[0].Attempts)
	// Second failure backs off 2x the base.
	s.WithinDuration(s.env.now.Add(60*time.Second), records[0].NextAttemptAt.UTC(), time.Second)
}

func (s *PayoutServiceTestSuite) TestRetriesExhaustToFailed() {
	s.env.cfg.Payout.MaxAttempts = 2
	s.env.gateway.failPayouts = true

	escrow := s.releaseEscrow(10000)
	s.env.advance(time.Minute)

	_, err := s.env.payouts.ProcessDue()
	s.Require().NoError(err)

	records := s.env.payoutRecords(s.T(), escrow)
	s.Require().Len(records, 1)
	s.Equal(models.PayoutStatusFailed, records[0].Status)
	s.Equal(2, records[0].Attempts)
	s.Nil(records[0].NextAttemptAt)

	// A further execute is a no-op; the escrow stays settled.
	s.Require().NoError(s.env.payouts.Execute(records[0].ID))
	s.Equal(models.EscrowStatusReleased, s.env.reloadEscrow(s.T(), escrow).Status)
	s.Zero(s.env.gateway.payoutCount())
}

func (s *PayoutServiceTestSuite) TestExecuteIdempotentOnCompleted() {
	escrow := s.releaseEscrow(10000)

	records := s.env.payoutRecords(s.T(), escrow)
	s.Require().Len(records, 1)
	s.Equal(models.PayoutStatusCompleted, records[0].Status)

	s.Require().NoError(s.env.payouts.Execute(records[0].ID))
	s.Require().NoError(s.env.payouts.Execute(records[0].ID))

	s.Equal(1, s.env.gateway.payoutCount())
}

func (s *PayoutServiceTestSuite) TestEnqueueRejectsSecondPayoutPerEscrow() {
	escrow := s.releaseEscrow(10000)
	fresh := s.env.reloadEscrow(s.T(), escrow)

	err := s.env.db.Transaction(func(tx *gorm.DB) error {
		_, enqueueErr := s.env.payouts.Enqueue(tx, fresh, models.PayoutKindRefund)
		return enqueueErr
	})
	s.Require().Error(err)

	s.Len(s.env.payoutRecords(s.T(), escrow), 1)
}

func TestPayoutServiceSuite(t *testing.T) {
	suite.Run(t, new(PayoutServiceTestSuite))
}
