// internal/services/decision_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/models"
)

type DecisionServiceTestSuite struct {
	suite.Suite
	env *testEnv
}

func (s *DecisionServiceTestSuite) SetupTest() {
	s.env = newTestEnv(s.T())
}

// End-to-end: upload v1, reject once, upload v2, accept.
func (s *DecisionServiceTestSuite) TestAcceptAfterOneRevision() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)

	result, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{
		Decision: models.DecisionReject,
		Reason:   "wrong crop",
	})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusRevisionRequested, result.Status)
	s.False(result.AutoApproved)

	fresh := s.env.reloadEscrow(s.T(), escrow)
	s.Equal(1, fresh.RevisionCount)
	s.Nil(fresh.ConfirmationDeadline)

	s.env.advance(6 * time.Hour)
	upload := s.env.uploadDelivery(s.T(), escrow)
	s.Equal(2, upload.Version)

	result, err = s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusReleased, result.Status)
	s.False(result.AutoApproved)
	s.Empty(result.ErrorCode)

	fresh = s.env.reloadEscrow(s.T(), escrow)
	s.Equal(models.EscrowStatusReleased, fresh.Status)
	s.NotNil(fresh.ReleasedAt)

	// Exactly one payout, for the photographer share.
	s.Equal([]int64{8000}, s.env.gateway.payoutCalls)

	var delivery models.DeliveryVersion
	s.Require().NoError(s.env.db.First(&delivery, "id = ?", *fresh.CurrentDeliveryID).Error)
	s.Equal(models.DeliveryStatusConfirmed, delivery.Status)
	s.NotNil(delivery.ConfirmedAt)
}

func (s *DecisionServiceTestSuite) TestRejectRequiresNonEmptyReason() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)

	for _, reason := range []string{"", "   "} {
		_, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{
			Decision: models.DecisionReject,
			Reason:   reason,
		})

		var validationErr *ValidationError
		s.Require().ErrorAs(err, &validationErr)
		s.Equal("reason", validationErr.Field)
	}

	// No state change happened.
	fresh := s.env.reloadEscrow(s.T(), escrow)
	s.Equal(models.EscrowStatusWaitingConfirmation, fresh.Status)
	s.Equal(0, fresh.RevisionCount)
	s.Zero(s.env.gateway.payoutCount())
}

func (s *DecisionServiceTestSuite) TestInvalidDecisionValue() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)

	_, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: "maybe"})

	var validationErr *ValidationError
	s.Require().ErrorAs(err, &validationErr)
	s.Equal("decision", validationErr.Field)
}

func (s *DecisionServiceTestSuite) TestRevisionCeilingFoldsRejectIntoRelease() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 1)
	s.env.uploadDelivery(s.T(), escrow)

	result, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{
		Decision: models.DecisionReject,
		Reason:   "too dark",
	})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusRevisionRequested, result.Status)
	s.Equal(1, s.env.reloadEscrow(s.T(), escrow).RevisionCount)

	s.env.uploadDelivery(s.T(), escrow)

	result, err = s.env.decisions.Decide(escrow.ID, &DecideRequest{
		Decision: models.DecisionReject,
		Reason:   "still too dark",
	})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusReleased, result.Status)
	s.True(result.AutoApproved)
	s.Equal(ErrorCodeMaxRevisionsExceeded, result.ErrorCode)

	fresh := s.env.reloadEscrow(s.T(), escrow)
	s.Equal(models.EscrowStatusReleased, fresh.Status)
	s.LessOrEqual(fresh.RevisionCount, fresh.MaxRevisions)
	s.Equal(1, s.env.gateway.payoutCount())

	// The delivery keeps the rejection record even though funds released.
	var delivery models.DeliveryVersion
	s.Require().NoError(s.env.db.First(&delivery, "id = ?", *fresh.CurrentDeliveryID).Error)
	s.Equal(models.DeliveryStatusRejected, delivery.Status)
	s.Equal("still too dark", delivery.RejectionReason)
}

func (s *DecisionServiceTestSuite) TestZeroMaxRevisionsReleasesOnFirstReject() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 0)
	s.env.uploadDelivery(s.T(), escrow)

	result, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{
		Decision: models.DecisionReject,
		Reason:   "not what I ordered",
	})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusReleased, result.Status)
	s.True(result.AutoApproved)
	s.Equal(ErrorCodeMaxRevisionsExceeded, result.ErrorCode)
}

func (s *DecisionServiceTestSuite) TestAcceptIsIdempotent() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)

	first, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})
	s.Require().NoError(err)

	second, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})
	s.Require().NoError(err)

	s.Equal(first.Status, second.Status)
	s.Equal(1, s.env.gateway.payoutCount())

	records := s.env.payoutRecords(s.T(), escrow)
	s.Len(records, 1)
}

func (s *DecisionServiceTestSuite) TestRepeatedRejectReplaysRevisionOutcome() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)

	_, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionReject, Reason: "wrong crop"})
	s.Require().NoError(err)

	replay, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionReject, Reason: "wrong crop"})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusRevisionRequested, replay.Status)

	// The counter did not move again.
	s.Equal(1, s.env.reloadEscrow(s.T(), escrow).RevisionCount)
}

func (s *DecisionServiceTestSuite) TestDecideOnHeldEscrowConflicts() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)

	_, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})

	var conflictErr *StateConflictError
	s.Require().ErrorAs(err, &conflictErr)
	s.Equal(models.EscrowStatusHeld, conflictErr.Current)
}

// A buyer acceptance racing the sweeper's auto-release must settle the
// escrow exactly once with exactly one payout.
func (s *DecisionServiceTestSuite) TestAcceptAfterSystemReleaseReplays() {
	escrow := s.env.createHeldEscrow(s.T(), 10000, 2)
	s.env.uploadDelivery(s.T(), escrow)
	s.env.advance(49 * time.Hour)

	// The sweeper wins.
	fresh := s.env.reloadEscrow(s.T(), escrow)
	var payout *models.PayoutRecord
	err := s.env.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		payout, txErr = s.env.escrows.AutoReleaseTx(tx, fresh)
		return txErr
	})
	s.Require().NoError(err)
	s.Require().NoError(s.env.payouts.Execute(payout.ID))

	// The buyer's late acceptance observes the recorded outcome.
	result, err := s.env.decisions.Decide(escrow.ID, &DecideRequest{Decision: models.DecisionAccept})
	s.Require().NoError(err)
	s.Equal(models.EscrowStatusReleased, result.Status)
	s.True(result.AutoApproved)

	s.Equal(1, s.env.gateway.payoutCount())
	s.Len(s.env.payoutRecords(s.T(), escrow), 1)
}

func TestDecisionServiceSuite(t *testing.T) {
	suite.Run(t, new(DecisionServiceTestSuite))
}
