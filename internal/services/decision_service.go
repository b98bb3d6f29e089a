// internal/services/decision_service.go
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/models"
)

// DecisionService processes buyer accept/reject actions against a waiting
// escrow. It owns the revision policy and the decision idempotency rules.
type DecisionService struct {
	db      *gorm.DB
	escrows *EscrowService
	payouts *PayoutService
}

func NewDecisionService(db *gorm.DB, escrows *EscrowService, payouts *PayoutService) *DecisionService {
	return &DecisionService{
		db:      db,
		escrows: escrows,
		payouts: payouts,
	}
}

type DecideRequest struct {
	Decision models.Decision `json:"decision" validate:"required,decision"`
	Reason   string          `json:"reason,omitempty"`
}

type DecisionResult struct {
	Status       models.EscrowStatus `json:"status"`
	AutoApproved bool                `json:"auto_approved"`
	ErrorCode    string              `json:"error_code,omitempty"`
}

// revisionAllowed is the revision policy guard: a rejection opens another
// revision cycle only while the ceiling has not been reached.
func revisionAllowed(escrow *models.EscrowRecord) bool {
	return escrow.RevisionCount < escrow.MaxRevisions
}

// validateDecision checks caller input before any state is touched.
func validateDecision(req *DecideRequest) error {
	switch req.Decision {
	case models.DecisionAccept, models.DecisionReject:
	default:
		return &ValidationError{Field: "decision", Message: "must be accept or reject"}
	}

	if req.Decision == models.DecisionReject && strings.TrimSpace(req.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "a non-empty reason is required to reject a delivery"}
	}

	return nil
}

// Decide resolves the current delivery version of a waiting escrow.
//
// ACCEPT releases the escrow and pays the photographer. REJECT within the
// revision budget opens a revision cycle; REJECT at the ceiling is folded
// into a release with error_code MAX_REVISIONS_EXCEEDED so the caller is
// informed rather than blocked. A repeated decision on an escrow that is
// already released or in revision replays the recorded outcome instead of
// re-executing side effects.
func (s *DecisionService) Decide(escrowID uuid.UUID, req *DecideRequest) (*DecisionResult, error) {
	if err := validateDecision(req); err != nil {
		return nil, err
	}

	var result *DecisionResult
	var payout *models.PayoutRecord

	err := s.db.Transaction(func(tx *gorm.DB) error {
		escrow, err := s.escrows.fetchEscrow(tx, escrowID)
		if err != nil {
			return err
		}

		// Replay of an already-settled decision.
		if escrow.Status == models.EscrowStatusReleased || escrow.Status == models.EscrowStatusRevisionRequested {
			result, err = s.replayOutcome(tx, escrow)
			return err
		}

		if escrow.Status != models.EscrowStatusWaitingConfirmation {
			return &StateConflictError{Operation: "decide on", Current: escrow.Status}
		}
		if escrow.CurrentDeliveryID == nil {
			return &StateConflictError{Operation: "decide on", Current: escrow.Status}
		}

		deliveryID := *escrow.CurrentDeliveryID

		switch {
		case req.Decision == models.DecisionAccept:
			payout, err = s.escrows.releaseTx(tx, escrow, models.ActorBuyer, "delivery accepted by buyer")
			if err != nil {
				return err
			}
			if err := s.resolveDelivery(tx, deliveryID, models.DeliveryStatusConfirmed, ""); err != nil {
				return err
			}
			result = &DecisionResult{Status: models.EscrowStatusReleased}

		case revisionAllowed(escrow):
			err = s.escrows.conditionalUpdate(tx, escrow, map[string]interface{}{
				"status":                models.EscrowStatusRevisionRequested,
				"confirmation_deadline": nil,
				"revision_count":        escrow.RevisionCount + 1,
			})
			if err != nil {
				return err
			}
			if err := s.resolveDelivery(tx, deliveryID, models.DeliveryStatusRejected, req.Reason); err != nil {
				return err
			}
			if err := s.escrows.appendHistory(tx, escrowID, models.EscrowStatusWaitingConfirmation,
				models.EscrowStatusRevisionRequested, models.ActorBuyer,
				fmt.Sprintf("revision %d of %d requested: %s", escrow.RevisionCount+1, escrow.MaxRevisions, req.Reason)); err != nil {
				return err
			}
			result = &DecisionResult{Status: models.EscrowStatusRevisionRequested}

		default:
			// Revision ceiling reached: the rejection intent cannot block the
			// release, but the caller is told why.
			payout, err = s.escrows.releaseTx(tx, escrow, models.ActorSystem, "revision limit reached, auto-released")
			if err != nil {
				return err
			}
			if err := s.resolveDelivery(tx, deliveryID, models.DeliveryStatusRejected, req.Reason); err != nil {
				return err
			}
			result = &DecisionResult{
				Status:       models.EscrowStatusReleased,
				AutoApproved: true,
				ErrorCode:    ErrorCodeMaxRevisionsExceeded,
			}
		}

		return nil
	})

	if errors.Is(err, ErrRaceLost) {
		// Another actor (typically the sweeper) settled the escrow while this
		// decision was in flight; report the recorded outcome.
		return s.replayFresh(escrowID)
	}
	if err != nil {
		return nil, err
	}

	if payout != nil {
		s.payouts.DispatchAsync(payout.ID)
	}

	return result, nil
}

func (s *DecisionService) resolveDelivery(tx *gorm.DB, deliveryID uuid.UUID, status models.DeliveryStatus, reason string) error {
	now := s.escrows.now()
	updates := map[string]interface{}{"status": status}
	if status == models.DeliveryStatusConfirmed {
		updates["confirmed_at"] = now
	} else {
		updates["rejected_at"] = now
		updates["rejection_reason"] = reason
	}

	if err := tx.Model(&models.DeliveryVersion{}).Where("id = ?", deliveryID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update delivery version: %w", err)
	}
	return nil
}

// replayOutcome reconstructs the result of an earlier decision from the
// escrow and its current delivery version.
func (s *DecisionService) replayOutcome(tx *gorm.DB, escrow *models.EscrowRecord) (*DecisionResult, error) {
	if escrow.Status == models.EscrowStatusRevisionRequested {
		return &DecisionResult{Status: models.EscrowStatusRevisionRequested}, nil
	}

	result := &DecisionResult{Status: escrow.Status}
	if escrow.CurrentDeliveryID == nil {
		return result, nil
	}

	var delivery models.DeliveryVersion
	if err := tx.First(&delivery, "id = ?", *escrow.CurrentDeliveryID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch current delivery: %w", err)
	}

	switch delivery.Status {
	case models.DeliveryStatusRejected:
		// Ceiling fold: the last rejection was converted into a release.
		result.AutoApproved = true
		result.ErrorCode = ErrorCodeMaxRevisionsExceeded
	case models.DeliveryStatusUploaded:
		// Deadline auto-release: nobody decided, the system did.
		result.AutoApproved = true
	}

	return result, nil
}

func (s *DecisionService) replayFresh(escrowID uuid.UUID) (*DecisionResult, error) {
	var result *DecisionResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		escrow, err := s.escrows.fetchEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		result, err = s.replayOutcome(tx, escrow)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
