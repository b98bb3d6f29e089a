// internal/services/payout_service.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/models"
)

// PayoutService moves funds once an escrow reaches a terminal state.
//
// The payout row is inserted in the same transaction as the terminal status
// change, keyed by the escrow ID, so at most one payout can ever exist per
// escrow. The gateway call happens after commit and retries with backoff;
// its failures never reopen the state machine.
type PayoutService struct {
	db      *gorm.DB
	config  *config.Config
	gateway PaymentGateway

	nowFunc func() time.Time
	// synchronous dispatch for deterministic tests
	syncDispatch bool
}

func NewPayoutService(db *gorm.DB, cfg *config.Config, gateway PaymentGateway) *PayoutService {
	return &PayoutService{
		db:      db,
		config:  cfg,
		gateway: gateway,
		nowFunc: time.Now,
	}
}

func (s *PayoutService) now() time.Time {
	return s.nowFunc().UTC()
}

// Enqueue records the pending payout inside the caller's transaction. The
// unique idempotency key (the escrow ID) makes a second terminal transition
// for the same escrow fail at the database.
func (s *PayoutService) Enqueue(tx *gorm.DB, escrow *models.EscrowRecord, kind models.PayoutKind) (*models.PayoutRecord, error) {
	amount := escrow.PhotographerShare
	if kind == models.PayoutKindRefund {
		amount = escrow.AmountTotal
	}

	now := s.now()
	record := &models.PayoutRecord{
		EscrowID:       escrow.ID,
		IdempotencyKey: escrow.ID.String(),
		Kind:           kind,
		AmountCents:    amount,
		Status:         models.PayoutStatusPending,
		NextAttemptAt:  &now,
	}

	if err := tx.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue payout: %w", err)
	}

	return record, nil
}

// DispatchAsync executes the payout off the request path. The state
// transition has already committed; a crash here is recovered by the retry
// job picking the row up again.
func (s *PayoutService) DispatchAsync(recordID uuid.UUID) {
	if s.syncDispatch {
		s.executeLogged(recordID)
		return
	}

	go s.executeLogged(recordID)
}

func (s *PayoutService) executeLogged(recordID uuid.UUID) {
	if err := s.Execute(recordID); err != nil {
		logrus.WithError(err).WithField("payout_id", recordID).Warn("Payout attempt failed, scheduled for retry")
	}
}

// Execute performs one gateway attempt for the payout. Safe to call
// repeatedly: completed rows are skipped and the gateway deduplicates on
// the idempotency key.
func (s *PayoutService) Execute(recordID uuid.UUID) error {
	var record models.PayoutRecord
	if err := s.db.First(&record, "id = ?", recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch payout record: %w", err)
	}

	if record.Status == models.PayoutStatusCompleted || record.Status == models.PayoutStatusFailed {
		return nil
	}

	var escrow models.EscrowRecord
	if err := s.db.First(&escrow, "id = ?", record.EscrowID).Error; err != nil {
		return fmt.Errorf("failed to fetch escrow for payout: %w", err)
	}

	var reference string
	var gatewayErr error
	switch record.Kind {
	case models.PayoutKindRelease:
		reference, gatewayErr = s.gateway.Payout(record.AmountCents, escrow.PhotographerID.String(), record.IdempotencyKey)
	case models.PayoutKindRefund:
		reference, gatewayErr = s.gateway.Refund(escrow.PaymentReference, record.AmountCents, record.IdempotencyKey)
	default:
		return fmt.Errorf("unknown payout kind %q", record.Kind)
	}

	if gatewayErr != nil {
		return s.recordFailure(&record, gatewayErr)
	}

	updates := map[string]interface{}{
		"status":            models.PayoutStatusCompleted,
		"attempts":          record.Attempts + 1,
		"gateway_reference": reference,
		"next_attempt_at":   nil,
		"last_error":        "",
	}
	if err := s.db.Model(&record).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark payout completed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"escrow_id": record.EscrowID,
		"kind":      record.Kind,
		"amount":    record.AmountCents,
		"reference": reference,
	}).Info("Payout completed")

	return nil
}

func (s *PayoutService) recordFailure(record *models.PayoutRecord, gatewayErr error) error {
	attempts := record.Attempts + 1

	if attempts >= s.config.Payout.MaxAttempts {
		if err := s.db.Model(record).Updates(map[string]interface{}{
			"status":          models.PayoutStatusFailed,
			"attempts":        attempts,
			"next_attempt_at": nil,
			"last_error":      gatewayErr.Error(),
		}).Error; err != nil {
			return fmt.Errorf("failed to mark payout failed: %w", err)
		}

		// Operational alert: the escrow stays settled, money movement needs
		// manual intervention.
		logrus.WithFields(logrus.Fields{
			"escrow_id": record.EscrowID,
			"kind":      record.Kind,
			"attempts":  attempts,
		}).WithError(gatewayErr).Error("Payout exhausted retries, manual intervention required")

		return &PayoutGatewayError{Kind: record.Kind, Err: gatewayErr}
	}

	backoff := time.Duration(s.config.Payout.BackoffBaseSeconds) * time.Second * (1 << (attempts - 1))
	next := s.now().Add(backoff)

	if err := s.db.Model(record).Updates(map[string]interface{}{
		"status":          models.PayoutStatusPendingRetry,
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      gatewayErr.Error(),
	}).Error; err != nil {
		return fmt.Errorf("failed to schedule payout retry: %w", err)
	}

	return &PayoutGatewayError{Kind: record.Kind, Err: gatewayErr}
}

// ProcessDue re-attempts every payout whose retry window has arrived.
// Returns the number of payouts that completed this pass.
func (s *PayoutService) ProcessDue() (int, error) {
	var due []models.PayoutRecord
	err := s.db.
		Where("status IN ? AND next_attempt_at <= ?",
			[]models.PayoutStatus{models.PayoutStatusPending, models.PayoutStatusPendingRetry}, s.now()).
		Order("next_attempt_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due payouts: %w", err)
	}

	completed := 0
	for _, record := range due {
		if err := s.Execute(record.ID); err != nil {
			continue
		}
		completed++
	}

	return completed, nil
}
