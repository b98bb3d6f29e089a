// internal/services/escrow_service.go
package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/models"
	"github.com/lenspark/escrow-backend/internal/utils"
)

// allowedTransitions is the closed transition table of the escrow state
// machine. Anything not listed here is rejected with StateConflictError.
var allowedTransitions = map[models.EscrowStatus]map[models.EscrowStatus]bool{
	models.EscrowStatusPendingPayment: {
		models.EscrowStatusHeld: true,
	},
	models.EscrowStatusHeld: {
		models.EscrowStatusWaitingConfirmation: true,
		models.EscrowStatusRefunded:            true,
	},
	models.EscrowStatusWaitingConfirmation: {
		models.EscrowStatusReleased:          true,
		models.EscrowStatusRevisionRequested: true,
		models.EscrowStatusRefunded:          true,
	},
	models.EscrowStatusRevisionRequested: {
		models.EscrowStatusWaitingConfirmation: true,
		models.EscrowStatusRefunded:            true,
	},
}

func canTransition(from, to models.EscrowStatus) bool {
	return allowedTransitions[from][to]
}

type EscrowService struct {
	db      *gorm.DB
	config  *config.Config
	gateway PaymentGateway
	payouts *PayoutService
	storage *StorageService

	// overridable time source for deadline tests
	nowFunc func() time.Time
}

func NewEscrowService(db *gorm.DB, cfg *config.Config, gateway PaymentGateway, payouts *PayoutService, storage *StorageService) *EscrowService {
	return &EscrowService{
		db:      db,
		config:  cfg,
		gateway: gateway,
		payouts: payouts,
		storage: storage,
		nowFunc: time.Now,
	}
}

func (s *EscrowService) now() time.Time {
	return s.nowFunc().UTC()
}

type CreateEscrowRequest struct {
	BuyerID        uuid.UUID `json:"buyer_id" validate:"required"`
	PhotographerID uuid.UUID `json:"photographer_id" validate:"required"`
	AmountTotal    int64     `json:"amount_total" validate:"required,min=1"`
	PlatformFee    *int64    `json:"platform_fee,omitempty"`
	MaxRevisions   *int      `json:"max_revisions,omitempty" validate:"omitempty,min=0"`
}

type UploadDeliveryRequest struct {
	FileDescriptor    string `json:"file_descriptor" validate:"required"`
	PhotographerNotes string `json:"photographer_notes,omitempty"`
}

type UploadDeliveryResult struct {
	Version int                 `json:"version"`
	Status  models.EscrowStatus `json:"status"`
}

// EscrowView is the read model returned by GetEscrow: the record, its
// current delivery with a resolved preview URL, and the deadline urgency.
type EscrowView struct {
	models.EscrowRecord
	Urgency        models.Urgency `json:"urgency,omitempty"`
	HoursRemaining *float64       `json:"hours_remaining,omitempty"`
	PreviewURL     string         `json:"preview_url,omitempty"`
}

// CreateEscrow captures the buyer's payment and opens the escrow. The
// record is born HELD; the pending_payment state exists only for the
// duration of the gateway capture, which shares the record's ID as its
// idempotency key so a retried create cannot double-charge.
func (s *EscrowService) CreateEscrow(req *CreateEscrowRequest) (*models.EscrowRecord, error) {
	fee := int64(float64(req.AmountTotal) * s.config.Payment.PlatformFeePercent / 100.0)
	if req.PlatformFee != nil {
		fee = *req.PlatformFee
	}
	if fee < 0 || fee > req.AmountTotal {
		return nil, &ValidationError{Field: "platform_fee", Message: "must be between 0 and amount_total"}
	}

	maxRevisions := s.config.Escrow.DefaultMaxRevisions
	if req.MaxRevisions != nil {
		maxRevisions = *req.MaxRevisions
	}

	escrow := &models.EscrowRecord{
		BaseModel:         models.BaseModel{ID: uuid.New()},
		BuyerID:           req.BuyerID,
		PhotographerID:    req.PhotographerID,
		Status:            models.EscrowStatusHeld,
		AmountTotal:       req.AmountTotal,
		PlatformFee:       fee,
		PhotographerShare: req.AmountTotal - fee,
		MaxRevisions:      maxRevisions,
	}

	ref, err := s.gateway.Capture(req.AmountTotal, "capture:"+escrow.ID.String(), map[string]string{
		"escrow_id": escrow.ID.String(),
		"buyer_id":  req.BuyerID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("payment capture failed: %w", err)
	}
	escrow.PaymentReference = ref

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(escrow).Error; err != nil {
			return fmt.Errorf("failed to create escrow: %w", err)
		}

		return s.appendHistory(tx, escrow.ID, models.EscrowStatusPendingPayment,
			models.EscrowStatusHeld, models.ActorBuyer, "payment captured, funds held")
	})
	if err != nil {
		return nil, err
	}

	return escrow, nil
}

// UploadDelivery registers one delivery attempt and moves the escrow to
// WAITING_CONFIRMATION with a fresh deadline. Versions are strictly
// increasing per escrow; concurrent uploads lose on either the unique
// (escrow_id, version) index or the escrow's lock version.
func (s *EscrowService) UploadDelivery(escrowID uuid.UUID, req *UploadDeliveryRequest) (*UploadDeliveryResult, error) {
	var result *UploadDeliveryResult

	err := s.db.Transaction(func(tx *gorm.DB) error {
		escrow, err := s.fetchEscrow(tx, escrowID)
		if err != nil {
			return err
		}

		if escrow.Status != models.EscrowStatusHeld && escrow.Status != models.EscrowStatusRevisionRequested {
			return &StateConflictError{Operation: "upload a delivery for", Current: escrow.Status}
		}

		var lastVersion int
		if err := tx.Model(&models.DeliveryVersion{}).
			Where("escrow_id = ?", escrowID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&lastVersion).Error; err != nil {
			return fmt.Errorf("failed to resolve delivery version: %w", err)
		}

		now := s.now()
		delivery := &models.DeliveryVersion{
			EscrowID:          escrowID,
			Version:           lastVersion + 1,
			Status:            models.DeliveryStatusUploaded,
			FileDescriptor:    req.FileDescriptor,
			PhotographerNotes: req.PhotographerNotes,
			UploadedAt:        &now,
		}
		if err := tx.Create(delivery).Error; err != nil {
			if isUniqueViolation(err) {
				return &StateConflictError{Operation: "upload a concurrent delivery for", Current: escrow.Status}
			}
			return fmt.Errorf("failed to create delivery version: %w", err)
		}

		deadline := now.Add(s.config.Escrow.ConfirmationTTL())
		err = s.conditionalUpdate(tx, escrow, map[string]interface{}{
			"status":                models.EscrowStatusWaitingConfirmation,
			"confirmation_deadline": deadline,
			"current_delivery_id":   delivery.ID,
		})
		if errors.Is(err, ErrRaceLost) {
			return &StateConflictError{Operation: "upload a concurrent delivery for", Current: escrow.Status}
		}
		if err != nil {
			return err
		}

		if err := s.appendHistory(tx, escrowID, escrow.Status, models.EscrowStatusWaitingConfirmation,
			models.ActorPhotographer, fmt.Sprintf("delivery v%d uploaded", delivery.Version)); err != nil {
			return err
		}

		result = &UploadDeliveryResult{
			Version: delivery.Version,
			Status:  models.EscrowStatusWaitingConfirmation,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Refund handles the external dispute/cancellation event: any non-terminal
// escrow that has left pending_payment can be refunded in full.
func (s *EscrowService) Refund(escrowID uuid.UUID, reason string) (*models.EscrowRecord, error) {
	var escrow *models.EscrowRecord
	var payout *models.PayoutRecord

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		escrow, err = s.fetchEscrow(tx, escrowID)
		if err != nil {
			return err
		}

		if !canTransition(escrow.Status, models.EscrowStatusRefunded) {
			return &StateConflictError{Operation: "refund", Current: escrow.Status}
		}

		now := s.now()
		err = s.conditionalUpdate(tx, escrow, map[string]interface{}{
			"status":                models.EscrowStatusRefunded,
			"confirmation_deadline": nil,
			"refunded_at":           now,
		})
		if errors.Is(err, ErrRaceLost) {
			return &StateConflictError{Operation: "refund", Current: escrow.Status}
		}
		if err != nil {
			return err
		}

		description := "escrow refunded"
		if reason != "" {
			description = "escrow refunded: " + reason
		}
		if err := s.appendHistory(tx, escrowID, escrow.Status, models.EscrowStatusRefunded,
			models.ActorSystem, description); err != nil {
			return err
		}

		payout, err = s.payouts.Enqueue(tx, escrow, models.PayoutKindRefund)
		if err != nil {
			return err
		}

		escrow.Status = models.EscrowStatusRefunded
		escrow.ConfirmationDeadline = nil
		escrow.RefundedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.payouts.DispatchAsync(payout.ID)
	return escrow, nil
}

// GetEscrow is a pure query: the record, its current delivery version with
// a resolved preview URL, and the deadline urgency classification.
func (s *EscrowService) GetEscrow(escrowID uuid.UUID) (*EscrowView, error) {
	var escrow models.EscrowRecord
	err := s.db.Preload("CurrentDelivery").First(&escrow, "id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow: %w", err)
	}

	view := &EscrowView{EscrowRecord: escrow}

	if escrow.Status == models.EscrowStatusWaitingConfirmation && escrow.ConfirmationDeadline != nil {
		remaining := escrow.ConfirmationDeadline.Sub(s.now()).Hours()
		view.HoursRemaining = &remaining
		view.Urgency = s.ClassifyUrgency(remaining)
	}

	if escrow.CurrentDelivery != nil && s.storage != nil {
		if url, err := s.storage.ResolvePreviewURL(escrow.CurrentDelivery.FileDescriptor); err == nil {
			view.PreviewURL = url
		}
	}

	return view, nil
}

// ClassifyUrgency buckets the remaining confirmation window for UI badges.
// Not part of the state machine; thresholds are configuration.
func (s *EscrowService) ClassifyUrgency(hoursRemaining float64) models.Urgency {
	switch {
	case hoursRemaining < float64(s.config.Escrow.UrgentThresholdHours):
		return models.UrgencyUrgent
	case hoursRemaining < float64(s.config.Escrow.WarningThresholdHours):
		return models.UrgencyWarning
	default:
		return models.UrgencyNormal
	}
}

// GetHistory returns the escrow's audit trail, oldest first.
func (s *EscrowService) GetHistory(escrowID uuid.UUID, params utils.PaginationParams) ([]models.HistoryEntry, int64, error) {
	if err := s.db.First(&models.EscrowRecord{}, "id = ?", escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to fetch escrow: %w", err)
	}

	query := s.db.Model(&models.HistoryEntry{}).Where("escrow_id = ?", escrowID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count history entries: %w", err)
	}

	var entries []models.HistoryEntry
	if err := utils.ApplyPagination(query, params).
		Order("occurred_at ASC, created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch history: %w", err)
	}

	return entries, total, nil
}

// ListEscrows is a read-model convenience for dashboards.
func (s *EscrowService) ListEscrows(status string, params utils.PaginationParams) ([]models.EscrowRecord, int64, error) {
	query := s.db.Model(&models.EscrowRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count escrows: %w", err)
	}

	var escrows []models.EscrowRecord
	query = utils.ApplySort(query, params, []string{"created_at", "status", "confirmation_deadline"})
	if err := utils.ApplyPagination(query, params).Find(&escrows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch escrows: %w", err)
	}

	return escrows, total, nil
}

// releaseTx performs the terminal RELEASED transition inside tx: the
// conditional status write, the history entry, and the payout enqueue all
// commit or roll back together. Returns ErrRaceLost when another actor
// already moved the escrow.
func (s *EscrowService) releaseTx(tx *gorm.DB, escrow *models.EscrowRecord, actor models.Actor, description string) (*models.PayoutRecord, error) {
	if !canTransition(escrow.Status, models.EscrowStatusReleased) {
		return nil, &StateConflictError{Operation: "release", Current: escrow.Status}
	}

	now := s.now()
	err := s.conditionalUpdate(tx, escrow, map[string]interface{}{
		"status":                models.EscrowStatusReleased,
		"confirmation_deadline": nil,
		"released_at":           now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.appendHistory(tx, escrow.ID, escrow.Status, models.EscrowStatusReleased, actor, description); err != nil {
		return nil, err
	}

	payout, err := s.payouts.Enqueue(tx, escrow, models.PayoutKindRelease)
	if err != nil {
		return nil, err
	}

	escrow.Status = models.EscrowStatusReleased
	escrow.ConfirmationDeadline = nil
	escrow.ReleasedAt = &now
	return payout, nil
}

// AutoReleaseTx is the sweeper's entry point into the terminal transition:
// same conditional write, history actor system.
func (s *EscrowService) AutoReleaseTx(tx *gorm.DB, escrow *models.EscrowRecord) (*models.PayoutRecord, error) {
	return s.releaseTx(tx, escrow, models.ActorSystem, "auto-released on deadline")
}

// conditionalUpdate applies updates guarded by the escrow's current status
// and lock version. Zero affected rows means another actor won the race.
func (s *EscrowService) conditionalUpdate(tx *gorm.DB, escrow *models.EscrowRecord, updates map[string]interface{}) error {
	updates["lock_version"] = escrow.LockVersion + 1
	updates["updated_at"] = s.now()

	res := tx.Model(&models.EscrowRecord{}).
		Where("id = ? AND status = ? AND lock_version = ?", escrow.ID, escrow.Status, escrow.LockVersion).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update escrow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRaceLost
	}

	escrow.LockVersion++
	return nil
}

func (s *EscrowService) appendHistory(tx *gorm.DB, escrowID uuid.UUID, from, to models.EscrowStatus, actor models.Actor, description string) error {
	entry := &models.HistoryEntry{
		EscrowID:    escrowID,
		FromStatus:  from,
		ToStatus:    to,
		Actor:       actor,
		Description: description,
		OccurredAt:  s.now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *EscrowService) fetchEscrow(tx *gorm.DB, escrowID uuid.UUID) (*models.EscrowRecord, error) {
	var escrow models.EscrowRecord
	err := tx.First(&escrow, "id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow: %w", err)
	}
	return &escrow, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
