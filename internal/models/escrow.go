// internal/models/escrow.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowRecord is the authoritative state machine for one photo purchase.
// Rows are never deleted; released/refunded are final.
type EscrowRecord struct {
	BaseModel
	BuyerID           uuid.UUID    `json:"buyer_id" gorm:"type:uuid;not null;index"`
	PhotographerID    uuid.UUID    `json:"photographer_id" gorm:"type:uuid;not null;index"`
	Status            EscrowStatus `json:"status" gorm:"type:varchar(30);not null;default:'pending_payment';index"`
	AmountTotal       int64        `json:"amount_total" gorm:"not null"`
	PlatformFee       int64        `json:"platform_fee" gorm:"not null"`
	PhotographerShare int64        `json:"photographer_share" gorm:"not null"`
	RevisionCount     int          `json:"revision_count" gorm:"not null;default:0"`
	MaxRevisions      int          `json:"max_revisions" gorm:"not null"`

	// Non-null exactly while status == waiting_confirmation.
	ConfirmationDeadline *time.Time `json:"confirmation_deadline" gorm:"index"`
	ReleasedAt           *time.Time `json:"released_at"`
	RefundedAt           *time.Time `json:"refunded_at"`

	CurrentDeliveryID *uuid.UUID `json:"current_delivery_id" gorm:"type:uuid"`
	PaymentReference  string     `json:"payment_reference" gorm:"size:255"`

	// Optimistic-concurrency token; every conditional write bumps it.
	LockVersion int64 `json:"-" gorm:"not null;default:0"`

	CurrentDelivery *DeliveryVersion `json:"current_delivery,omitempty" gorm:"foreignKey:CurrentDeliveryID"`
}

func (EscrowRecord) TableName() string {
	return "escrow_records"
}

func (e *EscrowRecord) BeforeCreate(tx *gorm.DB) error {
	e.AssignID()
	return nil
}

// DeliveryVersion is one upload attempt, append-only, 1-based and strictly
// increasing per escrow.
type DeliveryVersion struct {
	BaseModel
	EscrowID          uuid.UUID      `json:"escrow_id" gorm:"type:uuid;not null;index:idx_delivery_escrow_version,unique"`
	Version           int            `json:"version" gorm:"not null;index:idx_delivery_escrow_version,unique"`
	Status            DeliveryStatus `json:"status" gorm:"type:varchar(20);not null;default:'uploaded'"`
	FileDescriptor    string         `json:"file_descriptor" gorm:"size:512;not null"`
	PhotographerNotes string         `json:"photographer_notes,omitempty" gorm:"type:text"`
	RejectionReason   string         `json:"rejection_reason,omitempty" gorm:"type:text"`
	UploadedAt        *time.Time     `json:"uploaded_at"`
	ConfirmedAt       *time.Time     `json:"confirmed_at"`
	RejectedAt        *time.Time     `json:"rejected_at"`
}

func (DeliveryVersion) TableName() string {
	return "delivery_versions"
}

func (d *DeliveryVersion) BeforeCreate(tx *gorm.DB) error {
	d.AssignID()
	return nil
}

// HistoryEntry is the append-only audit trail of escrow transitions.
type HistoryEntry struct {
	BaseModel
	EscrowID    uuid.UUID    `json:"escrow_id" gorm:"type:uuid;not null;index"`
	FromStatus  EscrowStatus `json:"from_status" gorm:"type:varchar(30);not null"`
	ToStatus    EscrowStatus `json:"to_status" gorm:"type:varchar(30);not null"`
	Actor       Actor        `json:"actor" gorm:"type:varchar(20);not null"`
	Description string       `json:"description" gorm:"type:text"`
	OccurredAt  time.Time    `json:"occurred_at" gorm:"not null;index"`
}

func (HistoryEntry) TableName() string {
	return "history_entries"
}

func (h *HistoryEntry) BeforeCreate(tx *gorm.DB) error {
	h.AssignID()
	return nil
}

// PayoutRecord tracks one gateway money movement per terminal transition.
// IdempotencyKey is unique, so inserting it in the same transaction as the
// terminal state change makes "exactly one payout per escrow" a database
// constraint rather than a convention.
type PayoutRecord struct {
	BaseModel
	EscrowID         uuid.UUID    `json:"escrow_id" gorm:"type:uuid;not null;index"`
	IdempotencyKey   string       `json:"idempotency_key" gorm:"size:128;not null;uniqueIndex"`
	Kind             PayoutKind   `json:"kind" gorm:"type:varchar(20);not null"`
	AmountCents      int64        `json:"amount_cents" gorm:"not null"`
	Status           PayoutStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Attempts         int          `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at" gorm:"index"`
	GatewayReference string       `json:"gateway_reference" gorm:"size:255"`
	LastError        string       `json:"last_error,omitempty" gorm:"type:text"`
}

func (PayoutRecord) TableName() string {
	return "payout_records"
}

func (p *PayoutRecord) BeforeCreate(tx *gorm.DB) error {
	p.AssignID()
	return nil
}
