// internal/models/common.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssignID sets the primary key client-side (from the BeforeCreate hooks)
// so the same models run on postgres and the in-memory sqlite used in tests.
func (b *BaseModel) AssignID() {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
}

// Enums
type EscrowStatus string

const (
	EscrowStatusPendingPayment      EscrowStatus = "pending_payment"
	EscrowStatusHeld                EscrowStatus = "held"
	EscrowStatusWaitingConfirmation EscrowStatus = "waiting_confirmation"
	EscrowStatusRevisionRequested   EscrowStatus = "revision_requested"
	EscrowStatusReleased            EscrowStatus = "released"
	EscrowStatusRefunded            EscrowStatus = "refunded"
)

// Terminal reports whether the status admits no further transitions.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded
}

type DeliveryStatus string

const (
	DeliveryStatusUploaded  DeliveryStatus = "uploaded"
	DeliveryStatusConfirmed DeliveryStatus = "confirmed"
	DeliveryStatusRejected  DeliveryStatus = "rejected"
)

type Actor string

const (
	ActorBuyer        Actor = "buyer"
	ActorPhotographer Actor = "photographer"
	ActorSystem       Actor = "system"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

type PayoutKind string

const (
	PayoutKindRelease PayoutKind = "release"
	PayoutKindRefund  PayoutKind = "refund"
)

type PayoutStatus string

const (
	PayoutStatusPending      PayoutStatus = "pending"
	PayoutStatusPendingRetry PayoutStatus = "pending_retry"
	PayoutStatusCompleted    PayoutStatus = "completed"
	PayoutStatusFailed       PayoutStatus = "failed"
)

// Urgency is a read-model classification of how close a waiting escrow is
// to its confirmation deadline. It is never persisted.
type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyWarning Urgency = "warning"
	UrgencyUrgent  Urgency = "urgent"
)
