// internal/services/errors.go
package services

import (
	"errors"
	"fmt"

	"github.com/lenspark/escrow-backend/internal/models"
)

var (
	// ErrNotFound is returned when no escrow exists for the given ID.
	ErrNotFound = errors.New("escrow not found")

	// ErrRaceLost signals that a conditional write matched zero rows because
	// another actor transitioned the escrow first. Callers treat it as a
	// no-op, never as a user-facing failure.
	ErrRaceLost = errors.New("conditional write lost to a concurrent transition")
)

// ErrorCodeMaxRevisionsExceeded is reported alongside a successful release
// when a rejection was converted into an auto-approval because the revision
// ceiling was already reached.
const ErrorCodeMaxRevisionsExceeded = "MAX_REVISIONS_EXCEEDED"

// ValidationError reports invalid caller input. No state was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// StateConflictError reports an operation attempted against an escrow that
// is not in the required state. Retryable after the caller refreshes.
type StateConflictError struct {
	Operation string
	Current   models.EscrowStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s an escrow in status %q", e.Operation, e.Current)
}

// PayoutGatewayError wraps a failure from the external payment capability.
// It is internal to the payout executor and never reaches API callers.
type PayoutGatewayError struct {
	Kind models.PayoutKind
	Err  error
}

func (e *PayoutGatewayError) Error() string {
	return fmt.Sprintf("payout gateway %s failed: %v", e.Kind, e.Err)
}

func (e *PayoutGatewayError) Unwrap() error {
	return e.Err
}
