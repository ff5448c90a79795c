package emergency

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates an unknown emergency or contact.
	ErrNotFound = errors.New("emergency not found")
	// ErrInvalidState indicates an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid emergency state")
	// ErrConflict indicates the user already has a non-terminal emergency.
	ErrConflict = errors.New("user already has an active emergency")
	// ErrValidation indicates malformed input rejected before delegation.
	ErrValidation = errors.New("invalid input")
	// ErrStaleVersion indicates a lost optimistic-concurrency race.
	// Callers retry against freshly observed state.
	ErrStaleVersion = errors.New("stale emergency version")
	// ErrChannelDelivery indicates a transient channel failure.
	// It is retried internally and never surfaced to API callers.
	ErrChannelDelivery = errors.New("channel delivery failed")
	// ErrAllChannelsExhausted indicates every channel for a contact failed
	// terminally. Surfaced only as an operational event.
	ErrAllChannelsExhausted = errors.New("all notification channels exhausted")
)

// ConflictError carries the id of the already-active emergency so the API
// can return it to the caller alongside the 409.
type ConflictError struct {
	// ExistingID is the user's current non-terminal emergency.
	ExistingID uuid.UUID
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("user already has an active emergency %s", e.ExistingID)
}

// Unwrap makes the error match ErrConflict via errors.Is.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidStateError reports the state that made a transition illegal.
type InvalidStateError struct {
	// Status is the state the emergency was in.
	Status Status
	// Operation names the rejected operation.
	Operation string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is not legal while emergency is %s", e.Operation, e.Status)
}

// Unwrap makes the error match ErrInvalidState via errors.Is.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
