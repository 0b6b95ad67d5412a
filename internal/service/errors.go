package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Conflict errors are returned to the caller and never retried here.
var (
	ErrSeatConflict        = errors.New("seat already held or sold")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different seats")
	ErrPromotionExhausted  = errors.New("promotion usage limit reached")
)

// Validation errors are raised before any lock is taken.
var (
	ErrValidation   = errors.New("validation failed")
	ErrTripNotFound = errors.New("trip not found")
	ErrSeatNotFound = errors.New("seat not found on trip")
)

// State errors.
var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrInvalidTransition   = errors.New("invalid booking state transition")
	ErrTicketNotFound      = errors.New("ticket not found")
)

// Unreconciled webhook errors are recorded with processing status ERROR.
var (
	ErrUnparsablePayload  = errors.New("unparsable webhook payload")
	ErrUnknownProvider    = errors.New("unknown payment provider")
	ErrUnknownTransaction = errors.New("unknown transaction id")
	ErrAmountMismatch     = errors.New("webhook amount does not match transaction")
	ErrSettledBooking     = errors.New("payment for already settled booking")
	ErrSeatsLapsed        = errors.New("seat locks lapsed before payment")
)

// ErrGateway wraps failures of outbound gateway calls that survived retries.
var ErrGateway = errors.New("payment gateway error")

// errStaleBooking signals a lost version race; the caller re-reads and
// decides again.
var errStaleBooking = errors.New("booking changed concurrently")

// SeatConflictError lists the seats that could not be locked.
type SeatConflictError struct {
	TripID  uint64
	SeatIDs []uint64
}

func (e *SeatConflictError) Error() string {
	ids := make([]string, 0, len(e.SeatIDs))
	for _, id := range e.SeatIDs {
		ids = append(ids, strconv.FormatUint(id, 10))
	}
	return fmt.Sprintf("trip %d: seats [%s] unavailable", e.TripID, strings.Join(ids, ","))
}

// Unwrap lets callers match ErrSeatConflict with errors.Is.
func (e *SeatConflictError) Unwrap() error { return ErrSeatConflict }

// validationf wraps ErrValidation with a message.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
