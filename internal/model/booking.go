package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus is the authoritative state of a booking.
type BookingStatus string

const (
	BookingPending         BookingStatus = "PENDING"
	BookingAwaitingPayment BookingStatus = "AWAITING_PAYMENT"
	BookingConfirmed       BookingStatus = "CONFIRMED"
	BookingFailed          BookingStatus = "FAILED"
	BookingExpired         BookingStatus = "EXPIRED"
	BookingCancelled       BookingStatus = "CANCELLED"
	BookingRefundRequested BookingStatus = "REFUND_REQUESTED"
	BookingRefunded        BookingStatus = "REFUNDED"
)

// bookingTransitions lists the legal next states for every state.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:         {BookingAwaitingPayment, BookingCancelled},
	BookingAwaitingPayment: {BookingConfirmed, BookingFailed, BookingExpired, BookingCancelled},
	BookingConfirmed:       {BookingRefundRequested},
	BookingRefundRequested: {BookingRefunded},
}

// CanTransition reports whether a booking may move from s to next.
func (s BookingStatus) CanTransition(next BookingStatus) bool {
	for _, st := range bookingTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// Settled reports whether the booking can no longer be paid for.
func (s BookingStatus) Settled() bool {
	return s != BookingPending && s != BookingAwaitingPayment
}

// Booking is a payment-backed claim on one or more seats of a trip.
//
// Fields:
//  ID             – primary key identifier.
//  Code           – external-facing booking code, unique.
//  CustomerID     – customer who placed the booking.
//  TripID         – trip being booked.
//  IdempotencyKey – client token; (customer, key) is unique.
//  ReservationID  – seat lock reservation backing the booking.
//  Status         – state machine value.
//  Quantity       – number of seats.
//  TotalAmount    – final price taken from the pricing snapshot.
//  BookedAt       – creation timestamp.
//  ExpiresAt      – payment deadline, equal to the lock expiry.
//  Version        – optimistic concurrency counter.
//  UpdatedAt      – last update timestamp.
type Booking struct {
	ID             uint64          `json:"id"`             // bookings.id
	Code           string          `json:"bookingCode"`    // bookings.booking_code
	CustomerID     uint64          `json:"customerId"`     // bookings.customer_id
	TripID         uint64          `json:"tripId"`         // bookings.trip_id
	IdempotencyKey string          `json:"idempotencyKey"` // bookings.idempotency_key
	ReservationID  string          `json:"reservationId"`  // bookings.reservation_id
	Status         BookingStatus   `json:"status"`         // bookings.status
	Quantity       int             `json:"quantity"`       // bookings.quantity
	TotalAmount    decimal.Decimal `json:"totalAmount"`    // bookings.total_amount
	BookedAt       time.Time       `json:"bookedAt"`       // bookings.booked_at
	ExpiresAt      time.Time       `json:"expiresAt"`      // bookings.expires_at
	Version        int             `json:"version"`        // bookings.version
	UpdatedAt      time.Time       `json:"updatedAt"`      // bookings.updated_at

	Seats    []BookingSeat       `json:"seats,omitempty"`
	Snapshot *PricingSnapshot    `json:"pricing,omitempty"`
	Payment  *PaymentTransaction `json:"payment,omitempty"`
}

// SeatIDs returns the trip seat ids of the booking in seat index order.
func (b Booking) SeatIDs() []uint64 {
	ids := make([]uint64, 0, len(b.Seats))
	for _, s := range b.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}

// BookingSeat is one seat line of a booking.  SeatIndex is 1-based and
// follows ascending seat id order; ticket codes are derived from it.
type BookingSeat struct {
	BookingID uint64          `json:"-"`         // booking_seats.booking_id
	SeatID    uint64          `json:"seatId"`    // booking_seats.seat_id
	SeatNo    string          `json:"seatNo"`    // booking_seats.seat_no
	SeatIndex int             `json:"seatIndex"` // booking_seats.seat_index
	Price     decimal.Decimal `json:"price"`     // booking_seats.price
}
