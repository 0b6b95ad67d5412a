package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticket is issued once per seat of a confirmed booking.  Only CheckedIn
// changes after creation.
//
// Fields:
//  ID          – primary key identifier.
//  BookingID   – owning booking.
//  SeatIndex   – 1-based seat position inside the booking.
//  TicketCode  – booking code plus seat index; unique.
//  QRCode      – signed payload encoded into the QR image.
//  Price       – seat price.
//  TimeFrom    – trip departure.
//  TimeTo      – trip arrival.
//  CheckedIn   – set exactly once by check-in.
//  TripID      – trip travelled.
//  RouteID     – route of the trip.
//  TripSeatID  – seat occupied.
type Ticket struct {
	ID          uint64          `json:"-"`           // tickets.id
	BookingID   uint64          `json:"-"`           // tickets.booking_id
	SeatIndex   int             `json:"seatIndex"`   // tickets.seat_index
	TicketCode  string          `json:"ticketCode"`  // tickets.ticket_code
	QRCode      string          `json:"qrCode"`      // tickets.qr_code
	Price       decimal.Decimal `json:"price"`       // tickets.price
	TimeFrom    time.Time       `json:"timeFrom"`    // tickets.time_from
	TimeTo      time.Time       `json:"timeTo"`      // tickets.time_to
	CheckedIn   bool            `json:"checkedIn"`   // tickets.checked_in
	CheckedInAt *time.Time      `json:"checkedInAt"` // tickets.checked_in_at
	TripID      uint64          `json:"tripId"`      // tickets.trip_id
	RouteID     uint64          `json:"routeId"`     // tickets.route_id
	TripSeatID  uint64          `json:"tripSeatId"`  // tickets.trip_seat_id
}

// CheckInResult is the outcome of a check-in attempt.
type CheckInResult string

const (
	CheckInOK               CheckInResult = "ok"
	CheckInAlreadyCheckedIn CheckInResult = "already-checked-in"
	CheckInNotFound         CheckInResult = "not-found"
)
