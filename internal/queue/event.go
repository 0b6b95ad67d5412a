// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// BookingEvent is published for every booking state change that downstream
// consumers (notifications, analytics, audit) care about.  It carries
// enough information to act without querying the primary database.
type BookingEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	BookingID   uint64    `json:"booking_id"`
	BookingCode string    `json:"booking_code"`
	CustomerID  uint64    `json:"customer_id"`
	TripID      uint64    `json:"trip_id"`
	Status      string    `json:"status"`
	SeatIDs     []uint64  `json:"seat_ids"`
	TotalAmount string    `json:"total_amount"`
	Tickets     []string  `json:"tickets,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
