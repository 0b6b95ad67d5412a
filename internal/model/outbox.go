package model

import "time"

// Booking event types appended to the outbox.
const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingFailed    = "booking.failed"
	EventBookingExpired   = "booking.expired"
	EventBookingCancelled = "booking.cancelled"
	EventBookingRefunded  = "booking.refunded"
)

// OutboxEvent is a domain event written in the same transaction as the state
// change it describes and published later.
type OutboxEvent struct {
	ID          string     // outbox_events.id
	AggregateID string     // outbox_events.aggregate_id (booking code)
	EventType   string     // outbox_events.event_type
	Payload     []byte     // outbox_events.payload
	CreatedAt   time.Time  // outbox_events.created_at
	PublishedAt *time.Time // outbox_events.published_at
}
