package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/model"
)

// OutboxReader reads and acknowledges outbox events.
type OutboxReader interface {
	ListUnpublished(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
}

// EventPublisher delivers one event to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, messageID string, body []byte) error
}

// OutboxPublisher drains the outbox to the broker.  Delivery is at least
// once: an event whose acknowledgement fails is published again on the
// next drain.
type OutboxPublisher struct {
	store  OutboxReader
	pub    EventPublisher
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewOutboxPublisher builds an OutboxPublisher.
func NewOutboxPublisher(store OutboxReader, pub EventPublisher, opts ...Option) *OutboxPublisher {
	o := buildOptions(opts)
	return &OutboxPublisher{store: store, pub: pub, clock: o.clock, logger: o.logger}
}

// Drain publishes up to batch events in creation order and stops at the
// first failure so that events of one booking are not reordered.
func (p *OutboxPublisher) Drain(ctx context.Context, batch int) (int, error) {
	events, err := p.store.ListUnpublished(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range events {
		if err := p.pub.Publish(ctx, e.EventType, e.ID, e.Payload); err != nil {
			return sent, err
		}
		if err := p.store.MarkPublished(ctx, e.ID, p.clock.Now()); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		p.logger.WithField("events", sent).Debug("outbox drained")
	}
	return sent, nil
}
