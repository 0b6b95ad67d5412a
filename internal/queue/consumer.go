package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// StartBookingEventConsumer connects to RabbitMQ, declares the booking
// events queue (durable) and writes one audit log line per event.  It
// reconnects with exponential backoff until ctx is cancelled, and only
// then returns.  Messages that cannot be decoded are rejected without
// requeue so a poison message cannot stall the queue.
func StartBookingEventConsumer(ctx context.Context, url, queue string, logger logrus.FieldLogger) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.WithFields(logrus.Fields{"error": err.Error(), "retry_in": backoff.String()}).Warn("booking-consumer: failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, queue, logger)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithField("error", err.Error()).Warn("booking-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, logger logrus.FieldLogger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.WithField("error", err.Error()).Warn("booking-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(d.Body, logger); err != nil {
				logger.WithField("error", err.Error()).Error("booking-consumer: handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(body []byte, logger logrus.FieldLogger) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" || ev.BookingCode == "" {
		return errors.New("event without type or booking code")
	}
	fields := logrus.Fields{
		"event_id":     ev.EventID,
		"event":        ev.Type,
		"booking_code": ev.BookingCode,
		"customer_id":  ev.CustomerID,
		"trip_id":      ev.TripID,
		"status":       ev.Status,
		"total":        ev.TotalAmount,
		"occurred_at":  ev.OccurredAt.Format(time.RFC3339),
	}
	if len(ev.Tickets) > 0 {
		fields["tickets"] = strings.Join(ev.Tickets, ",")
	}
	logger.WithFields(fields).Info("booking event")
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
