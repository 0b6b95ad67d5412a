package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// Ack is the answer to a webhook delivery.  Processing failures are
// reported here and in the webhook log, never as an HTTP error.
type Ack struct {
	Received      bool                   `json:"received"`
	Duplicate     bool                   `json:"duplicate,omitempty"`
	Status        model.ProcessingStatus `json:"status,omitempty"`
	TransactionID string                 `json:"transactionId,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// RefundInput is a refund request for a booking.
type RefundInput struct {
	Amount          decimal.Decimal
	Reason          string
	TransactionType string
}

// PaymentReconciler applies gateway notifications to bookings and requests
// refunds.
type PaymentReconciler struct {
	bookings BookingStore
	payments PaymentStore
	outbox   OutboxStore
	locks    *SeatLockManager
	tickets  *TicketIssuer
	gateways *gateway.Registry

	clock  clock.Clock
	logger logrus.FieldLogger
	retry  RetryPolicy
}

// NewPaymentReconciler wires the reconciler.
func NewPaymentReconciler(
	bookings BookingStore,
	payments PaymentStore,
	outbox OutboxStore,
	locks *SeatLockManager,
	tickets *TicketIssuer,
	gateways *gateway.Registry,
	opts ...Option,
) *PaymentReconciler {
	o := buildOptions(opts)
	if gateways == nil {
		gateways = gateway.NewRegistry()
	}
	return &PaymentReconciler{
		bookings: bookings,
		payments: payments,
		outbox:   outbox,
		locks:    locks,
		tickets:  tickets,
		gateways: gateways,
		clock:    o.clock,
		logger:   o.logger,
		retry:    o.retry,
	}
}

// PayloadHash is the replay key of a webhook body.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HandleWebhook records the payload, drops it if the same bytes were seen
// before, and otherwise applies it.  The error is non-nil only when the
// payload cannot be attributed (unknown provider, unparsable or
// unverifiable body) or could not be recorded at all; every other failure
// is stored as ERROR for manual reconciliation and acknowledged.
func (r *PaymentReconciler) HandleWebhook(ctx context.Context, provider string, payload []byte, header http.Header) (Ack, error) {
	provider = strings.ToLower(provider)
	entry, dup, err := r.record(ctx, provider, payload)
	if err != nil || dup {
		return Ack{Received: dup, Duplicate: dup}, err
	}

	p, ok := r.gateways.Provider(provider)
	if !ok {
		return r.unreconciled(ctx, entry, "", ErrUnknownProvider), ErrUnknownProvider
	}
	n, err := p.Parse(payload, header)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUnparsablePayload, err)
		return r.unreconciled(ctx, entry, "", err), err
	}
	return r.reconcile(ctx, entry, n), nil
}

// record stores a payload in the webhook log.  dup is true when the same
// bytes were recorded before.
func (r *PaymentReconciler) record(ctx context.Context, provider string, payload []byte) (*model.PaymentWebhookLog, bool, error) {
	entry := &model.PaymentWebhookLog{
		Provider:         provider,
		PayloadHash:      PayloadHash(payload),
		Payload:          string(payload),
		ReceivedAt:       r.clock.Now(),
		ProcessingStatus: model.WebhookReceived,
	}
	if err := r.payments.InsertWebhookLog(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			r.logger.WithFields(logrus.Fields{
				"provider":     provider,
				"payload_hash": entry.PayloadHash,
			}).Warn("duplicate webhook ignored")
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("record webhook: %w", err)
	}
	return entry, false, nil
}

// reconcile applies a verified notification and stores the outcome on its
// log entry.
func (r *PaymentReconciler) reconcile(ctx context.Context, entry *model.PaymentWebhookLog, n gateway.Notification) Ack {
	if err := r.retry.Do(ctx, func(ctx context.Context) error { return r.apply(ctx, n) }); err != nil {
		return r.unreconciled(ctx, entry, n.TransactionID, err)
	}
	r.finish(ctx, entry, model.WebhookProcessed, n.TransactionID, "")
	r.logger.WithFields(logrus.Fields{
		"provider":       entry.Provider,
		"transaction_id": n.TransactionID,
		"status":         n.Status,
	}).Info("webhook processed")
	return Ack{Received: true, Status: model.WebhookProcessed, TransactionID: n.TransactionID}
}

// PollQuery selects the pending payments PollPending asks about.
type PollQuery struct {
	Method model.PaymentMethod
	MinAge time.Duration // younger payments may still get their webhook
	MaxAge time.Duration
	Limit  int
}

// polledStatus is the log payload recorded for a settled status lookup.
type polledStatus struct {
	TransactionID string         `json:"transactionId"`
	Status        gateway.Status `json:"status"`
	Amount        string         `json:"amount,omitempty"`
	GatewayRef    string         `json:"gatewayRef,omitempty"`
	Note          string         `json:"note,omitempty"`
	PolledAt      time.Time      `json:"polledAt"`
}

// PollPending asks the gateway of q.Method for the state of payments still
// PENDING and applies every settled answer exactly like a webhook, under
// the provider name "<method>-poll".  Answers that are still processing
// are skipped.  It returns the number of answers applied.
func (r *PaymentReconciler) PollPending(ctx context.Context, q PollQuery) (int, error) {
	querier, ok := r.gateways.Querier(q.Method)
	if !ok {
		return 0, fmt.Errorf("%w: no status lookup for %s", gateway.ErrUnsupported, q.Method)
	}
	now := r.clock.Now()
	pending, err := r.payments.ListPendingByMethod(ctx, q.Method, now.Add(-q.MaxAge), now.Add(-q.MinAge), q.Limit)
	if err != nil {
		return 0, err
	}
	provider := strings.ToLower(string(q.Method)) + "-poll"
	applied := 0
	for _, pay := range pending {
		var n gateway.Notification
		err := r.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			n, err = querier.Query(ctx, gateway.QueryRequest{TransactionID: pay.TransactionID, CreatedAt: pay.Time})
			return err
		})
		if err != nil {
			r.logger.WithFields(logrus.Fields{"transaction_id": pay.TransactionID, "error": err.Error()}).Warn("payment status lookup failed")
			continue
		}
		if n.Status == gateway.StatusProcessing {
			continue
		}
		payload, err := json.Marshal(polledStatus{
			TransactionID: n.TransactionID,
			Status:        n.Status,
			Amount:        amountString(n.Amount),
			GatewayRef:    n.GatewayRef,
			Note:          n.Note,
			PolledAt:      r.clock.Now(),
		})
		if err != nil {
			return applied, err
		}
		entry, dup, err := r.record(ctx, provider, payload)
		if err != nil {
			return applied, err
		}
		if dup {
			continue
		}
		if ack := r.reconcile(ctx, entry, n); ack.Status == model.WebhookProcessed {
			applied++
		}
	}
	return applied, nil
}

// WebhookLogs lists the newest webhook log entries, optionally filtered by
// processing status.
func (r *PaymentReconciler) WebhookLogs(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error) {
	switch status {
	case "", model.WebhookReceived, model.WebhookProcessed, model.WebhookError:
	default:
		return nil, validationf("unknown processing status %q", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.payments.ListWebhookLogs(ctx, status, limit)
}

func amountString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}

func (r *PaymentReconciler) unreconciled(ctx context.Context, entry *model.PaymentWebhookLog, txnID string, cause error) Ack {
	r.finish(ctx, entry, model.WebhookError, txnID, cause.Error())
	r.logger.WithFields(logrus.Fields{
		"provider":       entry.Provider,
		"payload_hash":   entry.PayloadHash,
		"transaction_id": txnID,
		"error":          cause.Error(),
	}).Error("webhook needs manual reconciliation")
	return Ack{Received: true, Status: model.WebhookError, TransactionID: txnID, Error: cause.Error()}
}

func (r *PaymentReconciler) finish(ctx context.Context, entry *model.PaymentWebhookLog, status model.ProcessingStatus, txnID, msg string) {
	if err := r.payments.FinishWebhookLog(ctx, entry.ID, status, txnID, msg, r.clock.Now()); err != nil {
		r.logger.WithFields(logrus.Fields{"webhook_log_id": entry.ID, "error": err.Error()}).Error("update webhook log")
	}
}

// apply runs one notification in a single transaction.
func (r *PaymentReconciler) apply(ctx context.Context, n gateway.Notification) error {
	return r.bookings.WithTx(ctx, func(ctx context.Context) error {
		pay, err := r.payments.GetTransactionByTxnID(ctx, n.TransactionID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, n.TransactionID)
		}
		if err != nil {
			return err
		}
		if n.Amount != nil && n.Status != gateway.StatusRefunded && !n.Amount.Equal(pay.Amount) {
			return fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, n.Amount.StringFixed(2), pay.Amount.StringFixed(2))
		}
		b, err := r.bookings.GetByID(ctx, pay.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %d: %w", pay.BookingID, err)
		}
		now := r.clock.Now()
		switch n.Status {
		case gateway.StatusSuccess:
			return r.onSuccess(ctx, b, pay, n, now)
		case gateway.StatusFailure:
			return r.onFailure(ctx, b, pay, n, now)
		case gateway.StatusRefunded:
			return r.markRefunded(ctx, b, n.GatewayRef, now)
		}
		return nil
	})
}

func (r *PaymentReconciler) onSuccess(ctx context.Context, b *model.Booking, pay *model.PaymentTransaction, n gateway.Notification, now time.Time) error {
	switch b.Status {
	case model.BookingAwaitingPayment:
	case model.BookingConfirmed:
		_, err := r.tickets.Issue(ctx, b)
		return err
	case model.BookingRefundRequested, model.BookingRefunded:
		return nil
	default:
		return fmt.Errorf("%w: booking %s is %s", ErrSettledBooking, b.Code, b.Status)
	}

	if err := transitionBooking(ctx, r.bookings, b, model.BookingConfirmed, now); err != nil {
		return err
	}
	if _, err := r.payments.UpdateTransactionStatus(ctx, pay.ID, model.PaymentPending, model.PaymentSucceeded, n.Note, n.GatewayRef, now); err != nil {
		return err
	}
	if err := r.locks.Confirm(ctx, b.ReservationID, b.Quantity); err != nil {
		return err
	}
	tickets, err := r.tickets.Issue(ctx, b)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(tickets))
	for _, t := range tickets {
		codes = append(codes, t.TicketCode)
	}
	r.logger.WithFields(logrus.Fields{"booking_code": b.Code, "tickets": len(codes)}).Info("booking confirmed")
	return appendEvent(ctx, r.outbox, model.EventBookingConfirmed, b, codes, now)
}

func (r *PaymentReconciler) onFailure(ctx context.Context, b *model.Booking, pay *model.PaymentTransaction, n gateway.Notification, now time.Time) error {
	if b.Status != model.BookingAwaitingPayment {
		return nil
	}
	if err := transitionBooking(ctx, r.bookings, b, model.BookingFailed, now); err != nil {
		return err
	}
	if _, err := r.payments.UpdateTransactionStatus(ctx, pay.ID, model.PaymentPending, model.PaymentFailed, n.Note, n.GatewayRef, now); err != nil {
		return err
	}
	if err := r.locks.Release(ctx, b.ReservationID); err != nil && !errors.Is(err, ErrReservationNotFound) {
		return err
	}
	r.logger.WithFields(logrus.Fields{"booking_code": b.Code, "note": n.Note}).Info("booking payment failed")
	return appendEvent(ctx, r.outbox, model.EventBookingFailed, b, nil, now)
}

// markRefunded completes a pending refund.  It runs inside the caller's
// transaction.
func (r *PaymentReconciler) markRefunded(ctx context.Context, b *model.Booking, gatewayRef string, now time.Time) error {
	switch b.Status {
	case model.BookingRefunded:
		return nil
	case model.BookingRefundRequested:
	default:
		return fmt.Errorf("%w: refund for booking in %s", ErrInvalidTransition, b.Status)
	}
	if err := transitionBooking(ctx, r.bookings, b, model.BookingRefunded, now); err != nil {
		return err
	}
	rr, err := r.payments.LatestRefund(ctx, b.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if rr != nil {
		if err := r.payments.UpdateRefund(ctx, rr.ID, model.RefundSucceeded, gatewayRef, now); err != nil {
			return err
		}
	}
	r.logger.WithField("booking_code", b.Code).Info("booking refunded")
	return appendEvent(ctx, r.outbox, model.EventBookingRefunded, b, nil, now)
}

// RequestRefund moves a confirmed booking to REFUND_REQUESTED and asks the
// gateway for the money back.  Repeating a request with the same amount
// returns the booking without calling the gateway again.
func (r *PaymentReconciler) RequestRefund(ctx context.Context, bookingID uint64, in RefundInput) (*model.Booking, error) {
	b, err := r.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.payments.FindRefund(ctx, b.ID, in.Amount); err == nil {
		return b, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if b.Status != model.BookingConfirmed {
		return nil, fmt.Errorf("%w: refund needs a confirmed booking, got %s", ErrInvalidTransition, b.Status)
	}
	if !in.Amount.IsPositive() || in.Amount.GreaterThan(b.TotalAmount) {
		return nil, validationf("amount must be in (0, %s]", b.TotalAmount.StringFixed(2))
	}
	pay, err := r.payments.GetTransactionByBooking(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load payment of %s: %w", b.Code, err)
	}

	var rr *model.RefundRequest
	var duplicate bool
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		duplicate = false
		return r.bookings.WithTx(ctx, func(ctx context.Context) error {
			fresh, err := r.bookings.GetByID(ctx, bookingID)
			if err != nil {
				return err
			}
			now := r.clock.Now()
			rr = &model.RefundRequest{
				BookingID:       fresh.ID,
				Amount:          in.Amount,
				Reason:          in.Reason,
				TransactionType: in.TransactionType,
				Status:          model.RefundRequested,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := r.payments.CreateRefund(ctx, rr); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					duplicate = true
					return nil
				}
				return err
			}
			if err := transitionBooking(ctx, r.bookings, fresh, model.BookingRefundRequested, now); err != nil {
				return err
			}
			b = fresh
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return r.reload(ctx, bookingID)
	}

	refunder, ok := r.gateways.Refunder(pay.Method)
	if !ok {
		r.logger.WithFields(logrus.Fields{"booking_code": b.Code, "method": pay.Method}).Warn("no refund adapter; refund left for manual processing")
		return b, nil
	}
	var result gateway.RefundResult
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = refunder.Refund(ctx, gateway.RefundRequest{
			TransactionID:   pay.TransactionID,
			GatewayRef:      pay.GatewayRef,
			Amount:          in.Amount,
			Reason:          in.Reason,
			TransactionType: in.TransactionType,
			PaidAt:          pay.Time,
		})
		return err
	})
	if err != nil {
		if upErr := r.payments.UpdateRefund(ctx, rr.ID, model.RefundFailed, "", r.clock.Now()); upErr != nil {
			r.logger.WithField("error", upErr.Error()).Error("mark refund failed")
		}
		r.logger.WithFields(logrus.Fields{"booking_code": b.Code, "error": err.Error()}).Error("refund call failed")
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	switch result.Outcome {
	case gateway.RefundSucceeded:
		err = r.retry.Do(ctx, func(ctx context.Context) error {
			return r.bookings.WithTx(ctx, func(ctx context.Context) error {
				fresh, err := r.bookings.GetByID(ctx, bookingID)
				if err != nil {
					return err
				}
				return r.markRefunded(ctx, fresh, result.GatewayRef, r.clock.Now())
			})
		})
		if err != nil {
			return nil, err
		}
	default:
		if err := r.payments.UpdateRefund(ctx, rr.ID, model.RefundRequested, result.GatewayRef, r.clock.Now()); err != nil {
			return nil, err
		}
	}
	return r.reload(ctx, bookingID)
}

func (r *PaymentReconciler) reload(ctx context.Context, bookingID uint64) (*model.Booking, error) {
	b, err := r.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	return b, err
}
