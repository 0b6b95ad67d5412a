package service

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/queue"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// TripCatalog reads trip master data.  Results are point-in-time snapshots
// and are never locked.
type TripCatalog interface {
	GetTrip(ctx context.Context, tripID uint64) (*model.Trip, error)
	GetSeats(ctx context.Context, tripID uint64, seatIDs []uint64) ([]model.TripSeat, error)
}

// BookingStore persists bookings.  UpdateStatus is a compare-and-swap on
// (status, version).
type BookingStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	FindByIdempotencyKey(ctx context.Context, customerID uint64, key string) (*model.Booking, error)
	GetByID(ctx context.Context, id uint64) (*model.Booking, error)
	GetByCode(ctx context.Context, code string) (*model.Booking, error)
	Create(ctx context.Context, b *model.Booking) error
	InsertSnapshot(ctx context.Context, s *model.PricingSnapshot) error
	UpdateStatus(ctx context.Context, id uint64, from, to model.BookingStatus, version int, now time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	CountExpired(ctx context.Context, now time.Time) (int, error)
}

// PaymentStore persists payment transactions, webhook logs and refunds.
type PaymentStore interface {
	CreateTransaction(ctx context.Context, p *model.PaymentTransaction) error
	GetTransactionByBooking(ctx context.Context, bookingID uint64) (*model.PaymentTransaction, error)
	GetTransactionByTxnID(ctx context.Context, transactionID string) (*model.PaymentTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uint64, from, to model.PaymentStatus, note, gatewayRef string, now time.Time) (bool, error)
	SetGateway(ctx context.Context, id uint64, method model.PaymentMethod, gatewayRef string, at time.Time) error
	ListPendingByMethod(ctx context.Context, method model.PaymentMethod, from, to time.Time, limit int) ([]model.PaymentTransaction, error)
	InsertWebhookLog(ctx context.Context, l *model.PaymentWebhookLog) error
	FinishWebhookLog(ctx context.Context, id uint64, status model.ProcessingStatus, transactionID, errMsg string, now time.Time) error
	ListWebhookLogs(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error)
	FindRefund(ctx context.Context, bookingID uint64, amount decimal.Decimal) (*model.RefundRequest, error)
	LatestRefund(ctx context.Context, bookingID uint64) (*model.RefundRequest, error)
	CreateRefund(ctx context.Context, rr *model.RefundRequest) error
	UpdateRefund(ctx context.Context, id uint64, status model.RefundStatus, gatewayRef string, now time.Time) error
}

// OutboxStore appends events inside the caller's transaction.
type OutboxStore interface {
	Append(ctx context.Context, e model.OutboxEvent) error
}

// CreateBookingInput is the request to book seats of a trip.
type CreateBookingInput struct {
	CustomerID     uint64
	TripID         uint64
	SeatIDs        []uint64
	IdempotencyKey string
}

// BookingConfig tunes the orchestrator.
type BookingConfig struct {
	LockTTL       time.Duration
	DefaultMethod model.PaymentMethod
	SweepBatch    int
}

// BookingOrchestrator turns seat requests into payment-backed bookings and
// drives the booking state machine outside of payment webhooks.
type BookingOrchestrator struct {
	bookings BookingStore
	payments PaymentStore
	outbox   OutboxStore
	catalog  TripCatalog
	locks    *SeatLockManager
	promos   *PromotionEvaluator
	pricing  *PricingEngine
	gateways *gateway.Registry
	cfg      BookingConfig

	clock  clock.Clock
	logger logrus.FieldLogger
	retry  RetryPolicy
}

// NewBookingOrchestrator wires the orchestrator.  gateways may be nil when
// payment initiation is not offered.
func NewBookingOrchestrator(
	bookings BookingStore,
	payments PaymentStore,
	outbox OutboxStore,
	catalog TripCatalog,
	locks *SeatLockManager,
	promos *PromotionEvaluator,
	pricing *PricingEngine,
	gateways *gateway.Registry,
	cfg BookingConfig,
	opts ...Option,
) *BookingOrchestrator {
	o := buildOptions(opts)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = model.MethodVNPay
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if gateways == nil {
		gateways = gateway.NewRegistry()
	}
	return &BookingOrchestrator{
		bookings: bookings,
		payments: payments,
		outbox:   outbox,
		catalog:  catalog,
		locks:    locks,
		promos:   promos,
		pricing:  pricing,
		gateways: gateways,
		cfg:      cfg,
		clock:    o.clock,
		logger:   o.logger,
		retry:    o.retry,
	}
}

// CreateBooking locks the requested seats, prices them and stores a
// booking awaiting payment.  A repeated call with the same customer and
// idempotency key returns the booking created the first time; reusing the
// key for a different seat set is ErrIdempotencyConflict.  When anything
// after the seat lock fails the seats are released before returning.
func (o *BookingOrchestrator) CreateBooking(ctx context.Context, in CreateBookingInput) (*model.Booking, error) {
	seatIDs := model.NormalizeSeatIDs(in.SeatIDs)
	switch {
	case in.CustomerID == 0:
		return nil, validationf("customerId is required")
	case in.TripID == 0:
		return nil, validationf("tripId is required")
	case strings.TrimSpace(in.IdempotencyKey) == "":
		return nil, validationf("idempotencyKey is required")
	case len(seatIDs) == 0 || len(seatIDs) != len(in.SeatIDs):
		return nil, validationf("seatIds must be non-empty, positive and distinct")
	}

	if b, err := o.existing(ctx, in.CustomerID, in.IdempotencyKey, seatIDs); err != nil || b != nil {
		return b, err
	}

	trip, err := o.catalog.GetTrip(ctx, in.TripID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w %d", ErrValidation, ErrTripNotFound, in.TripID)
	}
	if err != nil {
		return nil, err
	}
	seats, err := o.catalog.GetSeats(ctx, in.TripID, seatIDs)
	if err != nil {
		return nil, err
	}
	if len(seats) != len(seatIDs) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrSeatNotFound)
	}

	var out *model.Booking
	err = o.retry.Do(ctx, func(ctx context.Context) error {
		res, err := o.locks.Acquire(ctx, AcquireInput{
			TripID:         in.TripID,
			SeatIDs:        seatIDs,
			HolderID:       in.CustomerID,
			IdempotencyKey: in.IdempotencyKey,
			TTL:            o.cfg.LockTTL,
		})
		if errors.Is(err, ErrSeatConflict) {
			// the seats may be held by a same-key request that finished
			// after our first lookup
			if prior, findErr := o.existing(ctx, in.CustomerID, in.IdempotencyKey, seatIDs); findErr == nil && prior != nil {
				out = prior
				return nil
			}
		}
		if err != nil {
			return err
		}
		b, err := o.persist(ctx, in, trip, seats, res)
		if err == nil {
			out = b
			return nil
		}
		if errors.Is(err, repository.ErrDuplicate) {
			// a concurrent request with the same key stored its booking first
			if prior, findErr := o.existing(ctx, in.CustomerID, in.IdempotencyKey, seatIDs); findErr == nil && prior != nil {
				out = prior
				return nil
			}
		}
		o.releaseQuietly(ctx, res.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *BookingOrchestrator) existing(ctx context.Context, customerID uint64, key string, seatIDs []uint64) (*model.Booking, error) {
	b, err := o.bookings.FindByIdempotencyKey(ctx, customerID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sameIDs(b.SeatIDs(), seatIDs) {
		return nil, ErrIdempotencyConflict
	}
	o.attachPayment(ctx, b)
	return b, nil
}

// persist stores the booking, its snapshot, its payment record and the
// created event in one transaction.  Promotion usage is redeemed in the
// same transaction so a rollback gives it back.
func (o *BookingOrchestrator) persist(ctx context.Context, in CreateBookingInput, trip *model.Trip, seats []model.TripSeat, res *model.Reservation) (*model.Booking, error) {
	var out *model.Booking
	err := o.bookings.WithTx(ctx, func(ctx context.Context) error {
		now := o.clock.Now()

		floorFactor, seatFactors := seatFactorsFor(seats)
		prices := o.pricing.SeatPrices(trip.BaseFare, trip.VehicleFactor, floorFactor, seatFactors)
		discount, err := o.promos.Apply(ctx, PromotionContext{
			RouteID:     trip.RouteID,
			TravelDate:  trip.DepartureAt,
			Origin:      trip.Origin,
			Destination: trip.Destination,
			SeatPrices:  prices,
			CustomerID:  in.CustomerID,
		})
		if err != nil {
			return err
		}
		snap := o.pricing.ComputeSnapshot(trip.BaseFare, trip.VehicleFactor, floorFactor, seatFactors, discount)
		snap.CreatedAt = now

		b := &model.Booking{
			Code:           bookingCode(in.CustomerID, in.TripID, in.IdempotencyKey),
			CustomerID:     in.CustomerID,
			TripID:         in.TripID,
			IdempotencyKey: in.IdempotencyKey,
			ReservationID:  res.ID,
			Status:         model.BookingPending,
			Quantity:       len(seats),
			TotalAmount:    snap.FinalPrice,
			BookedAt:       now,
			ExpiresAt:      res.ExpiresAt,
		}
		for i, s := range seats {
			b.Seats = append(b.Seats, model.BookingSeat{
				SeatID:    s.ID,
				SeatNo:    s.SeatNo,
				SeatIndex: i + 1,
				Price:     prices[i],
			})
		}
		if err := o.bookings.Create(ctx, b); err != nil {
			return err
		}
		if err := transitionBooking(ctx, o.bookings, b, model.BookingAwaitingPayment, now); err != nil {
			return err
		}

		snap.BookingID = b.ID
		if err := o.bookings.InsertSnapshot(ctx, &snap); err != nil {
			return err
		}
		b.Snapshot = &snap

		pay := &model.PaymentTransaction{
			BookingID:     b.ID,
			TransactionID: newTransactionID(),
			Method:        o.cfg.DefaultMethod,
			Status:        model.PaymentPending,
			Amount:        b.TotalAmount,
			Time:          now,
		}
		if err := o.payments.CreateTransaction(ctx, pay); err != nil {
			return err
		}
		b.Payment = pay

		if err := appendEvent(ctx, o.outbox, model.EventBookingCreated, b, nil, now); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	fields := logrus.Fields{
		"booking_code": out.Code,
		"customer_id":  out.CustomerID,
		"trip_id":      out.TripID,
		"seats":        out.Quantity,
		"total":        out.TotalAmount.StringFixed(2),
	}
	if out.Snapshot.PromotionCode != "" {
		fields["promotion"] = out.Snapshot.PromotionCode
	}
	o.logger.WithFields(fields).Info("booking created")
	return out, nil
}

// Get returns the booking with the given code.
func (o *BookingOrchestrator) Get(ctx context.Context, code string) (*model.Booking, error) {
	b, err := o.bookings.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	o.attachPayment(ctx, b)
	return b, nil
}

// GetByID returns the booking with the given id.
func (o *BookingOrchestrator) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := o.bookings.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	o.attachPayment(ctx, b)
	return b, nil
}

// Expire closes an unpaid booking whose payment window has lapsed and
// gives its seats back.  Bookings in any state other than AWAITING_PAYMENT,
// and bookings whose window is still open, are returned unchanged.
func (o *BookingOrchestrator) Expire(ctx context.Context, bookingID uint64) (*model.Booking, error) {
	return o.closeUnpaid(ctx, bookingID, model.BookingExpired, model.EventBookingExpired, true)
}

// Cancel closes a booking that has not been paid yet at the customer's
// request.  Cancelling a paid or closed booking is ErrInvalidTransition.
func (o *BookingOrchestrator) Cancel(ctx context.Context, bookingID uint64) (*model.Booking, error) {
	return o.closeUnpaid(ctx, bookingID, model.BookingCancelled, model.EventBookingCancelled, false)
}

func (o *BookingOrchestrator) closeUnpaid(ctx context.Context, bookingID uint64, to model.BookingStatus, event string, expiring bool) (*model.Booking, error) {
	var out *model.Booking
	var changed bool
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		changed = false
		return o.bookings.WithTx(ctx, func(ctx context.Context) error {
			b, err := o.bookings.GetByID(ctx, bookingID)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrBookingNotFound
			}
			if err != nil {
				return err
			}
			out = b
			if !b.Status.CanTransition(to) {
				if expiring {
					return nil
				}
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
			}
			now := o.clock.Now()
			if expiring && now.Before(b.ExpiresAt) {
				return nil
			}
			if err := transitionBooking(ctx, o.bookings, b, to, now); err != nil {
				return err
			}
			if err := o.failPendingPayment(ctx, b.ID, strings.ToLower(string(to)), now); err != nil {
				return err
			}
			if err := o.locks.Release(ctx, b.ReservationID); err != nil && !errors.Is(err, ErrReservationNotFound) {
				return err
			}
			changed = true
			return appendEvent(ctx, o.outbox, event, b, nil, now)
		})
	})
	if err != nil {
		return nil, err
	}
	if changed {
		o.logger.WithFields(logrus.Fields{
			"booking_code": out.Code,
			"status":       out.Status,
		}).Info("booking closed")
	}
	o.attachPayment(ctx, out)
	return out, nil
}

func (o *BookingOrchestrator) failPendingPayment(ctx context.Context, bookingID uint64, note string, now time.Time) error {
	pay, err := o.payments.GetTransactionByBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pay.Status != model.PaymentPending {
		return nil
	}
	_, err = o.payments.UpdateTransactionStatus(ctx, pay.ID, model.PaymentPending, model.PaymentFailed, note, "", now)
	return err
}

// SweepExpired expires every AWAITING_PAYMENT booking whose payment window
// has lapsed and returns how many changed state.  A booking confirmed while
// the sweep runs is left alone.
func (o *BookingOrchestrator) SweepExpired(ctx context.Context) (int, error) {
	due, err := o.bookings.ListExpired(ctx, o.clock.Now(), o.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, b := range due {
		got, err := o.Expire(ctx, b.ID)
		if err != nil {
			o.logger.WithFields(logrus.Fields{"booking_code": b.Code, "error": err.Error()}).Error("expire booking failed")
			continue
		}
		if got.Status == model.BookingExpired {
			expired++
		}
	}
	return expired, nil
}

// CleanupReport describes one manual cleanup run.
type CleanupReport struct {
	ExpiredFound     int       `json:"totalExpiredFound"`
	ExpiredCount     int       `json:"expiredCount"`
	LapsedSeatLocks  int64     `json:"lapsedSeatLocks"`
	RemainingExpired int       `json:"remainingExpired"`
	StartedAt        time.Time `json:"startTime"`
	FinishedAt       time.Time `json:"endTime"`
	ProcessingMillis int64     `json:"processingTimeMs"`
}

// CleanupStatus tells staff whether a cleanup is due.
type CleanupStatus struct {
	ExpiredBookings int       `json:"expiredBookingsCount"`
	CleanupNeeded   bool      `json:"cleanupNeeded"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Cleanup runs the expiry sweeps on demand and reports what they did.
// Bookings left over when the batch limit is hit show up in
// RemainingExpired.
func (o *BookingOrchestrator) Cleanup(ctx context.Context) (CleanupReport, error) {
	rep := CleanupReport{StartedAt: o.clock.Now()}
	found, err := o.bookings.CountExpired(ctx, rep.StartedAt)
	if err != nil {
		return rep, err
	}
	rep.ExpiredFound = found
	if rep.ExpiredCount, err = o.SweepExpired(ctx); err != nil {
		return rep, err
	}
	if rep.LapsedSeatLocks, err = o.locks.SweepExpired(ctx); err != nil {
		return rep, err
	}
	if rep.RemainingExpired, err = o.bookings.CountExpired(ctx, rep.StartedAt); err != nil {
		return rep, err
	}
	rep.FinishedAt = o.clock.Now()
	rep.ProcessingMillis = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
	o.logger.WithFields(logrus.Fields{
		"found":     rep.ExpiredFound,
		"expired":   rep.ExpiredCount,
		"remaining": rep.RemainingExpired,
	}).Info("manual cleanup finished")
	return rep, nil
}

// CleanupStatus counts the bookings a cleanup would expire.
func (o *BookingOrchestrator) CleanupStatus(ctx context.Context) (CleanupStatus, error) {
	now := o.clock.Now()
	n, err := o.bookings.CountExpired(ctx, now)
	if err != nil {
		return CleanupStatus{}, err
	}
	return CleanupStatus{ExpiredBookings: n, CleanupNeeded: n > 0, CheckedAt: now}, nil
}

// InitiatePayment asks the gateway behind method to start collecting the
// booking's amount and records the gateway reference on the payment.
func (o *BookingOrchestrator) InitiatePayment(ctx context.Context, code string, method model.PaymentMethod, clientIP string) (gateway.Charge, error) {
	b, err := o.Get(ctx, code)
	if err != nil {
		return gateway.Charge{}, err
	}
	if b.Status != model.BookingAwaitingPayment {
		return gateway.Charge{}, fmt.Errorf("%w: booking is %s", ErrInvalidTransition, b.Status)
	}
	if !o.clock.Now().Before(b.ExpiresAt) {
		return gateway.Charge{}, ErrReservationExpired
	}
	if method == "" {
		method = o.cfg.DefaultMethod
	}
	charger, ok := o.gateways.Charger(method)
	if !ok {
		return gateway.Charge{}, validationf("unsupported payment method %s", method)
	}
	if b.Payment == nil {
		return gateway.Charge{}, fmt.Errorf("booking %s has no payment record", b.Code)
	}

	var charge gateway.Charge
	created := o.clock.Now()
	err = o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		charge, err = charger.CreateCharge(ctx, gateway.ChargeRequest{
			TransactionID: b.Payment.TransactionID,
			BookingCode:   b.Code,
			Amount:        b.TotalAmount,
			ClientIP:      clientIP,
			CreatedAt:     created,
		})
		return err
	})
	if err != nil {
		return gateway.Charge{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	// the status lookup needs the charge time the gateway was given
	if err := o.payments.SetGateway(ctx, b.Payment.ID, method, charge.GatewayRef, created); err != nil {
		return gateway.Charge{}, err
	}
	o.logger.WithFields(logrus.Fields{
		"booking_code":   b.Code,
		"method":         method,
		"transaction_id": b.Payment.TransactionID,
	}).Info("payment initiated")
	return charge, nil
}

func (o *BookingOrchestrator) attachPayment(ctx context.Context, b *model.Booking) {
	if b == nil || b.Payment != nil {
		return
	}
	if pay, err := o.payments.GetTransactionByBooking(ctx, b.ID); err == nil {
		b.Payment = pay
	}
}

func (o *BookingOrchestrator) releaseQuietly(ctx context.Context, reservationID string) {
	if err := o.locks.Release(ctx, reservationID); err != nil {
		o.logger.WithFields(logrus.Fields{
			"reservation_id": reservationID,
			"error":          err.Error(),
		}).Error("release after failed booking")
	}
}

// transitionBooking moves b to the next status with a version check and
// updates b in place.  A lost race is reported as errStaleBooking so the
// caller can re-read and decide again.
func transitionBooking(ctx context.Context, store BookingStore, b *model.Booking, to model.BookingStatus, now time.Time) error {
	if !b.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	ok, err := store.UpdateStatus(ctx, b.ID, b.Status, to, b.Version, now)
	if err != nil {
		return err
	}
	if !ok {
		return errStaleBooking
	}
	b.Status = to
	b.Version++
	b.UpdatedAt = now
	return nil
}

// appendEvent writes a booking event to the outbox in the caller's
// transaction.
func appendEvent(ctx context.Context, outbox OutboxStore, eventType string, b *model.Booking, tickets []string, now time.Time) error {
	id := uuid.NewString()
	body, err := json.Marshal(queue.BookingEvent{
		EventID:     id,
		Type:        eventType,
		BookingID:   b.ID,
		BookingCode: b.Code,
		CustomerID:  b.CustomerID,
		TripID:      b.TripID,
		Status:      string(b.Status),
		SeatIDs:     b.SeatIDs(),
		TotalAmount: b.TotalAmount.StringFixed(2),
		Tickets:     tickets,
		OccurredAt:  now,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return outbox.Append(ctx, model.OutboxEvent{
		ID:          id,
		AggregateID: b.Code,
		EventType:   eventType,
		Payload:     body,
		CreatedAt:   now,
	})
}

// bookingCode is derived from the request identity so retries of the same
// request produce the same code.
func bookingCode(customerID, tripID uint64, key string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", customerID, tripID, key)))
	return "BK" + base32.StdEncoding.EncodeToString(sum[:])[:10]
}

func newTransactionID() string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

func sameIDs(a, b []uint64) bool {
	a, b = model.NormalizeSeatIDs(a), model.NormalizeSeatIDs(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
