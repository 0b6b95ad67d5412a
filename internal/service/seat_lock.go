package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// SeatLockStore is the persistence used by SeatLockManager.
type SeatLockStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	FindReservationByKey(ctx context.Context, holderID, tripID uint64, idempotencyKey string) (*model.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error)
	ExpireLapsed(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) (int64, error)
	BlockingSeats(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]uint64, error)
	InsertLocks(ctx context.Context, locks []model.SeatLock) error
	UpdateReservationStatus(ctx context.Context, reservationID string, from []model.SeatLockStatus, to model.SeatLockStatus, now time.Time) (int64, error)
	ExtendReservation(ctx context.Context, reservationID string, expiresAt, now time.Time) (int64, error)
	ExpireAllLapsed(ctx context.Context, now time.Time) (int64, error)
}

// AcquireInput describes one all-or-nothing seat lock request.
type AcquireInput struct {
	TripID         uint64
	SeatIDs        []uint64
	HolderID       uint64
	IdempotencyKey string
	TTL            time.Duration
}

// SeatLockManager acquires, renews, releases and confirms batches of seat
// locks.  A batch is represented by a Reservation.
type SeatLockManager struct {
	store  SeatLockStore
	clock  clock.Clock
	logger logrus.FieldLogger
	newID  func() string
}

// NewSeatLockManager builds a SeatLockManager.
func NewSeatLockManager(store SeatLockStore, opts ...Option) *SeatLockManager {
	o := buildOptions(opts)
	return &SeatLockManager{
		store:  store,
		clock:  o.clock,
		logger: o.logger,
		newID:  uuid.NewString,
	}
}

// Acquire locks every seat of the batch for the holder, or none of them.
// Repeating a call with the same holder, trip, key and seats returns the
// reservation created the first time.  A seat that is held by someone
// else, or already sold, fails the whole batch with a *SeatConflictError.
func (m *SeatLockManager) Acquire(ctx context.Context, in AcquireInput) (*model.Reservation, error) {
	seatIDs := model.NormalizeSeatIDs(in.SeatIDs)
	switch {
	case in.TripID == 0:
		return nil, validationf("tripId is required")
	case in.HolderID == 0:
		return nil, validationf("holderId is required")
	case in.IdempotencyKey == "":
		return nil, validationf("idempotencyKey is required")
	case len(seatIDs) == 0 || len(seatIDs) != len(in.SeatIDs):
		return nil, validationf("seatIds must be non-empty, positive and distinct")
	case in.TTL <= 0:
		return nil, validationf("ttl must be positive")
	}

	var out *model.Reservation
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		now := m.clock.Now()

		existing, err := m.heldByKey(ctx, in, seatIDs, now)
		if err != nil || existing != nil {
			out = existing
			return err
		}

		if _, err := m.store.ExpireLapsed(ctx, in.TripID, seatIDs, now); err != nil {
			return fmt.Errorf("expire lapsed locks: %w", err)
		}
		blocked, err := m.store.BlockingSeats(ctx, in.TripID, seatIDs, now)
		if err != nil {
			return fmt.Errorf("check seat availability: %w", err)
		}
		if len(blocked) > 0 {
			// the blocking rows may be a twin of this request that committed
			// while we waited for them
			if existing, err := m.heldByKey(ctx, in, seatIDs, now); err != nil || existing != nil {
				out = existing
				return err
			}
			return &SeatConflictError{TripID: in.TripID, SeatIDs: blocked}
		}

		res := model.Reservation{
			ID:             m.newID(),
			TripID:         in.TripID,
			HolderID:       in.HolderID,
			IdempotencyKey: in.IdempotencyKey,
			SeatIDs:        seatIDs,
			Status:         model.SeatLockActive,
			AcquiredAt:     now,
			ExpiresAt:      now.Add(in.TTL),
		}
		locks := make([]model.SeatLock, 0, len(seatIDs))
		for _, seatID := range seatIDs {
			locks = append(locks, model.SeatLock{
				ReservationID:  res.ID,
				TripID:         res.TripID,
				SeatID:         seatID,
				HolderID:       res.HolderID,
				IdempotencyKey: res.IdempotencyKey,
				Status:         model.SeatLockActive,
				AcquiredAt:     res.AcquiredAt,
				ExpiresAt:      res.ExpiresAt,
			})
		}
		if err := m.store.InsertLocks(ctx, locks); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				// another transaction inserted a live lock after our check
				if existing, err := m.heldByKey(ctx, in, seatIDs, now); err != nil || existing != nil {
					out = existing
					return err
				}
				return &SeatConflictError{TripID: in.TripID, SeatIDs: seatIDs}
			}
			return fmt.Errorf("insert seat locks: %w", err)
		}
		out = &res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSeatConflict) {
			m.logger.WithFields(logrus.Fields{
				"trip_id":   in.TripID,
				"holder_id": in.HolderID,
				"error":     err.Error(),
			}).Warn("seat lock conflict")
		}
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"reservation_id": out.ID,
		"trip_id":        out.TripID,
		"holder_id":      out.HolderID,
		"seats":          len(out.SeatIDs),
		"expires_at":     out.ExpiresAt,
	}).Info("seats locked")
	return out, nil
}

// heldByKey returns the reservation the holder already made under the
// request's key when it still holds the same seats.  A released or lapsed
// reservation yields nil so the key may take the seats again; the same key
// with other seats is ErrIdempotencyConflict.
func (m *SeatLockManager) heldByKey(ctx context.Context, in AcquireInput, seatIDs []uint64, now time.Time) (*model.Reservation, error) {
	existing, err := m.store.FindReservationByKey(ctx, in.HolderID, in.TripID, in.IdempotencyKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !existing.SameSeats(seatIDs) {
		return nil, ErrIdempotencyConflict
	}
	if existing.Status == model.SeatLockConfirmed || (existing.Status == model.SeatLockActive && !existing.Lapsed(now)) {
		return existing, nil
	}
	return nil, nil
}

// Get returns the reservation with its current status.
func (m *SeatLockManager) Get(ctx context.Context, reservationID string) (*model.Reservation, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return res, err
}

// Release gives the seats back.  Releasing a reservation that is already
// released, expired or sold succeeds without doing anything.
func (m *SeatLockManager) Release(ctx context.Context, reservationID string) error {
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		res, err := m.store.GetReservation(ctx, reservationID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if res.Terminal() {
			return nil
		}
		n, err := m.store.UpdateReservationStatus(ctx, reservationID,
			[]model.SeatLockStatus{model.SeatLockActive}, model.SeatLockReleased, m.clock.Now())
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		m.logger.WithFields(logrus.Fields{"reservation_id": reservationID, "seats": n}).Info("seats released")
		return nil
	})
}

// Renew moves the expiry of a live reservation to now+ttl.  A terminal
// reservation is left alone; one whose expiry already passed is marked
// EXPIRED and ErrReservationExpired is returned.
func (m *SeatLockManager) Renew(ctx context.Context, reservationID string, ttl time.Duration) (*model.Reservation, error) {
	if ttl <= 0 {
		return nil, validationf("ttl must be positive")
	}
	var out *model.Reservation
	var lapsed bool
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		now := m.clock.Now()
		res, err := m.store.GetReservation(ctx, reservationID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		out = res
		if res.Terminal() {
			return nil
		}
		if res.Lapsed(now) {
			if _, err := m.store.UpdateReservationStatus(ctx, reservationID,
				[]model.SeatLockStatus{model.SeatLockActive}, model.SeatLockExpired, now); err != nil {
				return err
			}
			res.Status = model.SeatLockExpired
			lapsed = true
			return nil
		}
		expiresAt := now.Add(ttl)
		if _, err := m.store.ExtendReservation(ctx, reservationID, expiresAt, now); err != nil {
			return fmt.Errorf("extend reservation: %w", err)
		}
		res.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		return out, ErrReservationExpired
	}
	return out, nil
}

// Confirm marks the reservation's seats as sold.  It succeeds only when
// all want seats are still ACTIVE; the expiry time is not consulted, since
// payment for the reservation has already been captured.  Confirming an
// already confirmed reservation is a no-op.
func (m *SeatLockManager) Confirm(ctx context.Context, reservationID string, want int) error {
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		res, err := m.store.GetReservation(ctx, reservationID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if res.Status == model.SeatLockConfirmed {
			return nil
		}
		n, err := m.store.UpdateReservationStatus(ctx, reservationID,
			[]model.SeatLockStatus{model.SeatLockActive}, model.SeatLockConfirmed, m.clock.Now())
		if err != nil {
			return fmt.Errorf("confirm reservation: %w", err)
		}
		if int(n) != want {
			return fmt.Errorf("%w: %d of %d seats still held", ErrSeatsLapsed, n, want)
		}
		return nil
	})
}

// SweepExpired marks every lapsed ACTIVE lock EXPIRED.  Acquire already
// treats lapsed locks as free; the sweep keeps the table readable.
func (m *SeatLockManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireAllLapsed(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.WithField("locks", n).Info("expired lapsed seat locks")
	}
	return n, nil
}
