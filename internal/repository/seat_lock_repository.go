package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/trip-booking/internal/model"
)

// SeatLockRepo provides data access to the seat_locks table.  Mutual
// exclusion is enforced by the generated held_key column: it is non-NULL for
// ACTIVE and CONFIRMED rows and carries a unique index, so a second holder
// cannot insert a live lock for the same (trip, seat) even if two
// transactions race past the availability check.
type SeatLockRepo struct {
	*Store
}

// NewSeatLockRepo returns a new SeatLockRepo bound to the provided database.
func NewSeatLockRepo(db *sql.DB) *SeatLockRepo { return &SeatLockRepo{Store: NewStore(db)} }

const seatLockColumns = `id, reservation_id, trip_id, seat_id, holder_id, idempotency_key, status, acquired_at, expires_at`

// FindReservationByKey returns the most recent reservation created by the
// holder for the trip under idempotencyKey, or ErrNotFound.  Inside a
// transaction it is a locking read, so it waits for a concurrent insert
// under the same key and then sees it.
func (r *SeatLockRepo) FindReservationByKey(ctx context.Context, holderID, tripID uint64, idempotencyKey string) (*model.Reservation, error) {
	q := forUpdate(ctx, `SELECT reservation_id FROM seat_locks
               WHERE holder_id = ? AND trip_id = ? AND idempotency_key = ?
               ORDER BY id DESC LIMIT 1`)
	var reservationID string
	err := r.conn(ctx).QueryRowContext(ctx, q, holderID, tripID, idempotencyKey).Scan(&reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return r.GetReservation(ctx, reservationID)
}

// GetReservation assembles the reservation from its lock rows.  Inside a
// transaction the rows are locked for update.
func (r *SeatLockRepo) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	q := forUpdate(ctx, `SELECT `+seatLockColumns+` FROM seat_locks WHERE reservation_id = ? ORDER BY seat_id`)
	locks, err := r.query(ctx, q, reservationID)
	if err != nil {
		return nil, err
	}
	res, ok := model.ReservationFromLocks(locks)
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

// ExpireLapsed marks ACTIVE locks on the given seats whose expiry has passed
// as EXPIRED.  This is the lazy expiry step run before availability checks.
func (r *SeatLockRepo) ExpireLapsed(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) (int64, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}
	q := `UPDATE seat_locks SET status = 'EXPIRED', updated_at = ?
          WHERE trip_id = ? AND status = 'ACTIVE' AND expires_at <= ? AND seat_id IN (` + placeholders(len(seatIDs)) + `)`
	args := append([]any{mysqlTime(now), tripID, mysqlTime(now)}, uint64Args(seatIDs)...)
	return affected(r.conn(ctx).ExecContext(ctx, q, args...))
}

// BlockingSeats returns the subset of seatIDs that currently carry a live
// ACTIVE lock or a CONFIRMED (sold) lock.  Inside a transaction the
// matching rows are locked so the answer holds until commit.
func (r *SeatLockRepo) BlockingSeats(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	q := forUpdate(ctx, `SELECT seat_id FROM seat_locks
          WHERE trip_id = ? AND seat_id IN (`+placeholders(len(seatIDs))+`)
          AND (status = 'CONFIRMED' OR (status = 'ACTIVE' AND expires_at > ?))
          ORDER BY seat_id`)
	args := append([]any{tripID}, uint64Args(seatIDs)...)
	args = append(args, mysqlTime(now))
	rows, err := r.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var blocked []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		blocked = append(blocked, id)
	}
	return blocked, rows.Err()
}

// InsertLocks inserts all locks in a single statement.  A unique violation
// on held_key surfaces as ErrDuplicate.
func (r *SeatLockRepo) InsertLocks(ctx context.Context, locks []model.SeatLock) error {
	if len(locks) == 0 {
		return nil
	}
	query := `INSERT INTO seat_locks (reservation_id, trip_id, seat_id, holder_id, idempotency_key, status, acquired_at, expires_at) VALUES `
	args := make([]any, 0, len(locks)*8)
	for i, l := range locks {
		if i > 0 {
			query += ", "
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, l.ReservationID, l.TripID, l.SeatID, l.HolderID, l.IdempotencyKey,
			string(l.Status), mysqlTime(l.AcquiredAt), mysqlTime(l.ExpiresAt))
	}
	_, err := r.conn(ctx).ExecContext(ctx, query, args...)
	return classify(err)
}

// UpdateReservationStatus moves every lock of the reservation that is in one
// of the from states to the to state and returns the number of rows moved.
func (r *SeatLockRepo) UpdateReservationStatus(ctx context.Context, reservationID string, from []model.SeatLockStatus, to model.SeatLockStatus, now time.Time) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	q := `UPDATE seat_locks SET status = ?, updated_at = ?
          WHERE reservation_id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{string(to), mysqlTime(now), reservationID}
	for _, s := range from {
		args = append(args, string(s))
	}
	return affected(r.conn(ctx).ExecContext(ctx, q, args...))
}

// ExtendReservation pushes expires_at of the reservation's live ACTIVE locks.
func (r *SeatLockRepo) ExtendReservation(ctx context.Context, reservationID string, expiresAt, now time.Time) (int64, error) {
	const q = `UPDATE seat_locks SET expires_at = ?, updated_at = ?
               WHERE reservation_id = ? AND status = 'ACTIVE' AND expires_at > ?`
	return affected(r.conn(ctx).ExecContext(ctx, q, mysqlTime(expiresAt), mysqlTime(now), reservationID, mysqlTime(now)))
}

// ExpireAllLapsed marks every lapsed ACTIVE lock as EXPIRED.  It is run by
// the background sweeper and only affects visibility, not correctness.
func (r *SeatLockRepo) ExpireAllLapsed(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE seat_locks SET status = 'EXPIRED', updated_at = ? WHERE status = 'ACTIVE' AND expires_at <= ?`
	return affected(r.conn(ctx).ExecContext(ctx, q, mysqlTime(now), mysqlTime(now)))
}

func (r *SeatLockRepo) query(ctx context.Context, q string, args ...any) ([]model.SeatLock, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var locks []model.SeatLock
	for rows.Next() {
		var l model.SeatLock
		var status string
		if err := rows.Scan(&l.ID, &l.ReservationID, &l.TripID, &l.SeatID, &l.HolderID,
			&l.IdempotencyKey, &status, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan seat lock: %w", err)
		}
		l.Status = model.SeatLockStatus(status)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
