package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/trip-booking/internal/model"
)

// BookingRepo provides access to bookings, their seat lines and their
// pricing snapshots.  Status changes go through UpdateStatus, which is a
// compare-and-swap on the version column.
type BookingRepo struct {
	*Store
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{Store: NewStore(db)} }

const bookingColumns = `id, booking_code, customer_id, trip_id, idempotency_key, reservation_id,
                        status, quantity, total_amount, booked_at, expires_at, version, updated_at`

// FindByIdempotencyKey returns the customer's booking created under key.
func (r *BookingRepo) FindByIdempotencyKey(ctx context.Context, customerID uint64, key string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE customer_id = ? AND idempotency_key = ?`, customerID, key)
}

// GetByID returns the booking with its seats and current snapshot.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
}

// GetByCode returns the booking with its seats and current snapshot.
func (r *BookingRepo) GetByCode(ctx context.Context, code string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_code = ?`, code)
}

// Create inserts the booking row and its seat lines and populates b.ID.
// A second booking with the same code or (customer, idempotency key)
// yields ErrDuplicate.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	const q = `INSERT INTO bookings (booking_code, customer_id, trip_id, idempotency_key, reservation_id,
                                     status, quantity, total_amount, booked_at, expires_at, version, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.conn(ctx).ExecContext(ctx, q, b.Code, b.CustomerID, b.TripID, b.IdempotencyKey, b.ReservationID,
		string(b.Status), b.Quantity, b.TotalAmount, mysqlTime(b.BookedAt), mysqlTime(b.ExpiresAt), b.Version, mysqlTime(b.BookedAt))
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	b.UpdatedAt = b.BookedAt
	if len(b.Seats) == 0 {
		return nil
	}
	query := `INSERT INTO booking_seats (booking_id, seat_id, seat_no, seat_index, price) VALUES `
	args := make([]any, 0, len(b.Seats)*5)
	for i := range b.Seats {
		b.Seats[i].BookingID = b.ID
		if i > 0 {
			query += ", "
		}
		query += "(?, ?, ?, ?, ?)"
		s := b.Seats[i]
		args = append(args, s.BookingID, s.SeatID, s.SeatNo, s.SeatIndex, s.Price)
	}
	_, err = r.conn(ctx).ExecContext(ctx, query, args...)
	return classify(err)
}

// InsertSnapshot appends a pricing snapshot.  Snapshots are never updated.
func (r *BookingRepo) InsertSnapshot(ctx context.Context, s *model.PricingSnapshot) error {
	const q = `INSERT INTO pricing_snapshots (booking_id, base_fare, vehicle_factor, floor_factor, seat_factor,
                                              subtotal, discount, final_price, promotion_id, promotion_code, policy_type, created_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var promoID sql.NullInt64
	if s.PromotionID != nil {
		promoID = sql.NullInt64{Int64: int64(*s.PromotionID), Valid: true}
	}
	res, err := r.conn(ctx).ExecContext(ctx, q, s.BookingID, s.BaseFare, s.VehicleFactor, s.FloorFactor, s.SeatFactor,
		s.Subtotal, s.Discount, s.FinalPrice, promoID, nullString(s.PromotionCode), nullString(string(s.PolicyType)), mysqlTime(s.CreatedAt))
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	return nil
}

// UpdateStatus moves the booking from one status to another only when the
// stored version still equals version.  It returns false when another
// writer got there first.
func (r *BookingRepo) UpdateStatus(ctx context.Context, id uint64, from, to model.BookingStatus, version int, now time.Time) (bool, error) {
	const q = `UPDATE bookings SET status = ?, version = version + 1, updated_at = ?
               WHERE id = ? AND status = ? AND version = ?`
	n, err := affected(r.conn(ctx).ExecContext(ctx, q, string(to), mysqlTime(now), id, string(from), version))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpired returns AWAITING_PAYMENT bookings whose payment window has
// closed, oldest first.
func (r *BookingRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings
          WHERE status = 'AWAITING_PAYMENT' AND expires_at <= ? ORDER BY expires_at LIMIT ?`
	rows, err := r.conn(ctx).QueryContext(ctx, q, mysqlTime(now), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// CountExpired counts AWAITING_PAYMENT bookings whose payment window has
// closed.
func (r *BookingRepo) CountExpired(ctx context.Context, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM bookings WHERE status = 'AWAITING_PAYMENT' AND expires_at <= ?`
	var n int
	if err := r.conn(ctx).QueryRowContext(ctx, q, mysqlTime(now)).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *BookingRepo) getOne(ctx context.Context, q string, args ...any) (*model.Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := r.loadSeats(ctx, b); err != nil {
		return nil, err
	}
	if err := r.loadSnapshot(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BookingRepo) loadSeats(ctx context.Context, b *model.Booking) error {
	const q = `SELECT booking_id, seat_id, seat_no, seat_index, price FROM booking_seats WHERE booking_id = ? ORDER BY seat_index`
	rows, err := r.conn(ctx).QueryContext(ctx, q, b.ID)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var s model.BookingSeat
		if err := rows.Scan(&s.BookingID, &s.SeatID, &s.SeatNo, &s.SeatIndex, &s.Price); err != nil {
			return fmt.Errorf("scan booking seat: %w", err)
		}
		b.Seats = append(b.Seats, s)
	}
	return rows.Err()
}

// loadSnapshot attaches the latest snapshot; older rows are kept for audit.
func (r *BookingRepo) loadSnapshot(ctx context.Context, b *model.Booking) error {
	const q = `SELECT id, booking_id, base_fare, vehicle_factor, floor_factor, seat_factor, subtotal, discount,
                      final_price, promotion_id, promotion_code, policy_type, created_at
               FROM pricing_snapshots WHERE booking_id = ? ORDER BY id DESC LIMIT 1`
	var s model.PricingSnapshot
	var promoID sql.NullInt64
	var code, policy sql.NullString
	err := r.conn(ctx).QueryRowContext(ctx, q, b.ID).Scan(&s.ID, &s.BookingID, &s.BaseFare, &s.VehicleFactor,
		&s.FloorFactor, &s.SeatFactor, &s.Subtotal, &s.Discount, &s.FinalPrice, &promoID, &code, &policy, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return classify(err)
	}
	if promoID.Valid {
		id := uint64(promoID.Int64)
		s.PromotionID = &id
	}
	s.PromotionCode = code.String
	s.PolicyType = model.PolicyType(policy.String)
	b.Snapshot = &s
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	var status string
	if err := row.Scan(&b.ID, &b.Code, &b.CustomerID, &b.TripID, &b.IdempotencyKey, &b.ReservationID,
		&status, &b.Quantity, &b.TotalAmount, &b.BookedAt, &b.ExpiresAt, &b.Version, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
