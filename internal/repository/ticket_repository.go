package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/trip-booking/internal/model"
)

// TicketRepo provides access to the tickets table.  (booking_id, seat_index)
// and ticket_code are unique, so concurrent issuance for the same booking
// cannot produce a second set.
type TicketRepo struct {
	*Store
}

// NewTicketRepo returns a new TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{Store: NewStore(db)} }

const ticketColumns = `id, booking_id, seat_index, ticket_code, qr_code, price, time_from, time_to,
                       checked_in, checked_in_at, trip_id, route_id, trip_seat_id`

// ListByBooking returns the tickets of a booking in seat order.
func (r *TicketRepo) ListByBooking(ctx context.Context, bookingID uint64) ([]model.Ticket, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE booking_id = ? ORDER BY seat_index`, bookingID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetByCode returns a ticket by code or ErrNotFound.
func (r *TicketRepo) GetByCode(ctx context.Context, code string) (*model.Ticket, error) {
	t, err := scanTicket(r.conn(ctx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

// InsertTickets inserts every ticket in one statement.
func (r *TicketRepo) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	query := `INSERT INTO tickets (booking_id, seat_index, ticket_code, qr_code, price, time_from, time_to,
                                   checked_in, trip_id, route_id, trip_seat_id) VALUES `
	args := make([]any, 0, len(tickets)*11)
	for i, t := range tickets {
		if i > 0 {
			query += ", "
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, t.BookingID, t.SeatIndex, t.TicketCode, t.QRCode, t.Price,
			mysqlTime(t.TimeFrom), mysqlTime(t.TimeTo), t.CheckedIn, t.TripID, t.RouteID, t.TripSeatID)
	}
	_, err := r.conn(ctx).ExecContext(ctx, query, args...)
	return classify(err)
}

// CheckIn flips checked_in from false to true.  It returns false when the
// ticket does not exist or was already checked in.
func (r *TicketRepo) CheckIn(ctx context.Context, code string, now time.Time) (bool, error) {
	const q = `UPDATE tickets SET checked_in = 1, checked_in_at = ? WHERE ticket_code = ? AND checked_in = 0`
	n, err := affected(r.conn(ctx).ExecContext(ctx, q, mysqlTime(now), code))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var t model.Ticket
	var checkedInAt sql.NullTime
	if err := row.Scan(&t.ID, &t.BookingID, &t.SeatIndex, &t.TicketCode, &t.QRCode, &t.Price, &t.TimeFrom, &t.TimeTo,
		&t.CheckedIn, &checkedInAt, &t.TripID, &t.RouteID, &t.TripSeatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	if checkedInAt.Valid {
		at := checkedInAt.Time
		t.CheckedInAt = &at
	}
	return &t, nil
}
