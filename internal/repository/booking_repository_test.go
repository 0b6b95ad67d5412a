package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-booking/internal/model"
)

func newBookingMock(t *testing.T) (*BookingRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBookingRepo(db), mock
}

func TestBookingRepo_Create(t *testing.T) {
	r, mock := newBookingMock(t)
	b := &model.Booking{
		Code: "BKABCDEFGHIJ", CustomerID: 7, TripID: 1, IdempotencyKey: "k", ReservationID: "res-1",
		Status: model.BookingAwaitingPayment, Quantity: 2, TotalAmount: decimal.NewFromInt(240000),
		BookedAt: lockNow, ExpiresAt: lockNow.Add(10 * time.Minute),
		Seats: []model.BookingSeat{
			{SeatID: 101, SeatNo: "A1", SeatIndex: 1, Price: decimal.NewFromInt(120000)},
			{SeatID: 102, SeatNo: "A2", SeatIndex: 2, Price: decimal.NewFromInt(120000)},
		},
	}
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO booking_seats (booking_id, seat_id, seat_no, seat_index, price) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)")).
		WithArgs(42, 101, "A1", 1, sqlmock.AnyArg(), 42, 102, "A2", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, r.Create(context.Background(), b))
	assert.Equal(t, uint64(42), b.ID)
	assert.Equal(t, uint64(42), b.Seats[1].BookingID)
	assert.True(t, b.UpdatedAt.Equal(b.BookedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepo_CreateDuplicate(t *testing.T) {
	r, mock := newBookingMock(t)
	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7-k' for key 'uq_bookings_customer_key'"})
	err := r.Create(context.Background(), &model.Booking{Code: "BKABCDEFGHIJ"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestBookingRepo_UpdateStatus(t *testing.T) {
	r, mock := newBookingMock(t)
	q := regexp.QuoteMeta("UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ? AND version = ?")

	mock.ExpectExec(q).
		WithArgs("CONFIRMED", "2026-10-15 09:00:00.000", 42, "AWAITING_PAYMENT", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := r.UpdateStatus(context.Background(), 42, model.BookingAwaitingPayment, model.BookingConfirmed, 3, lockNow)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = r.UpdateStatus(context.Background(), 42, model.BookingAwaitingPayment, model.BookingExpired, 3, lockNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepo_CountExpired(t *testing.T) {
	r, mock := newBookingMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM bookings WHERE status = 'AWAITING_PAYMENT' AND expires_at <= ?`)).
		WithArgs("2026-10-15 09:00:00.000").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(4))
	n, err := r.CountExpired(context.Background(), lockNow)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepo_GetByCode(t *testing.T) {
	r, mock := newBookingMock(t)
	expires := lockNow.Add(10 * time.Minute)
	mock.ExpectQuery("FROM bookings WHERE booking_code = ?").
		WithArgs("BKABCDEFGHIJ").
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_code", "customer_id", "trip_id", "idempotency_key",
			"reservation_id", "status", "quantity", "total_amount", "booked_at", "expires_at", "version", "updated_at"}).
			AddRow(42, "BKABCDEFGHIJ", 7, 1, "k", "res-1", "CONFIRMED", 2, "216000.00", lockNow, expires, 2, lockNow))
	mock.ExpectQuery("FROM booking_seats WHERE booking_id = ?").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"booking_id", "seat_id", "seat_no", "seat_index", "price"}).
			AddRow(42, 101, "A1", 1, "120000.00").
			AddRow(42, 102, "A2", 2, "120000.00"))
	mock.ExpectQuery("FROM pricing_snapshots WHERE booking_id = ?").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "base_fare", "vehicle_factor", "floor_factor",
			"seat_factor", "subtotal", "discount", "final_price", "promotion_id", "promotion_code", "policy_type", "created_at"}).
			AddRow(5, 42, "100000", "1.2", "1.0", "2.0", "240000", "24000", "216000", 3, "OCT10", "PERCENT_OFF_TOTAL", lockNow))

	b, err := r.GetByCode(context.Background(), "BKABCDEFGHIJ")
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.True(t, b.TotalAmount.Equal(decimal.NewFromInt(216000)))
	assert.Equal(t, []uint64{101, 102}, b.SeatIDs())
	require.NotNil(t, b.Snapshot)
	require.NotNil(t, b.Snapshot.PromotionID)
	assert.Equal(t, uint64(3), *b.Snapshot.PromotionID)
	assert.Equal(t, model.PolicyPercentOffTotal, b.Snapshot.PolicyType)
	assert.True(t, b.Snapshot.Discount.Equal(decimal.NewFromInt(24000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepo_GetWithoutSnapshot(t *testing.T) {
	r, mock := newBookingMock(t)
	mock.ExpectQuery("FROM bookings WHERE id = ?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_code", "customer_id", "trip_id", "idempotency_key",
			"reservation_id", "status", "quantity", "total_amount", "booked_at", "expires_at", "version", "updated_at"}).
			AddRow(42, "BKABCDEFGHIJ", 7, 1, "k", "res-1", "PENDING", 1, "0", lockNow, lockNow, 0, lockNow))
	mock.ExpectQuery("FROM booking_seats").WillReturnRows(sqlmock.NewRows([]string{"booking_id", "seat_id", "seat_no", "seat_index", "price"}))
	mock.ExpectQuery("FROM pricing_snapshots").WillReturnError(sql.ErrNoRows)

	b, err := r.GetByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, b.Snapshot)
	assert.Empty(t, b.Seats)
}

func TestBookingRepo_NotFound(t *testing.T) {
	r, mock := newBookingMock(t)
	mock.ExpectQuery("FROM bookings WHERE customer_id = \\? AND idempotency_key = \\?").
		WithArgs(7, "nope").
		WillReturnError(sql.ErrNoRows)
	_, err := r.FindByIdempotencyKey(context.Background(), 7, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepo_InsertSnapshotWithoutPromotion(t *testing.T) {
	r, mock := newBookingMock(t)
	s := &model.PricingSnapshot{BookingID: 42, CreatedAt: lockNow}
	mock.ExpectExec("INSERT INTO pricing_snapshots").
		WithArgs(42, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, nil, "2026-10-15 09:00:00.000").
		WillReturnResult(sqlmock.NewResult(9, 1))
	require.NoError(t, r.InsertSnapshot(context.Background(), s))
	assert.Equal(t, uint64(9), s.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
