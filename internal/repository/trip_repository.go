package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/trip-booking/internal/model"
)

// TripRepo reads trip and seat master data.  Reads always go to the pool,
// never to the caller's transaction, since master data is owned elsewhere
// and only consulted as a point-in-time snapshot.
type TripRepo struct {
	db *sql.DB
}

// NewTripRepo returns a new TripRepo bound to the given database.
func NewTripRepo(db *sql.DB) *TripRepo { return &TripRepo{db: db} }

// GetTrip returns the trip with the given id or ErrNotFound.
func (r *TripRepo) GetTrip(ctx context.Context, tripID uint64) (*model.Trip, error) {
	const q = `SELECT id, route_id, base_fare, vehicle_factor, departure_at, arrival_at,
                      origin_province, origin_district, origin_ward,
                      destination_province, destination_district, destination_ward
               FROM trips WHERE id = ?`
	var t model.Trip
	err := r.db.QueryRowContext(ctx, q, tripID).Scan(
		&t.ID, &t.RouteID, &t.BaseFare, &t.VehicleFactor, &t.DepartureAt, &t.ArrivalAt,
		&t.Origin.Province, &t.Origin.District, &t.Origin.Ward,
		&t.Destination.Province, &t.Destination.District, &t.Destination.Ward,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %d: %w", tripID, err)
	}
	return &t, nil
}

// GetSeats returns the requested seats of the trip ordered by id.  Unknown
// ids are simply absent from the result.
func (r *TripRepo) GetSeats(ctx context.Context, tripID uint64, seatIDs []uint64) ([]model.TripSeat, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	q := `SELECT id, trip_id, seat_no, floor, floor_factor, seat_factor
          FROM trip_seats WHERE trip_id = ? AND id IN (` + placeholders(len(seatIDs)) + `) ORDER BY id`
	args := append([]any{tripID}, uint64Args(seatIDs)...)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get trip seats: %w", err)
	}
	defer rows.Close()
	var seats []model.TripSeat
	for rows.Next() {
		var s model.TripSeat
		if err := rows.Scan(&s.ID, &s.TripID, &s.SeatNo, &s.Floor, &s.FloorFactor, &s.SeatFactor); err != nil {
			return nil, fmt.Errorf("scan trip seat: %w", err)
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}
