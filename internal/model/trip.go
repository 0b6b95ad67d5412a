package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Location is a province/district/ward triple.
type Location struct {
	Province string `json:"province"`
	District string `json:"district"`
	Ward     string `json:"ward"`
}

// Trip is the master-data view of a scheduled departure.  It is read as a
// point-in-time snapshot and never locked by the booking pipeline.
//
// Fields:
//  ID            – primary key identifier.
//  RouteID       – route served by the trip.
//  BaseFare      – fare before factors.
//  VehicleFactor – multiplier of the vehicle type.
//  DepartureAt   – departure time; its date is the travel date.
//  ArrivalAt     – scheduled arrival.
//  Origin        – departure location.
//  Destination   – arrival location.
type Trip struct {
	ID            uint64          // trips.id
	RouteID       uint64          // trips.route_id
	BaseFare      decimal.Decimal // trips.base_fare
	VehicleFactor decimal.Decimal // trips.vehicle_factor
	DepartureAt   time.Time       // trips.departure_at
	ArrivalAt     time.Time       // trips.arrival_at
	Origin        Location        // trips.origin_*
	Destination   Location        // trips.destination_*
}

// TripSeat is a bookable seat of a trip together with its price factors.
type TripSeat struct {
	ID          uint64          // trip_seats.id
	TripID      uint64          // trip_seats.trip_id
	SeatNo      string          // trip_seats.seat_no
	Floor       int             // trip_seats.floor
	FloorFactor decimal.Decimal // trip_seats.floor_factor
	SeatFactor  decimal.Decimal // trip_seats.seat_factor
}
