package model

import (
	"sort"
	"time"
)

// SeatLockStatus is the lifecycle state of a single seat lock row.
type SeatLockStatus string

const (
	SeatLockActive    SeatLockStatus = "ACTIVE"
	SeatLockReleased  SeatLockStatus = "RELEASED"
	SeatLockExpired   SeatLockStatus = "EXPIRED"
	SeatLockConfirmed SeatLockStatus = "CONFIRMED"
)

// Terminal reports whether no further holder action can change the lock.
func (s SeatLockStatus) Terminal() bool {
	return s == SeatLockReleased || s == SeatLockExpired || s == SeatLockConfirmed
}

// SeatLock represents a short-lived exclusive claim on one seat of one
// trip.  Locks acquired together share a ReservationID so that they can be
// renewed, released or confirmed as a unit.
//
// Fields:
//  ID             – primary key identifier.
//  ReservationID  – batch identifier shared by all seats of one acquire call.
//  TripID         – trip the seat belongs to.
//  SeatID         – trip seat being locked.
//  HolderID       – customer holding the lock.
//  IdempotencyKey – client token making acquire retries safe.
//  Status         – ACTIVE, RELEASED, EXPIRED or CONFIRMED.
//  AcquiredAt     – when the lock was taken.
//  ExpiresAt      – when an ACTIVE lock lapses.
type SeatLock struct {
	ID             uint64         // seat_locks.id
	ReservationID  string         // seat_locks.reservation_id
	TripID         uint64         // seat_locks.trip_id
	SeatID         uint64         // seat_locks.seat_id
	HolderID       uint64         // seat_locks.holder_id
	IdempotencyKey string         // seat_locks.idempotency_key
	Status         SeatLockStatus // seat_locks.status
	AcquiredAt     time.Time      // seat_locks.acquired_at
	ExpiresAt      time.Time      // seat_locks.expires_at
}

// Blocking reports whether the lock prevents another holder from taking the
// seat at the given instant.
func (l SeatLock) Blocking(now time.Time) bool {
	switch l.Status {
	case SeatLockConfirmed:
		return true
	case SeatLockActive:
		return l.ExpiresAt.After(now)
	}
	return false
}

// Reservation is the aggregate view of the locks produced by one acquire
// call.  It is never stored on its own; repositories assemble it from the
// seat_locks rows sharing a reservation_id.
type Reservation struct {
	ID             string
	TripID         uint64
	HolderID       uint64
	IdempotencyKey string
	SeatIDs        []uint64
	Status         SeatLockStatus
	AcquiredAt     time.Time
	ExpiresAt      time.Time
}

// Terminal reports whether the reservation has been released, expired or sold.
func (r Reservation) Terminal() bool { return r.Status.Terminal() }

// Lapsed reports whether an ACTIVE reservation has passed its expiry.
func (r Reservation) Lapsed(now time.Time) bool {
	return r.Status == SeatLockActive && !r.ExpiresAt.After(now)
}

// SameSeats reports whether the reservation covers exactly the given seats,
// ignoring order and duplicates.
func (r Reservation) SameSeats(seatIDs []uint64) bool {
	a := NormalizeSeatIDs(r.SeatIDs)
	b := NormalizeSeatIDs(seatIDs)
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

// ReservationFromLocks folds the lock rows of one reservation into a
// Reservation.  It returns false when locks is empty.
func ReservationFromLocks(locks []SeatLock) (Reservation, bool) {
	if len(locks) == 0 {
		return Reservation{}, false
	}
	first := locks[0]
	res := Reservation{
		ID:             first.ReservationID,
		TripID:         first.TripID,
		HolderID:       first.HolderID,
		IdempotencyKey: first.IdempotencyKey,
		Status:         first.Status,
		AcquiredAt:     first.AcquiredAt,
		ExpiresAt:      first.ExpiresAt,
	}
	for _, l := range locks {
		res.SeatIDs = append(res.SeatIDs, l.SeatID)
		// rows of one reservation move together; a mixed set only appears
		// mid-transition, and ACTIVE is reported until every row has moved
		if l.Status == SeatLockActive {
			res.Status = SeatLockActive
		}
	}
	res.SeatIDs = NormalizeSeatIDs(res.SeatIDs)
	return res, true
}

// NormalizeSeatIDs returns a sorted copy of ids without zeros or duplicates.
// Locks are always taken in this order.
func NormalizeSeatIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
