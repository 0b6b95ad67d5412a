package service

import (
	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/model"
)

// PricingEngine turns fare factors and an optional discount into a
// PricingSnapshot.  It holds no state; every method is a pure function of
// its arguments.
type PricingEngine struct{}

// NewPricingEngine returns a PricingEngine.
func NewPricingEngine() *PricingEngine { return &PricingEngine{} }

func round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// SeatPrice is the price of a single seat before discounts.
func (PricingEngine) SeatPrice(baseFare, vehicleFactor, floorFactor, seatFactor decimal.Decimal) decimal.Decimal {
	return round2(baseFare.Mul(vehicleFactor).Mul(floorFactor).Mul(seatFactor))
}

// ComputeSnapshot derives
//
//	finalPrice = max(0, round2(baseFare × vehicleFactor × floorFactor × Σ seatFactor) − discount)
//
// The returned snapshot is not yet attached to a booking.
func (PricingEngine) ComputeSnapshot(baseFare, vehicleFactor, floorFactor decimal.Decimal, seatFactors []decimal.Decimal, discount *model.Discount) model.PricingSnapshot {
	sum, subtotal := subtotalOf(baseFare, vehicleFactor, floorFactor, seatFactors)

	snap := model.PricingSnapshot{
		BaseFare:      baseFare,
		VehicleFactor: vehicleFactor,
		FloorFactor:   floorFactor,
		SeatFactor:    sum,
		Subtotal:      subtotal,
		Discount:      decimal.Zero,
	}
	if discount != nil {
		id := discount.PromotionID
		snap.Discount = round2(discount.Amount)
		snap.PromotionID = &id
		snap.PromotionCode = discount.Code
		snap.PolicyType = discount.Policy
	}
	final := subtotal.Sub(snap.Discount)
	if final.IsNegative() {
		final = decimal.Zero
	}
	snap.FinalPrice = final
	return snap
}

// SeatPrices splits the snapshot subtotal over the seats in the order of
// seatFactors.  Each seat gets its own rounded price and the rounding
// residue is added to the last seat, so the prices always sum to the
// subtotal ComputeSnapshot reports for the same arguments.
func (PricingEngine) SeatPrices(baseFare, vehicleFactor, floorFactor decimal.Decimal, seatFactors []decimal.Decimal) []decimal.Decimal {
	if len(seatFactors) == 0 {
		return nil
	}
	unit := baseFare.Mul(vehicleFactor).Mul(floorFactor)
	out := make([]decimal.Decimal, 0, len(seatFactors))
	allocated := decimal.Zero
	for _, f := range seatFactors {
		p := round2(unit.Mul(f))
		out = append(out, p)
		allocated = allocated.Add(p)
	}
	_, subtotal := subtotalOf(baseFare, vehicleFactor, floorFactor, seatFactors)
	last := len(out) - 1
	out[last] = out[last].Add(subtotal.Sub(allocated))
	return out
}

func subtotalOf(baseFare, vehicleFactor, floorFactor decimal.Decimal, seatFactors []decimal.Decimal) (sum, subtotal decimal.Decimal) {
	sum = decimal.Zero
	for _, f := range seatFactors {
		sum = sum.Add(f)
	}
	return sum, round2(baseFare.Mul(vehicleFactor).Mul(floorFactor).Mul(sum))
}

// seatFactorsFor folds the per-seat factors of seats into the arguments
// ComputeSnapshot expects.  When every seat is on the same floor that
// floor's factor is passed through; otherwise each seat's floor factor is
// multiplied into its seat factor and the common floor factor is one.
func seatFactorsFor(seats []model.TripSeat) (floorFactor decimal.Decimal, seatFactors []decimal.Decimal) {
	floorFactor = decimal.NewFromInt(1)
	if len(seats) == 0 {
		return floorFactor, nil
	}
	sameFloor := true
	for _, s := range seats[1:] {
		if !s.FloorFactor.Equal(seats[0].FloorFactor) {
			sameFloor = false
			break
		}
	}
	seatFactors = make([]decimal.Decimal, 0, len(seats))
	if sameFloor {
		floorFactor = seats[0].FloorFactor
		for _, s := range seats {
			seatFactors = append(seatFactors, s.SeatFactor)
		}
		return floorFactor, seatFactors
	}
	for _, s := range seats {
		seatFactors = append(seatFactors, s.FloorFactor.Mul(s.SeatFactor))
	}
	return floorFactor, seatFactors
}
