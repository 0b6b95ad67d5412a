package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/trip-booking/internal/model"
)

func TestSeatPrice(t *testing.T) {
	p := NewPricingEngine()
	tests := []struct {
		name                string
		base, vf, floor, sf string
		want                string
	}{
		{"plain", "100000", "1.2", "1.0", "1.0", "120000"},
		{"upper deck", "100000", "1.2", "1.1", "1.5", "198000"},
		{"rounds half up to cents", "33333.33", "1.15", "1", "1", "38333.33"},
		{"cents", "10.01", "1.5", "1", "1", "15.02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.SeatPrice(dec(tt.base), dec(tt.vf), dec(tt.floor), dec(tt.sf))
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestComputeSnapshot(t *testing.T) {
	p := NewPricingEngine()
	factors := []decimal.Decimal{dec("1.0"), dec("1.0"), dec("1.0")}

	t.Run("no discount", func(t *testing.T) {
		s := p.ComputeSnapshot(dec("100000"), dec("1.2"), dec("1.0"), factors, nil)
		assert.True(t, s.SeatFactor.Equal(dec("3")))
		assert.True(t, s.Subtotal.Equal(dec("360000")))
		assert.True(t, s.Discount.IsZero())
		assert.True(t, s.FinalPrice.Equal(dec("360000")))
		assert.Nil(t, s.PromotionID)
	})

	t.Run("discount", func(t *testing.T) {
		s := p.ComputeSnapshot(dec("100000"), dec("1.2"), dec("1.0"), factors, &model.Discount{
			PromotionID: 7, Code: "BUY2GET1", Policy: model.PolicyBuyNGetMFree, Amount: dec("120000"),
		})
		assert.True(t, s.FinalPrice.Equal(dec("240000")))
		if assert.NotNil(t, s.PromotionID) {
			assert.Equal(t, uint64(7), *s.PromotionID)
		}
		assert.Equal(t, "BUY2GET1", s.PromotionCode)
		assert.Equal(t, model.PolicyBuyNGetMFree, s.PolicyType)
	})

	t.Run("never negative", func(t *testing.T) {
		s := p.ComputeSnapshot(dec("100"), dec("1"), dec("1"), []decimal.Decimal{dec("1")}, &model.Discount{Amount: dec("150")})
		assert.True(t, s.FinalPrice.IsZero())
	})

	t.Run("deterministic", func(t *testing.T) {
		a := p.ComputeSnapshot(dec("99999.99"), dec("1.13"), dec("1.07"), factors, &model.Discount{Amount: dec("1234.567")})
		b := p.ComputeSnapshot(dec("99999.99"), dec("1.13"), dec("1.07"), factors, &model.Discount{Amount: dec("1234.567")})
		assert.Equal(t, a, b)
		assert.True(t, a.Discount.Equal(dec("1234.57")))
	})
}

func TestSeatFactorsFor_MixedFloors(t *testing.T) {
	p := NewPricingEngine()
	seats := []model.TripSeat{
		{ID: 101, FloorFactor: dec("1.0"), SeatFactor: dec("1.0")},
		{ID: 111, FloorFactor: dec("1.1"), SeatFactor: dec("1.5")},
	}
	floor, factors := seatFactorsFor(seats)
	assert.True(t, floor.Equal(dec("1")))
	if assert.Len(t, factors, 2) {
		assert.True(t, factors[1].Equal(dec("1.65")))
	}

	snap := p.ComputeSnapshot(dec("100000"), dec("1.2"), floor, factors, nil)
	sum := p.SeatPrice(dec("100000"), dec("1.2"), dec("1.0"), dec("1.0")).
		Add(p.SeatPrice(dec("100000"), dec("1.2"), dec("1.1"), dec("1.5")))
	assert.True(t, snap.Subtotal.Equal(sum), "subtotal %s, seat prices sum to %s", snap.Subtotal, sum)
}

func TestSeatFactorsFor_SameFloor(t *testing.T) {
	floor, factors := seatFactorsFor([]model.TripSeat{
		{FloorFactor: dec("1.1"), SeatFactor: dec("1.0")},
		{FloorFactor: dec("1.1"), SeatFactor: dec("1.2")},
	})
	assert.True(t, floor.Equal(dec("1.1")))
	assert.True(t, factors[1].Equal(dec("1.2")))
}

func TestSeatPrices_SumToSubtotal(t *testing.T) {
	p := NewPricingEngine()
	factors := []decimal.Decimal{dec("1"), dec("1"), dec("1")}

	// 10.005 rounds up per seat but the total of 30.015 only gains half a cent
	ps := p.SeatPrices(dec("10.005"), dec("1"), dec("1"), factors)
	snap := p.ComputeSnapshot(dec("10.005"), dec("1"), dec("1"), factors, nil)
	assert.True(t, snap.Subtotal.Equal(dec("30.02")))
	if assert.Len(t, ps, 3) {
		assert.True(t, ps[0].Equal(dec("10.01")))
		assert.True(t, ps[2].Equal(dec("10.00")))
		assert.True(t, sum(ps).Equal(snap.Subtotal), "seat prices sum to %s", sum(ps))
	}

	allFree := model.DiscountRule{Policy: model.PolicyBuyNGetMFree, BuyN: 1, GetM: 1}
	off := DiscountAmount(allFree, ps, snap.Subtotal)
	free := p.ComputeSnapshot(dec("10.005"), dec("1"), dec("1"), factors, &model.Discount{Amount: off})
	assert.True(t, free.FinalPrice.IsZero(), "final price %s", free.FinalPrice)

	assert.Nil(t, p.SeatPrices(dec("100"), dec("1"), dec("1"), nil))
}
