package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingSnapshot is the immutable record of how a booking's price was
// derived.  Rows are only ever inserted; a recompute produces a new row.
type PricingSnapshot struct {
	ID            uint64          `json:"id"`
	BookingID     uint64          `json:"-"`
	BaseFare      decimal.Decimal `json:"baseFare"`
	VehicleFactor decimal.Decimal `json:"vehicleFactor"`
	FloorFactor   decimal.Decimal `json:"floorFactor"`
	SeatFactor    decimal.Decimal `json:"seatFactor"` // sum over booked seats
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	FinalPrice    decimal.Decimal `json:"finalPrice"`
	PromotionID   *uint64         `json:"promotionId,omitempty"`
	PromotionCode string          `json:"promotionCode,omitempty"`
	PolicyType    PolicyType      `json:"policyType,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
