package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyType names the discount rule attached to a promotion.
type PolicyType string

const (
	PolicyBuyNGetMFree    PolicyType = "BUY_N_GET_M_FREE"
	PolicyPercentOffTotal PolicyType = "PERCENT_OFF_TOTAL"
)

// Promotion is a time-boxed, usage-limited discount.  Condition slices are
// grouped by kind; an empty slice matches every context on that axis.
//
// Fields:
//  ID         – primary key identifier.
//  Code       – unique promotion code.
//  StartDate  – first day the promotion may be redeemed.
//  EndDate    – last day the promotion may be redeemed.
//  UsageLimit – maximum number of redemptions.
//  UsedCount  – redemptions so far; never exceeds UsageLimit.
//  Rule       – the discount rule.
//  Routes     – route whitelist.
//  Dates      – travel date or weekday conditions.
//  Locations  – origin/destination location conditions.
type Promotion struct {
	ID          uint64              `json:"id"`          // promotions.id
	Code        string              `json:"code"`        // promotions.code
	Description string              `json:"description"` // promotions.description
	StartDate   time.Time           `json:"startDate"`   // promotions.start_date
	EndDate     time.Time           `json:"endDate"`     // promotions.end_date
	UsageLimit  int                 `json:"usageLimit"`  // promotions.usage_limit
	UsedCount   int                 `json:"usedCount"`   // promotions.used_count
	Rule        DiscountRule        `json:"rule"`
	Routes      []uint64            `json:"routes,omitempty"`    // promotion_routes
	Dates       []DateCondition     `json:"dates,omitempty"`     // promotion_dates
	Locations   []LocationCondition `json:"locations,omitempty"` // promotion_locations
}

// DiscountRule holds the parameters of either a BuyNGetMFree or a
// PercentOffTotal policy.  Percent is expressed out of 100.
type DiscountRule struct {
	Policy  PolicyType       `json:"policy"`
	BuyN    int              `json:"buyN,omitempty"`
	GetM    int              `json:"getM,omitempty"`
	Percent decimal.Decimal  `json:"percent"`
	MaxOff  *decimal.Decimal `json:"maxOff,omitempty"`
}

// DateCondition matches a travel date either exactly or by ISO weekday
// (Monday=1 … Sunday=7).
type DateCondition struct {
	SpecificDate *time.Time `json:"specificDate,omitempty"`
	Weekday      int        `json:"weekday,omitempty"`
}

// LocationCondition matches a province/district/ward; empty fields match any.
type LocationCondition struct {
	Province string `json:"province,omitempty"`
	District string `json:"district,omitempty"`
	Ward     string `json:"ward,omitempty"`
}

// Matches reports whether loc satisfies every non-empty field of c.
func (c LocationCondition) Matches(loc Location) bool {
	return fieldMatches(c.Province, loc.Province) &&
		fieldMatches(c.District, loc.District) &&
		fieldMatches(c.Ward, loc.Ward)
}

func fieldMatches(want, got string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got))
}

// Discount is the outcome of promotion selection for one order.
type Discount struct {
	PromotionID uint64          `json:"promotionId"`
	Code        string          `json:"code"`
	Policy      PolicyType      `json:"policy"`
	Amount      decimal.Decimal `json:"amount"`
}
