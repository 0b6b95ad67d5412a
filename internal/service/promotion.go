package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/model"
)

// PromotionStore lists candidate promotions and redeems them.  Redeem must
// increment used_count only while it is below usage_limit and report
// whether it did.
type PromotionStore interface {
	ListActive(ctx context.Context, at time.Time) ([]model.Promotion, error)
	Redeem(ctx context.Context, promotionID uint64) (bool, error)
}

// PromotionContext describes the order a discount is evaluated for.
type PromotionContext struct {
	RouteID     uint64
	TravelDate  time.Time
	Origin      model.Location
	Destination model.Location
	SeatPrices  []decimal.Decimal
	CustomerID  uint64
}

// Subtotal is the undiscounted sum of the seat prices.
func (c PromotionContext) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range c.SeatPrices {
		sum = sum.Add(p)
	}
	return sum
}

// PromotionEvaluator picks the discount that saves the customer the most.
type PromotionEvaluator struct {
	store  PromotionStore
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewPromotionEvaluator builds a PromotionEvaluator.
func NewPromotionEvaluator(store PromotionStore, opts ...Option) *PromotionEvaluator {
	o := buildOptions(opts)
	return &PromotionEvaluator{store: store, clock: o.clock, logger: o.logger}
}

// SelectBestDiscount returns the largest discount among the eligible
// candidates, ties going to the lowest promotion id, or nil when none is
// eligible.
func (e *PromotionEvaluator) SelectBestDiscount(candidates []model.Promotion, pc PromotionContext) *model.Discount {
	ranked := e.RankDiscounts(candidates, pc)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

// RankDiscounts returns one Discount per eligible candidate ordered by
// amount descending and promotion id ascending.  Promotions that would
// take nothing off the order are left out.
func (e *PromotionEvaluator) RankDiscounts(candidates []model.Promotion, pc PromotionContext) []model.Discount {
	today := e.clock.Now()
	subtotal := pc.Subtotal()
	out := make([]model.Discount, 0, len(candidates))
	for _, p := range candidates {
		if !Eligible(p, today, pc) {
			continue
		}
		amount := DiscountAmount(p.Rule, pc.SeatPrices, subtotal)
		if !amount.IsPositive() {
			continue
		}
		out = append(out, model.Discount{
			PromotionID: p.ID,
			Code:        p.Code,
			Policy:      p.Rule.Policy,
			Amount:      amount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].PromotionID < out[j].PromotionID
	})
	return out
}

// Apply loads the active promotions, ranks them for pc and redeems the best
// one that still has usage left.  It must run inside the transaction that
// persists the booking so that a rolled back booking gives the usage back.
// A nil result without error means no discount applies.
func (e *PromotionEvaluator) Apply(ctx context.Context, pc PromotionContext) (*model.Discount, error) {
	candidates, err := e.store.ListActive(ctx, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	for _, d := range e.RankDiscounts(candidates, pc) {
		ok, err := e.store.Redeem(ctx, d.PromotionID)
		if err != nil {
			return nil, fmt.Errorf("redeem promotion %s: %w", d.Code, err)
		}
		if ok {
			e.logger.WithFields(logrus.Fields{
				"promotion": d.Code,
				"customer":  pc.CustomerID,
				"amount":    d.Amount.StringFixed(2),
			}).Info("promotion redeemed")
			d := d
			return &d, nil
		}
		// lost the race for the last use; treat as ineligible
		e.logger.WithFields(logrus.Fields{
			"promotion": d.Code,
			"error":     ErrPromotionExhausted.Error(),
		}).Warn("promotion skipped")
	}
	return nil, nil
}

// Eligible reports whether p may be applied on day today to the order pc.
// Conditions of different kinds are AND'ed; within a kind any entry
// matches; a kind with no entries always matches.
func Eligible(p model.Promotion, today time.Time, pc PromotionContext) bool {
	day := dateOf(today)
	if day < dateOf(p.StartDate) || day > dateOf(p.EndDate) {
		return false
	}
	if p.UsedCount >= p.UsageLimit {
		return false
	}
	return matchRoute(p.Routes, pc.RouteID) &&
		matchDate(p.Dates, pc.TravelDate) &&
		matchLocation(p.Locations, pc.Origin, pc.Destination)
}

// DiscountAmount computes what rule takes off an order with the given seat
// prices and subtotal, never more than the subtotal.
func DiscountAmount(rule model.DiscountRule, seatPrices []decimal.Decimal, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch rule.Policy {
	case model.PolicyBuyNGetMFree:
		if rule.BuyN <= 0 || rule.GetM <= 0 {
			return decimal.Zero
		}
		free := (len(seatPrices) / rule.BuyN) * rule.GetM
		if free > len(seatPrices) {
			free = len(seatPrices)
		}
		prices := append([]decimal.Decimal(nil), seatPrices...)
		sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
		for _, p := range prices[:free] {
			amount = amount.Add(p)
		}
	case model.PolicyPercentOffTotal:
		if !rule.Percent.IsPositive() {
			return decimal.Zero
		}
		amount = round2(subtotal.Mul(rule.Percent).Div(decimal.NewFromInt(100)))
		if rule.MaxOff != nil && amount.GreaterThan(*rule.MaxOff) {
			amount = *rule.MaxOff
		}
	default:
		return decimal.Zero
	}
	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	return amount
}

func dateOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// isoWeekday maps Sunday to 7.
func isoWeekday(t time.Time) int {
	if wd := int(t.UTC().Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func matchRoute(routes []uint64, routeID uint64) bool {
	if len(routes) == 0 {
		return true
	}
	for _, r := range routes {
		if r == routeID {
			return true
		}
	}
	return false
}

func matchDate(conds []model.DateCondition, travel time.Time) bool {
	if len(conds) == 0 {
		return true
	}
	day := dateOf(travel)
	wd := isoWeekday(travel)
	for _, c := range conds {
		if c.SpecificDate != nil && dateOf(*c.SpecificDate) == day {
			return true
		}
		if c.SpecificDate == nil && c.Weekday == wd {
			return true
		}
	}
	return false
}

func matchLocation(conds []model.LocationCondition, origin, destination model.Location) bool {
	if len(conds) == 0 {
		return true
	}
	for _, c := range conds {
		if c.Matches(origin) || c.Matches(destination) {
			return true
		}
	}
	return false
}
