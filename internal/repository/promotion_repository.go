package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/model"
)

// PromotionRepo reads promotions with their condition sets and performs the
// atomic redemption.
type PromotionRepo struct {
	*Store
}

// NewPromotionRepo returns a new PromotionRepo bound to the given database.
func NewPromotionRepo(db *sql.DB) *PromotionRepo { return &PromotionRepo{Store: NewStore(db)} }

// ListActive returns promotions whose validity window contains the date of
// at and that still have redemptions left, ordered by id.  The usage
// figures are a snapshot; Redeem is the authoritative check.
func (r *PromotionRepo) ListActive(ctx context.Context, at time.Time) ([]model.Promotion, error) {
	const q = `SELECT id, code, description, start_date, end_date, usage_limit, used_count,
                      policy_type, buy_n, get_m, percent, max_off
               FROM promotions
               WHERE start_date <= ? AND end_date >= ? AND used_count < usage_limit
               ORDER BY id`
	day := at.UTC().Format("2006-01-02")
	rows, err := r.db.QueryContext(ctx, q, day, day)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	var promos []model.Promotion
	index := map[uint64]int{}
	for rows.Next() {
		var p model.Promotion
		var policy string
		var maxOff decimal.NullDecimal
		if err := rows.Scan(&p.ID, &p.Code, &p.Description, &p.StartDate, &p.EndDate, &p.UsageLimit, &p.UsedCount,
			&policy, &p.Rule.BuyN, &p.Rule.GetM, &p.Rule.Percent, &maxOff); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		p.Rule.Policy = model.PolicyType(policy)
		if maxOff.Valid {
			v := maxOff.Decimal
			p.Rule.MaxOff = &v
		}
		index[p.ID] = len(promos)
		promos = append(promos, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return promos, nil
	}
	ids := make([]uint64, 0, len(promos))
	for _, p := range promos {
		ids = append(ids, p.ID)
	}
	if err := r.loadRoutes(ctx, ids, promos, index); err != nil {
		return nil, err
	}
	if err := r.loadDates(ctx, ids, promos, index); err != nil {
		return nil, err
	}
	if err := r.loadLocations(ctx, ids, promos, index); err != nil {
		return nil, err
	}
	return promos, nil
}

// Redeem consumes one use of the promotion.  It returns false when the
// usage limit has already been reached, in which case nothing changed.
func (r *PromotionRepo) Redeem(ctx context.Context, promotionID uint64) (bool, error) {
	const q = `UPDATE promotions SET used_count = used_count + 1 WHERE id = ? AND used_count < usage_limit`
	n, err := affected(r.conn(ctx).ExecContext(ctx, q, promotionID))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PromotionRepo) loadRoutes(ctx context.Context, ids []uint64, promos []model.Promotion, index map[uint64]int) error {
	q := `SELECT promotion_id, route_id FROM promotion_routes WHERE promotion_id IN (` + placeholders(len(ids)) + `) ORDER BY promotion_id, route_id`
	rows, err := r.db.QueryContext(ctx, q, uint64Args(ids)...)
	if err != nil {
		return fmt.Errorf("list promotion routes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid, routeID uint64
		if err := rows.Scan(&pid, &routeID); err != nil {
			return err
		}
		if i, ok := index[pid]; ok {
			promos[i].Routes = append(promos[i].Routes, routeID)
		}
	}
	return rows.Err()
}

func (r *PromotionRepo) loadDates(ctx context.Context, ids []uint64, promos []model.Promotion, index map[uint64]int) error {
	q := `SELECT promotion_id, specific_date, weekday FROM promotion_dates WHERE promotion_id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, uint64Args(ids)...)
	if err != nil {
		return fmt.Errorf("list promotion dates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid uint64
		var day sql.NullTime
		var weekday sql.NullInt64
		if err := rows.Scan(&pid, &day, &weekday); err != nil {
			return err
		}
		var c model.DateCondition
		if day.Valid {
			d := day.Time
			c.SpecificDate = &d
		}
		if weekday.Valid {
			c.Weekday = int(weekday.Int64)
		}
		if i, ok := index[pid]; ok {
			promos[i].Dates = append(promos[i].Dates, c)
		}
	}
	return rows.Err()
}

func (r *PromotionRepo) loadLocations(ctx context.Context, ids []uint64, promos []model.Promotion, index map[uint64]int) error {
	q := `SELECT promotion_id, province, district, ward FROM promotion_locations WHERE promotion_id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, uint64Args(ids)...)
	if err != nil {
		return fmt.Errorf("list promotion locations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid uint64
		var province, district, ward sql.NullString
		if err := rows.Scan(&pid, &province, &district, &ward); err != nil {
			return err
		}
		if i, ok := index[pid]; ok {
			promos[i].Locations = append(promos[i].Locations, model.LocationCondition{
				Province: province.String,
				District: district.String,
				Ward:     ward.String,
			})
		}
	}
	return rows.Err()
}
