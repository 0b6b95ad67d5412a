package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/model"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

const (
	testTripID  = 1
	testRouteID = 10
	lockTTL     = 10 * time.Minute
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway charges and refunds without a network.
type fakeGateway struct {
	mu            sync.Mutex
	chargeErrs    []error
	refundErrs    []error
	refundOutcome gateway.RefundOutcome
	charges       []gateway.ChargeRequest
	refunds       []gateway.RefundRequest
}

func (g *fakeGateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if len(g.chargeErrs) > 0 {
		err := g.chargeErrs[0]
		g.chargeErrs = g.chargeErrs[1:]
		return gateway.Charge{}, err
	}
	return gateway.Charge{
		RedirectURL: "https://pay.example.test/" + req.TransactionID,
		GatewayRef:  "ref-" + req.TransactionID,
	}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	if len(g.refundErrs) > 0 {
		err := g.refundErrs[0]
		g.refundErrs = g.refundErrs[1:]
		return gateway.RefundResult{}, err
	}
	outcome := g.refundOutcome
	if outcome == "" {
		outcome = gateway.RefundSucceeded
	}
	return gateway.RefundResult{Outcome: outcome, GatewayRef: "rf-" + req.TransactionID}, nil
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

type harness struct {
	db    *memDB
	clock *testClock
	gw    *fakeGateway

	locks    *SeatLockManager
	promos   *PromotionEvaluator
	bookings *BookingOrchestrator
	payments *PaymentReconciler
	tickets  *TicketIssuer
}

// newHarness wires every service over one memDB.  Trip 1 departs on
// Tuesday 2026-10-20 with ten ground floor seats (101-110) priced at
// 120000.00 and one upper deck seat (111) priced at 198000.00.  MOMO can
// charge and refund; ZALOPAY can only charge.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{db: newMemDB(), clock: newTestClock(t0), gw: &fakeGateway{}}

	seats := make([]model.TripSeat, 0, 11)
	for id := uint64(101); id <= 110; id++ {
		seats = append(seats, model.TripSeat{
			ID:          id,
			SeatNo:      fmt.Sprintf("A%02d", id-100),
			Floor:       1,
			FloorFactor: decimal.RequireFromString("1.0"),
			SeatFactor:  decimal.RequireFromString("1.0"),
		})
	}
	seats = append(seats, model.TripSeat{
		ID:          111,
		SeatNo:      "B01",
		Floor:       2,
		FloorFactor: decimal.RequireFromString("1.1"),
		SeatFactor:  decimal.RequireFromString("1.5"),
	})
	h.db.addTrip(model.Trip{
		ID:            testTripID,
		RouteID:       testRouteID,
		BaseFare:      decimal.RequireFromString("100000"),
		VehicleFactor: decimal.RequireFromString("1.2"),
		DepartureAt:   time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC),
		ArrivalAt:     time.Date(2026, 10, 20, 14, 30, 0, 0, time.UTC),
		Origin:        model.Location{Province: "Ha Noi", District: "Hoan Kiem"},
		Destination:   model.Location{Province: "Lao Cai", District: "Sa Pa"},
	}, seats...)

	reg := gateway.NewRegistry()
	reg.AddProvider("wallet", testWallet)
	reg.AddMethod(model.MethodMoMo, h.gw, h.gw)
	reg.AddMethod(model.MethodZaloPay, h.gw, nil)

	opts := []Option{
		WithClock(h.clock),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
	}
	h.locks = NewSeatLockManager(h.db, opts...)
	h.promos = NewPromotionEvaluator(h.db, opts...)
	h.tickets = NewTicketIssuer(ticketView{h.db}, h.db, h.db, "qr-secret", opts...)
	h.bookings = NewBookingOrchestrator(h.db, h.db, h.db, h.db, h.locks, h.promos, NewPricingEngine(), reg,
		BookingConfig{LockTTL: lockTTL, DefaultMethod: model.MethodMoMo}, opts...)
	h.payments = NewPaymentReconciler(h.db, h.db, h.db, h.locks, h.tickets, reg, opts...)
	return h
}

func (h *harness) book(t *testing.T, customerID uint64, key string, seatIDs ...uint64) *model.Booking {
	t.Helper()
	b, err := h.bookings.CreateBooking(context.Background(), CreateBookingInput{
		CustomerID:     customerID,
		TripID:         testTripID,
		SeatIDs:        seatIDs,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

var testWallet = gateway.NewGeneric("wallet", "wallet-secret")

// webhook builds a wallet notification for the booking's payment.
// nonce makes otherwise identical deliveries hash differently.
func webhook(b *model.Booking, status, nonce string) []byte {
	return []byte(fmt.Sprintf(`{"transactionId":%q,"status":%q,"amount":%q,"nonce":%q}`,
		b.Payment.TransactionID, status, b.TotalAmount.StringFixed(2), nonce))
}

func signed(payload []byte) http.Header {
	h := http.Header{}
	h.Set("X-Signature", testWallet.Sign(payload))
	return h
}

func (h *harness) deliver(t *testing.T, payload []byte) Ack {
	t.Helper()
	ack, err := h.payments.HandleWebhook(context.Background(), "wallet", payload, signed(payload))
	require.NoError(t, err)
	return ack
}

// confirmed books the seats and pays for them.
func (h *harness) confirmed(t *testing.T, customerID uint64, key string, seatIDs ...uint64) *model.Booking {
	t.Helper()
	b := h.book(t, customerID, key, seatIDs...)
	ack := h.deliver(t, webhook(b, "SUCCESS", "paid"))
	require.Equal(t, model.WebhookProcessed, ack.Status, ack.Error)
	got, err := h.bookings.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.BookingConfirmed, got.Status)
	return got
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
