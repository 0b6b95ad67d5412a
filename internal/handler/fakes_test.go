package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/service"
)

type fakeBookings struct {
	booking   *model.Booking
	err       error
	createErr error
	created   service.CreateBookingInput
	charged   model.PaymentMethod
	cancelled uint64
}

func (f *fakeBookings) CreateBooking(_ context.Context, in service.CreateBookingInput) (*model.Booking, error) {
	f.created = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.booking, nil
}

func (f *fakeBookings) Get(context.Context, string) (*model.Booking, error) { return f.booking, f.err }

func (f *fakeBookings) GetByID(context.Context, uint64) (*model.Booking, error) {
	return f.booking, f.err
}

func (f *fakeBookings) Cancel(_ context.Context, id uint64) (*model.Booking, error) {
	f.cancelled = id
	b := *f.booking
	b.Status = model.BookingCancelled
	return &b, nil
}

func (f *fakeBookings) InitiatePayment(_ context.Context, _ string, m model.PaymentMethod, _ string) (gateway.Charge, error) {
	f.charged = m
	return gateway.Charge{RedirectURL: "https://pay.example.test/TXN-1", GatewayRef: "TXN-1"}, nil
}

type fakeRefunds struct {
	in  service.RefundInput
	err error
}

func (f *fakeRefunds) RequestRefund(_ context.Context, _ uint64, in service.RefundInput) (*model.Booking, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &model.Booking{Status: model.BookingRefundRequested}, nil
}

// newEcho returns an Echo instance wired the way main wires it.
func newEcho() *echo.Echo {
	e := echo.New()
	e.Validator = NewRequestValidator()
	return e
}

// as marks the request as coming from an authenticated caller.
func as(userID, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", userID)
			c.Set("role", role)
			return next(c)
		}
	}
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}


func doWithHeader(e *echo.Echo, target, body, key, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(key, value)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}
