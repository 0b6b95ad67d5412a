package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/service"
)

// BookingService is the part of the orchestrator used over HTTP.
type BookingService interface {
	CreateBooking(ctx context.Context, in service.CreateBookingInput) (*model.Booking, error)
	Get(ctx context.Context, code string) (*model.Booking, error)
	GetByID(ctx context.Context, id uint64) (*model.Booking, error)
	Cancel(ctx context.Context, bookingID uint64) (*model.Booking, error)
	InitiatePayment(ctx context.Context, code string, method model.PaymentMethod, clientIP string) (gateway.Charge, error)
}

// RefundService requests refunds of confirmed bookings.
type RefundService interface {
	RequestRefund(ctx context.Context, bookingID uint64, in service.RefundInput) (*model.Booking, error)
}

// BookingHandler exposes booking creation, status polling, payment
// initiation, cancellation and refunds.
type BookingHandler struct {
	Bookings BookingService
	Refunds  RefundService
}

// NewBookingHandler constructs a BookingHandler.  Both dependencies must be
// non-nil.
func NewBookingHandler(bookings BookingService, refunds RefundService) *BookingHandler {
	if bookings == nil || refunds == nil {
		panic("nil service passed to NewBookingHandler")
	}
	return &BookingHandler{Bookings: bookings, Refunds: refunds}
}

type createBookingRequest struct {
	CustomerID     uint64   `json:"customerId" validate:"required"`
	TripID         uint64   `json:"tripId" validate:"required"`
	SeatIDs        []uint64 `json:"seatIds" validate:"required,min=1,dive,required"`
	IdempotencyKey string   `json:"idempotencyKey" validate:"omitempty,max=64"`
}

// Create handles POST /bookings.  The idempotency key may be sent in the
// body or in the Idempotency-Key header; one of them is required.  When a
// bearer token was presented its subject must be the customer.
func (h *BookingHandler) Create(c echo.Context) error {
	var req createBookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	}
	if err := c.Validate(&req); err != nil {
		return writeError(c, err)
	}
	if req.IdempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "idempotencyKey is required"})
	}
	// a customer token must match the body; staff tokens may book for anyone
	uid, ok, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if ok && uid != req.CustomerID && !staffRole(c) {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "customerId does not match token"})
	}

	b, err := h.Bookings.CreateBooking(c.Request().Context(), service.CreateBookingInput{
		CustomerID:     req.CustomerID,
		TripID:         req.TripID,
		SeatIDs:        req.SeatIDs,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /bookings/:code for status polling.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Bookings.Get(c.Request().Context(), c.Param("code"))
	if err != nil {
		return writeError(c, err)
	}
	if denied, err := denyForeignCustomer(c, b.CustomerID); denied {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

type initiatePaymentRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=VNPAY MOMO ZALOPAY STRIPE"`
}

// InitiatePayment handles POST /bookings/:code/payment and returns the
// redirect URL or client secret of the chosen gateway.
func (h *BookingHandler) InitiatePayment(c echo.Context) error {
	var req initiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if err := c.Validate(&req); err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()
	code := c.Param("code")
	b, err := h.Bookings.Get(ctx, code)
	if err != nil {
		return writeError(c, err)
	}
	if denied, err := denyForeignCustomer(c, b.CustomerID); denied {
		return err
	}
	charge, err := h.Bookings.InitiatePayment(ctx, code, model.PaymentMethod(req.Method), c.RealIP())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, charge)
}

// Cancel handles POST /bookings/:id/cancel.  Only unpaid bookings can be
// cancelled; their seats are released immediately.
func (h *BookingHandler) Cancel(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	ctx := c.Request().Context()
	b, err := h.Bookings.GetByID(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if denied, err := denyForeignCustomer(c, b.CustomerID); denied {
		return err
	}
	b, err = h.Bookings.Cancel(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

type refundRequest struct {
	Amount          *decimal.Decimal `json:"amount" validate:"required"`
	OrderInfo       string           `json:"orderInfo" validate:"max=255"`
	TransactionType string           `json:"transactionType" validate:"omitempty,oneof=02 03"`
}

// Refund handles POST /bookings/:id/refund.  transactionType follows the
// VNPay convention: 02 is a full refund and 03 a partial one.  It is
// derived from the amount when omitted.
func (h *BookingHandler) Refund(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()
	b, err := h.Bookings.GetByID(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if denied, err := denyForeignCustomer(c, b.CustomerID); denied {
		return err
	}
	txType := req.TransactionType
	if txType == "" {
		txType = "03"
		if req.Amount.Equal(b.TotalAmount) {
			txType = "02"
		}
	}
	b, err = h.Refunds.RequestRefund(ctx, id, service.RefundInput{
		Amount:          *req.Amount,
		Reason:          req.OrderInfo,
		TransactionType: txType,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
