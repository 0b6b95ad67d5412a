package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/model"
)

// TicketService lists, renders and checks in tickets.
type TicketService interface {
	ListByBookingCode(ctx context.Context, code string) (*model.Booking, []model.Ticket, error)
	RenderQR(ctx context.Context, code string) ([]byte, error)
	CheckIn(ctx context.Context, code string) (model.CheckInResult, error)
}

// TicketHandler serves tickets to customers and check-in to gate staff.
type TicketHandler struct {
	Tickets TicketService
}

func NewTicketHandler(tickets TicketService) *TicketHandler {
	if tickets == nil {
		panic("nil service passed to NewTicketHandler")
	}
	return &TicketHandler{Tickets: tickets}
}

// List handles GET /tickets?bookingCode=.  Bookings that are not paid
// return their status with an empty ticket list.
func (h *TicketHandler) List(c echo.Context) error {
	code := strings.TrimSpace(c.QueryParam("bookingCode"))
	if code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bookingCode is required"})
	}
	b, tickets, err := h.Tickets.ListByBookingCode(c.Request().Context(), code)
	if err != nil {
		return writeError(c, err)
	}
	if denied, err := denyForeignCustomer(c, b.CustomerID); denied {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"bookingCode": b.Code,
		"status":      b.Status,
		"tickets":     tickets,
	})
}

// QR handles GET /tickets/:code/qr and returns a PNG.
func (h *TicketHandler) QR(c echo.Context) error {
	png, err := h.Tickets.RenderQR(c.Request().Context(), c.Param("code"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// CheckIn handles POST /tickets/:code/check-in.  Repeated scans are
// answered with 200 and result already-checked-in.
func (h *TicketHandler) CheckIn(c echo.Context) error {
	res, err := h.Tickets.CheckIn(c.Request().Context(), c.Param("code"))
	if err != nil {
		return writeError(c, err)
	}
	if res == model.CheckInNotFound {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "ticket not found", "result": res})
	}
	return c.JSON(http.StatusOK, echo.Map{"checkedIn": true, "result": res})
}
