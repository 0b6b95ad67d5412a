package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/service"
)

// writeError maps service errors onto HTTP responses.  Anything it does
// not recognise becomes a 500 without leaking the cause.
func writeError(c echo.Context, err error) error {
	var conflict *service.SeatConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, echo.Map{"error": "seats unavailable", "seatIds": conflict.SeatIDs})
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "fields": fields})
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrIdempotencyConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "idempotency key reused with different seats"})
	case errors.Is(err, service.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, service.ErrTicketNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "ticket not found"})
	case errors.Is(err, service.ErrReservationNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
	case errors.Is(err, service.ErrReservationExpired):
		return c.JSON(http.StatusConflict, echo.Map{"error": "reservation expired"})
	case errors.Is(err, service.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrGateway):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment gateway error"})
	}
	c.Logger().Errorf("unhandled error on %s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// getUserID returns the authenticated subject placed in the context by
// the JWT middleware.  ok is false for anonymous requests.
func getUserID(c echo.Context) (uint64, bool, error) {
	v := c.Get("user_id")
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case uint64:
		return t, true, nil
	case int:
		return uint64(t), true, nil
	case int64:
		return uint64(t), true, nil
	case float64:
		return uint64(t), true, nil
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n, true, nil
		}
	}
	return 0, false, errors.New("invalid user_id in context")
}

// staffRole reports whether the caller may act on other customers'
// bookings.
func staffRole(c echo.Context) bool {
	role, _ := c.Get("role").(string)
	return role == "OWNER" || role == "STAFF"
}

// denyForeignCustomer writes 401 or 403 and reports true when an
// authenticated customer acts on another customer's booking.  Anonymous
// requests pass; the routes that need a token are guarded by middleware.
func denyForeignCustomer(c echo.Context, customerID uint64) (bool, error) {
	uid, ok, err := getUserID(c)
	if err != nil {
		return true, c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if ok && uid != customerID && !staffRole(c) {
		return true, c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	return false, nil
}

func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
