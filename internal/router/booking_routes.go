package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/handler"
	"github.com/iliyamo/trip-booking/internal/middleware"
)

// RegisterBookings registers booking endpoints.  When jwtSecret is set
// every route requires a token and customers only see their own bookings;
// an empty secret trusts the customerId of the request body.  createLimit
// guards booking creation and is usually the Redis token bucket.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, createLimit echo.MiddlewareFunc) {
	g := e.Group("/bookings", middleware.JWTAuth(jwtSecret))
	if createLimit != nil {
		g.POST("", h.Create, createLimit)
	} else {
		g.POST("", h.Create)
	}
	g.GET("/:code", h.Get)
	g.POST("/:code/payment", h.InitiatePayment)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/refund", h.Refund)
}

// RegisterTickets registers ticket endpoints.  The QR image is public
// because the ticket code itself is the bearer secret; check-in is
// restricted to gate staff when authentication is on.
func RegisterTickets(e *echo.Echo, h *handler.TicketHandler, jwtSecret string) {
	e.GET("/tickets", h.List, middleware.JWTAuth(jwtSecret))
	e.GET("/tickets/:code/qr", h.QR)
	e.POST("/tickets/:code/check-in", h.CheckIn,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(jwtSecret != "", "STAFF", "OWNER"),
	)
}

// RegisterAdmin registers the staff maintenance endpoints.  They are only
// served when authentication is on; with an empty jwtSecret nothing is
// registered and false is returned.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) bool {
	if jwtSecret == "" {
		return false
	}
	staff := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(true, "STAFF", "OWNER"),
	}
	e.GET("/payments/webhook-logs", h.WebhookLogs, staff...)
	g := e.Group("/admin", staff...)
	g.POST("/cleanup", h.Cleanup)
	g.GET("/cleanup/status", h.CleanupStatus)
	return true
}
