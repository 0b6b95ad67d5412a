package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/handler"
)

// RegisterRoutes registers routes that do not require authentication.
// /healthz answers as long as the process runs; /readyz also pings the
// database.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
}

// RegisterWebhooks registers the payment gateway callbacks.  Gateways sign
// their payloads, so no bearer token is involved.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/payments/webhook/:provider", h.Receive)
	e.GET("/payments/webhook/:provider", h.Receive)
}
