package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/service"
)

// maxWebhookBody bounds the payload read from a gateway.
const maxWebhookBody = 1 << 20

// WebhookService reconciles gateway notifications.
type WebhookService interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, header http.Header) (service.Ack, error)
}

// WebhookHandler receives payment notifications.
type WebhookHandler struct {
	Payments WebhookService
}

func NewWebhookHandler(payments WebhookService) *WebhookHandler {
	if payments == nil {
		panic("nil service passed to NewWebhookHandler")
	}
	return &WebhookHandler{Payments: payments}
}

// Receive handles POST /payments/webhook/:provider.  VNPay delivers its IPN
// as a GET with the signed parameters in the query string, so GET requests
// use the raw query as the payload.
//
// Every delivery that could be parsed is acknowledged with 200, including
// replays and deliveries that could not be applied; those carry
// status ERROR in the body.  400 means the gateway sent something that can
// never be processed.  503 asks the gateway to retry because the delivery
// was not recorded.
func (h *WebhookHandler) Receive(c echo.Context) error {
	var payload []byte
	if c.Request().Method == http.MethodGet {
		payload = []byte(c.QueryString())
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
		}
		payload = body
	}
	if len(payload) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "empty payload"})
	}

	ack, err := h.Payments.HandleWebhook(c.Request().Context(), c.Param("provider"), payload, c.Request().Header)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, ack)
	case errors.Is(err, service.ErrUnparsablePayload), errors.Is(err, service.ErrUnknownProvider):
		return c.JSON(http.StatusBadRequest, ack)
	}
	c.Logger().Errorf("webhook %s not recorded: %v", c.Param("provider"), err)
	return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook not recorded, retry later"})
}
