package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/service"
)

// MaintenanceService runs the expiry sweeps on demand.
type MaintenanceService interface {
	Cleanup(ctx context.Context) (service.CleanupReport, error)
	CleanupStatus(ctx context.Context) (service.CleanupStatus, error)
}

// WebhookLogService lists recorded gateway notifications.
type WebhookLogService interface {
	WebhookLogs(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error)
}

// AdminHandler serves the staff-only maintenance endpoints.
type AdminHandler struct {
	Maintenance MaintenanceService
	Logs        WebhookLogService
}

func NewAdminHandler(maintenance MaintenanceService, logs WebhookLogService) *AdminHandler {
	if maintenance == nil || logs == nil {
		panic("nil service passed to NewAdminHandler")
	}
	return &AdminHandler{Maintenance: maintenance, Logs: logs}
}

// Cleanup handles POST /admin/cleanup.
func (h *AdminHandler) Cleanup(c echo.Context) error {
	rep, err := h.Maintenance.Cleanup(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

// CleanupStatus handles GET /admin/cleanup/status.
func (h *AdminHandler) CleanupStatus(c echo.Context) error {
	st, err := h.Maintenance.CleanupStatus(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// WebhookLogs handles GET /payments/webhook-logs?status=ERROR&limit=50.
// Without status every entry is listed, newest first.
func (h *AdminHandler) WebhookLogs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	status := model.ProcessingStatus(strings.ToUpper(c.QueryParam("status")))
	logs, err := h.Logs.WebhookLogs(c.Request().Context(), status, limit)
	if err != nil {
		return writeError(c, err)
	}
	if logs == nil {
		logs = []model.PaymentWebhookLog{}
	}
	return c.JSON(http.StatusOK, echo.Map{"logs": logs, "count": len(logs)})
}
