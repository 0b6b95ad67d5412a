package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/service"
)

type fakeMaintenance struct {
	report service.CleanupReport
	err    error
}

func (f *fakeMaintenance) Cleanup(context.Context) (service.CleanupReport, error) {
	return f.report, f.err
}

func (f *fakeMaintenance) CleanupStatus(context.Context) (service.CleanupStatus, error) {
	return service.CleanupStatus{ExpiredBookings: f.report.RemainingExpired, CleanupNeeded: f.report.RemainingExpired > 0}, f.err
}

type fakeWebhookLogs struct {
	status model.ProcessingStatus
	limit  int
	logs   []model.PaymentWebhookLog
	err    error
}

func (f *fakeWebhookLogs) WebhookLogs(_ context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error) {
	f.status, f.limit = status, limit
	return f.logs, f.err
}

func TestAdminCleanup(t *testing.T) {
	f := &fakeMaintenance{report: service.CleanupReport{ExpiredFound: 3, ExpiredCount: 2, RemainingExpired: 1}}
	e := newEcho()
	h := NewAdminHandler(f, &fakeWebhookLogs{})
	e.POST("/admin/cleanup", h.Cleanup)
	e.GET("/admin/cleanup/status", h.CleanupStatus)

	rec := do(e, http.MethodPost, "/admin/cleanup", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"expiredCount":2`)
	assert.Contains(t, rec.Body.String(), `"remainingExpired":1`)

	rec = do(e, http.MethodGet, "/admin/cleanup/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"expiredBookingsCount":1`)

	f.err = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, do(e, http.MethodPost, "/admin/cleanup", "").Code)
}

func TestAdminWebhookLogs(t *testing.T) {
	f := &fakeWebhookLogs{logs: []model.PaymentWebhookLog{
		{ID: 4, Provider: "vnpay-poll", ProcessingStatus: model.WebhookError, TransactionID: "TXN-4", ErrorMessage: "amount mismatch"},
	}}
	e := newEcho()
	h := NewAdminHandler(&fakeMaintenance{}, f)
	e.GET("/payments/webhook-logs", h.WebhookLogs)

	rec := do(e, http.MethodGet, "/payments/webhook-logs?status=error&limit=20", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.WebhookError, f.status)
	assert.Equal(t, 20, f.limit)
	assert.Contains(t, rec.Body.String(), `"transactionId":"TXN-4"`)
	assert.Contains(t, rec.Body.String(), `"errorMessage":"amount mismatch"`)

	f.logs = nil
	rec = do(e, http.MethodGet, "/payments/webhook-logs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ProcessingStatus(""), f.status)
	assert.Zero(t, f.limit)
	assert.Contains(t, rec.Body.String(), `"logs":[]`)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/payments/webhook-logs?limit=-1", "").Code)

	f.err = service.ErrValidation
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/payments/webhook-logs?status=BOGUS", "").Code)
}
