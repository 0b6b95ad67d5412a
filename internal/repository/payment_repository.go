package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/model"
)

// PaymentRepo provides access to payment_transactions, payment_webhook_logs
// and refund_requests.
type PaymentRepo struct {
	*Store
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{Store: NewStore(db)} }

const paymentColumns = `id, booking_id, transaction_id, method, status, amount, time, gateway_note, gateway_ref`

// CreateTransaction inserts the payment record of a booking and sets p.ID.
func (r *PaymentRepo) CreateTransaction(ctx context.Context, p *model.PaymentTransaction) error {
	const q = `INSERT INTO payment_transactions (booking_id, transaction_id, method, status, amount, time, gateway_note, gateway_ref)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.conn(ctx).ExecContext(ctx, q, p.BookingID, p.TransactionID, string(p.Method), string(p.Status),
		p.Amount, mysqlTime(p.Time), p.GatewayNote, p.GatewayRef)
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

// GetTransactionByBooking returns the payment record of a booking.
func (r *PaymentRepo) GetTransactionByBooking(ctx context.Context, bookingID uint64) (*model.PaymentTransaction, error) {
	return r.getTransaction(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE booking_id = ?`, bookingID)
}

// GetTransactionByTxnID returns the payment record referenced by a gateway
// notification.
func (r *PaymentRepo) GetTransactionByTxnID(ctx context.Context, transactionID string) (*model.PaymentTransaction, error) {
	return r.getTransaction(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE transaction_id = ?`, transactionID)
}

// UpdateTransactionStatus moves the payment from one status to another.  It
// returns false when the payment was not in the from status.
func (r *PaymentRepo) UpdateTransactionStatus(ctx context.Context, id uint64, from, to model.PaymentStatus, note, gatewayRef string, now time.Time) (bool, error) {
	const q = `UPDATE payment_transactions
               SET status = ?, gateway_note = ?, gateway_ref = COALESCE(NULLIF(?, ''), gateway_ref), time = ?
               WHERE id = ? AND status = ?`
	n, err := affected(r.conn(ctx).ExecContext(ctx, q, string(to), note, gatewayRef, mysqlTime(now), id, string(from)))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetGateway records which gateway a pending payment was sent to, the
// gateway's own reference for it and when the charge was created.
func (r *PaymentRepo) SetGateway(ctx context.Context, id uint64, method model.PaymentMethod, gatewayRef string, at time.Time) error {
	const q = `UPDATE payment_transactions SET method = ?, gateway_ref = ?, time = ? WHERE id = ? AND status = 'PENDING'`
	_, err := r.conn(ctx).ExecContext(ctx, q, string(method), gatewayRef, mysqlTime(at), id)
	return classify(err)
}

// ListPendingByMethod returns PENDING payments of method whose time falls
// in [from, to], oldest first.
func (r *PaymentRepo) ListPendingByMethod(ctx context.Context, method model.PaymentMethod, from, to time.Time, limit int) ([]model.PaymentTransaction, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payment_transactions
               WHERE method = ? AND status = 'PENDING' AND time BETWEEN ? AND ? ORDER BY time LIMIT ?`
	rows, err := r.conn(ctx).QueryContext(ctx, q, string(method), mysqlTime(from), mysqlTime(to), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// InsertWebhookLog records a received webhook.  It runs outside any caller
// transaction so the row survives a failed processing attempt.  A payload
// hash seen before yields ErrDuplicate.
func (r *PaymentRepo) InsertWebhookLog(ctx context.Context, l *model.PaymentWebhookLog) error {
	const q = `INSERT INTO payment_webhook_logs (provider, payload_hash, payload, received_at, processing_status)
               VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, l.Provider, l.PayloadHash, l.Payload, mysqlTime(l.ReceivedAt), string(l.ProcessingStatus))
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = uint64(id)
	return nil
}

// FinishWebhookLog stores the processing outcome of a webhook.
func (r *PaymentRepo) FinishWebhookLog(ctx context.Context, id uint64, status model.ProcessingStatus, transactionID, errMsg string, now time.Time) error {
	const q = `UPDATE payment_webhook_logs
               SET processing_status = ?, transaction_id = ?, error_message = ?, processed_at = ?
               WHERE id = ?`
	_, err := r.db.ExecContext(ctx, q, string(status), nullString(transactionID), nullString(errMsg), mysqlTime(now), id)
	return classify(err)
}

// ListWebhookLogs returns the newest webhook logs, optionally only those
// with the given processing status.
func (r *PaymentRepo) ListWebhookLogs(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error) {
	q := `SELECT id, provider, payload_hash, payload, received_at, processing_status, transaction_id, error_message, processed_at
          FROM payment_webhook_logs`
	args := []any{}
	if status != "" {
		q += ` WHERE processing_status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.PaymentWebhookLog
	for rows.Next() {
		var (
			l             model.PaymentWebhookLog
			st            string
			txnID, errMsg sql.NullString
			processedAt   sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.Provider, &l.PayloadHash, &l.Payload, &l.ReceivedAt, &st, &txnID, &errMsg, &processedAt); err != nil {
			return nil, err
		}
		l.ProcessingStatus = model.ProcessingStatus(st)
		l.TransactionID, l.ErrorMessage = txnID.String, errMsg.String
		if processedAt.Valid {
			at := processedAt.Time
			l.ProcessedAt = &at
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindRefund returns the refund request for (booking, amount).
func (r *PaymentRepo) FindRefund(ctx context.Context, bookingID uint64, amount decimal.Decimal) (*model.RefundRequest, error) {
	const q = `SELECT id, booking_id, amount, reason, transaction_type, status, gateway_ref, created_at, updated_at
               FROM refund_requests WHERE booking_id = ? AND amount = ?`
	return r.getRefund(ctx, q, bookingID, amount)
}

// LatestRefund returns the most recent refund request of a booking.
func (r *PaymentRepo) LatestRefund(ctx context.Context, bookingID uint64) (*model.RefundRequest, error) {
	const q = `SELECT id, booking_id, amount, reason, transaction_type, status, gateway_ref, created_at, updated_at
               FROM refund_requests WHERE booking_id = ? ORDER BY id DESC LIMIT 1`
	return r.getRefund(ctx, q, bookingID)
}

// CreateRefund inserts a refund request; (booking, amount) is unique.
func (r *PaymentRepo) CreateRefund(ctx context.Context, rr *model.RefundRequest) error {
	const q = `INSERT INTO refund_requests (booking_id, amount, reason, transaction_type, status, gateway_ref, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.conn(ctx).ExecContext(ctx, q, rr.BookingID, rr.Amount, rr.Reason, rr.TransactionType,
		string(rr.Status), rr.GatewayRef, mysqlTime(rr.CreatedAt), mysqlTime(rr.UpdatedAt))
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rr.ID = uint64(id)
	return nil
}

// UpdateRefund records the gateway outcome of a refund request.
func (r *PaymentRepo) UpdateRefund(ctx context.Context, id uint64, status model.RefundStatus, gatewayRef string, now time.Time) error {
	const q = `UPDATE refund_requests SET status = ?, gateway_ref = COALESCE(NULLIF(?, ''), gateway_ref), updated_at = ? WHERE id = ?`
	_, err := r.conn(ctx).ExecContext(ctx, q, string(status), gatewayRef, mysqlTime(now), id)
	return classify(err)
}

func (r *PaymentRepo) getTransaction(ctx context.Context, q string, args ...any) (*model.PaymentTransaction, error) {
	p, err := scanPayment(r.conn(ctx).QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func scanPayment(row rowScanner) (*model.PaymentTransaction, error) {
	var p model.PaymentTransaction
	var method, status string
	if err := row.Scan(&p.ID, &p.BookingID, &p.TransactionID, &method, &status,
		&p.Amount, &p.Time, &p.GatewayNote, &p.GatewayRef); err != nil {
		return nil, err
	}
	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

func (r *PaymentRepo) getRefund(ctx context.Context, q string, args ...any) (*model.RefundRequest, error) {
	var rr model.RefundRequest
	var status string
	err := r.conn(ctx).QueryRowContext(ctx, q, args...).Scan(&rr.ID, &rr.BookingID, &rr.Amount, &rr.Reason,
		&rr.TransactionType, &status, &rr.GatewayRef, &rr.CreatedAt, &rr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	rr.Status = model.RefundStatus(status)
	return &rr, nil
}
