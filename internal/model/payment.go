package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus tracks a booking's payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentMethod identifies the gateway used for a payment.
type PaymentMethod string

const (
	MethodVNPay   PaymentMethod = "VNPAY"
	MethodMoMo    PaymentMethod = "MOMO"
	MethodZaloPay PaymentMethod = "ZALOPAY"
	MethodStripe  PaymentMethod = "STRIPE"
)

// PaymentTransaction is the single payment record of a booking.
//
// Fields:
//  ID            – primary key identifier.
//  BookingID     – owning booking; unique.
//  TransactionID – id sent to the gateway and echoed in webhooks; unique.
//  Method        – gateway.
//  Status        – PENDING, SUCCEEDED or FAILED.
//  Amount        – amount to collect.
//  Time          – last status change.
//  GatewayNote   – free text reported by the gateway.
//  GatewayRef    – gateway-side reference (payment intent id, bank txn no).
type PaymentTransaction struct {
	ID            uint64          `json:"-"`             // payment_transactions.id
	BookingID     uint64          `json:"-"`             // payment_transactions.booking_id
	TransactionID string          `json:"transactionId"` // payment_transactions.transaction_id
	Method        PaymentMethod   `json:"method"`        // payment_transactions.method
	Status        PaymentStatus   `json:"status"`        // payment_transactions.status
	Amount        decimal.Decimal `json:"amount"`        // payment_transactions.amount
	Time          time.Time       `json:"time"`          // payment_transactions.time
	GatewayNote   string          `json:"gatewayNote,omitempty"`
	GatewayRef    string          `json:"gatewayRef,omitempty"`
}

// ProcessingStatus is the outcome recorded for a received webhook.
type ProcessingStatus string

const (
	WebhookReceived  ProcessingStatus = "RECEIVED"
	WebhookProcessed ProcessingStatus = "PROCESSED"
	WebhookError     ProcessingStatus = "ERROR"
)

// PaymentWebhookLog records every distinct webhook payload.  The unique
// PayloadHash is the replay gate.
type PaymentWebhookLog struct {
	ID               uint64           `json:"id"`
	Provider         string           `json:"provider"`
	PayloadHash      string           `json:"payloadHash"`
	Payload          string           `json:"payload"`
	ReceivedAt       time.Time        `json:"receivedAt"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	TransactionID    string           `json:"transactionId,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
}

// RefundStatus tracks a refund call to the gateway.
type RefundStatus string

const (
	RefundRequested RefundStatus = "REQUESTED"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// RefundRequest is unique per (booking, amount) so repeated requests resolve
// to the same row.
type RefundRequest struct {
	ID              uint64
	BookingID       uint64
	Amount          decimal.Decimal
	Reason          string
	TransactionType string
	Status          RefundStatus
	GatewayRef      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
