package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// zeroDecimal lists currencies Stripe expects in whole units.
var zeroDecimal = map[string]bool{"vnd": true, "jpy": true, "krw": true, "clp": true}

// Stripe implements Provider, Charger and Refunder on PaymentIntents.  The
// booking's transaction id travels in the intent metadata.
type Stripe struct {
	sc            *stripe.Client
	webhookSecret string
	currency      string
}

// NewStripe builds the adapter.  apiKey may be empty when only webhooks
// are handled.
func NewStripe(apiKey, webhookSecret, currency string) *Stripe {
	if currency == "" {
		currency = "vnd"
	}
	return &Stripe{
		sc:            stripe.NewClient(apiKey),
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
	}
}

func (s *Stripe) Name() string { return "stripe" }

// Parse verifies the Stripe-Signature header and maps intent and charge
// events onto a Notification.  Events the pipeline does not act on come
// back as StatusProcessing.
func (s *Stripe) Parse(payload []byte, header http.Header) (Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return Notification{}, fmt.Errorf("%w: event without data", ErrMalformed)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.processing":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		n := Notification{
			TransactionID: pi.Metadata["transaction_id"],
			GatewayRef:    pi.ID,
			Note:          string(event.Type),
			Status:        StatusProcessing,
		}
		switch event.Type {
		case "payment_intent.succeeded":
			n.Status = StatusSuccess
		case "payment_intent.payment_failed":
			n.Status = StatusFailure
			if pi.LastPaymentError != nil {
				n.Note = pi.LastPaymentError.Msg
			}
		}
		amount := s.fromMinor(pi.Amount, string(pi.Currency))
		n.Amount = &amount
		if n.TransactionID == "" {
			return Notification{}, fmt.Errorf("%w: payment intent %s has no transaction_id", ErrMalformed, pi.ID)
		}
		return n, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		txnID := ch.Metadata["transaction_id"]
		if txnID == "" {
			return Notification{}, fmt.Errorf("%w: charge %s has no transaction_id", ErrMalformed, ch.ID)
		}
		return Notification{TransactionID: txnID, Status: StatusRefunded, GatewayRef: ch.ID, Note: string(event.Type)}, nil
	}
	return Notification{}, fmt.Errorf("%w: unhandled event type %s", ErrMalformed, event.Type)
}

// CreateCharge creates a PaymentIntent and returns its client secret.
func (s *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(s.toMinor(req.Amount)),
		Currency: stripe.String(s.currency),
	}
	params.AddMetadata("transaction_id", req.TransactionID)
	params.AddMetadata("booking_code", req.BookingCode)
	pi, err := s.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return Charge{}, classifyStripe(err)
	}
	return Charge{ClientSecret: pi.ClientSecret, GatewayRef: pi.ID}, nil
}

// Refund refunds part or all of the intent recorded as GatewayRef.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.GatewayRef == "" {
		return RefundResult{}, fmt.Errorf("stripe refund: transaction %s has no payment intent", req.TransactionID)
	}
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.GatewayRef),
		Amount:        stripe.Int64(s.toMinor(req.Amount)),
	}
	params.AddMetadata("transaction_id", req.TransactionID)
	rf, err := s.sc.V1Refunds.Create(ctx, params)
	if err != nil {
		return RefundResult{}, classifyStripe(err)
	}
	switch rf.Status {
	case stripe.RefundStatusSucceeded:
		return RefundResult{Outcome: RefundSucceeded, GatewayRef: rf.ID}, nil
	case stripe.RefundStatusPending:
		return RefundResult{Outcome: RefundPending, GatewayRef: rf.ID}, nil
	}
	return RefundResult{}, fmt.Errorf("stripe refund %s: status %s", rf.ID, rf.Status)
}

func (s *Stripe) toMinor(amount decimal.Decimal) int64 {
	if zeroDecimal[s.currency] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func (s *Stripe) fromMinor(minor int64, currency string) decimal.Decimal {
	if currency == "" {
		currency = s.currency
	}
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

func classifyStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode > 0 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
