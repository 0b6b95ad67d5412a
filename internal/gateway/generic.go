package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Generic parses JSON webhooks of partner wallets without a dedicated
// adapter:
//
//	{"transactionId": "...", "status": "SUCCESS", "amount": 120000}
//
// orderId is accepted in place of transactionId.  The X-Signature header
// must carry the hex HMAC-SHA256 of the body; without a secret every
// payload is rejected.
type Generic struct {
	name   string
	secret string
}

// NewGeneric builds a provider registered under name.
func NewGeneric(name, secret string) *Generic {
	return &Generic{name: strings.ToLower(name), secret: secret}
}

func (g *Generic) Name() string { return g.name }

func (g *Generic) Parse(payload []byte, header http.Header) (Notification, error) {
	if !gjson.ValidBytes(payload) {
		return Notification{}, fmt.Errorf("%w: not JSON", ErrMalformed)
	}
	if g.secret == "" {
		return Notification{}, fmt.Errorf("%w: %s secret not configured", ErrInvalidSignature, g.name)
	}
	got, err := hex.DecodeString(strings.TrimSpace(header.Get("X-Signature")))
	if err != nil || !hmac.Equal(got, g.sum(payload)) {
		return Notification{}, ErrInvalidSignature
	}

	doc := gjson.ParseBytes(payload)
	txnID := doc.Get("transactionId").String()
	if txnID == "" {
		txnID = doc.Get("orderId").String()
	}
	if txnID == "" {
		return Notification{}, fmt.Errorf("%w: missing transactionId", ErrMalformed)
	}

	n := Notification{
		TransactionID: txnID,
		Status:        genericStatus(doc.Get("status").String()),
		GatewayRef:    doc.Get("gatewayRef").String(),
		Note:          doc.Get("message").String(),
	}
	if amt := doc.Get("amount"); amt.Exists() {
		d, err := decimal.NewFromString(amt.String())
		if err != nil {
			return Notification{}, fmt.Errorf("%w: amount %q", ErrMalformed, amt.String())
		}
		n.Amount = &d
	}
	return n, nil
}

// Refund cannot be automated for these wallets; the request is recorded
// and confirmed later by a REFUNDED webhook.
func (g *Generic) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{Outcome: RefundPending, GatewayRef: req.GatewayRef}, nil
}

// CreateCharge is not offered; the wallet apps start payments themselves.
func (g *Generic) CreateCharge(context.Context, ChargeRequest) (Charge, error) {
	return Charge{}, fmt.Errorf("%s: %w", g.name, ErrUnsupported)
}

// Sign returns the X-Signature value for body.
func (g *Generic) Sign(body []byte) string { return hex.EncodeToString(g.sum(body)) }

func (g *Generic) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func genericStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "SUCCEEDED", "COMPLETED", "PAID":
		return StatusSuccess
	case "FAILED", "FAILURE", "CANCELLED", "CANCELED", "REJECTED":
		return StatusFailure
	case "REFUNDED":
		return StatusRefunded
	}
	return StatusProcessing
}
