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

// ZaloPay verifies ZaloPay notifications with key2.  Two shapes arrive:
//
//	{"data": "<json>", "mac": "...", "type": 1}
//
// is the server callback, sent only for paid orders, where mac signs data.
// A flat object with app_id, app_trans_id, pmc_id, bank_code, amount,
// discount_amount and status carries mac over those values joined by '|'.
type ZaloPay struct {
	appID string
	key2  string
}

// NewZaloPay returns the ZaloPay provider.  Parse rejects every payload
// when key2 is empty.
func NewZaloPay(appID, key2 string) *ZaloPay {
	return &ZaloPay{appID: appID, key2: key2}
}

func (z *ZaloPay) Name() string { return "zalopay" }

func (z *ZaloPay) Parse(payload []byte, _ http.Header) (Notification, error) {
	if z.key2 == "" {
		return Notification{}, fmt.Errorf("%w: zalopay key2 not configured", ErrInvalidSignature)
	}
	if !gjson.ValidBytes(payload) {
		return Notification{}, fmt.Errorf("%w: not JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(payload)
	if data := doc.Get("data"); data.Type == gjson.String {
		return z.parseCallback(data.String(), doc.Get("mac").String())
	}
	return z.parseStatus(doc)
}

func (z *ZaloPay) parseCallback(data, mac string) (Notification, error) {
	if !z.valid(data, mac) {
		return Notification{}, ErrInvalidSignature
	}
	if !gjson.Valid(data) {
		return Notification{}, fmt.Errorf("%w: data is not JSON", ErrMalformed)
	}
	inner := gjson.Parse(data)
	n, err := z.notification(inner, StatusSuccess)
	if err != nil {
		return Notification{}, err
	}
	n.GatewayRef = inner.Get("zp_trans_id").String()
	return n, nil
}

func (z *ZaloPay) parseStatus(doc gjson.Result) (Notification, error) {
	raw := strings.Join([]string{
		doc.Get("app_id").String(),
		doc.Get("app_trans_id").String(),
		doc.Get("pmc_id").String(),
		doc.Get("bank_code").String(),
		doc.Get("amount").String(),
		doc.Get("discount_amount").String(),
		doc.Get("status").String(),
	}, "|")
	if !z.valid(raw, doc.Get("mac").String()) {
		return Notification{}, ErrInvalidSignature
	}
	return z.notification(doc, zaloPayStatus(doc.Get("status").Int()))
}

func (z *ZaloPay) notification(doc gjson.Result, status Status) (Notification, error) {
	if z.appID != "" && doc.Get("app_id").String() != z.appID {
		return Notification{}, fmt.Errorf("%w: app_id mismatch", ErrInvalidSignature)
	}
	txnID := doc.Get("app_trans_id").String()
	if txnID == "" {
		return Notification{}, fmt.Errorf("%w: missing app_trans_id", ErrMalformed)
	}
	amount, err := decimal.NewFromString(doc.Get("amount").String())
	if err != nil {
		return Notification{}, fmt.Errorf("%w: amount %q", ErrMalformed, doc.Get("amount").String())
	}
	return Notification{TransactionID: txnID, Status: status, Amount: &amount}, nil
}

// Refund is settled in the merchant portal and confirmed later.
func (z *ZaloPay) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{Outcome: RefundPending, GatewayRef: req.GatewayRef}, nil
}

// Sign returns the hex HMAC-SHA256 of raw under key2.
func (z *ZaloPay) Sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(z.key2))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (z *ZaloPay) valid(raw, mac string) bool {
	got, err := hex.DecodeString(mac)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(z.Sign(raw))
	return hmac.Equal(got, want)
}

func zaloPayStatus(s int64) Status {
	switch s {
	case 1:
		return StatusSuccess
	case 2:
		return StatusFailure
	}
	return StatusProcessing
}
