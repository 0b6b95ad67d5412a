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

// momoIPNFields are signed in this order as key=value pairs joined by '&'.
var momoIPNFields = []string{
	"accessKey", "amount", "extraData", "message", "orderId", "orderInfo", "orderType",
	"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
}

// MoMo verifies MoMo IPN callbacks.  The body is JSON and carries its own
// HMAC-SHA256 signature over momoIPNFields keyed with the partner secret.
type MoMo struct {
	accessKey string
	secretKey string
}

// NewMoMo returns the MoMo provider.  Parse rejects every payload when
// secretKey is empty.
func NewMoMo(accessKey, secretKey string) *MoMo {
	return &MoMo{accessKey: accessKey, secretKey: secretKey}
}

func (m *MoMo) Name() string { return "momo" }

func (m *MoMo) Parse(payload []byte, _ http.Header) (Notification, error) {
	if m.secretKey == "" {
		return Notification{}, fmt.Errorf("%w: momo secret not configured", ErrInvalidSignature)
	}
	if !gjson.ValidBytes(payload) {
		return Notification{}, fmt.Errorf("%w: not JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(payload)

	got, err := hex.DecodeString(doc.Get("signature").String())
	if err != nil || !hmac.Equal(got, m.sum(momoRaw(doc))) {
		return Notification{}, ErrInvalidSignature
	}
	if m.accessKey != "" && doc.Get("accessKey").String() != m.accessKey {
		return Notification{}, fmt.Errorf("%w: access key mismatch", ErrInvalidSignature)
	}

	orderID := doc.Get("orderId").String()
	code := doc.Get("resultCode")
	if orderID == "" || !code.Exists() {
		return Notification{}, fmt.Errorf("%w: missing orderId or resultCode", ErrMalformed)
	}
	amount, err := decimal.NewFromString(doc.Get("amount").String())
	if err != nil {
		return Notification{}, fmt.Errorf("%w: amount %q", ErrMalformed, doc.Get("amount").String())
	}
	return Notification{
		TransactionID: orderID,
		Status:        momoStatus(code.Int()),
		Amount:        &amount,
		GatewayRef:    doc.Get("transId").String(),
		Note:          fmt.Sprintf("resultCode %d: %s", code.Int(), doc.Get("message").String()),
	}, nil
}

// Refund is settled in the MoMo portal and confirmed later.
func (m *MoMo) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{Outcome: RefundPending, GatewayRef: req.GatewayRef}, nil
}

// Sign returns the signature MoMo would put on an IPN with these fields.
func (m *MoMo) Sign(fields map[string]string) string {
	parts := make([]string, 0, len(momoIPNFields))
	for _, k := range momoIPNFields {
		parts = append(parts, k+"="+fields[k])
	}
	return hex.EncodeToString(m.sum(strings.Join(parts, "&")))
}

func (m *MoMo) sum(raw string) []byte {
	mac := hmac.New(sha256.New, []byte(m.secretKey))
	mac.Write([]byte(raw))
	return mac.Sum(nil)
}

func momoRaw(doc gjson.Result) string {
	parts := make([]string, 0, len(momoIPNFields))
	for _, k := range momoIPNFields {
		parts = append(parts, k+"="+doc.Get(k).String())
	}
	return strings.Join(parts, "&")
}

func momoStatus(code int64) Status {
	switch {
	case code == 0:
		return StatusSuccess
	case code == 9000:
		// authorized, waiting for capture
		return StatusProcessing
	case code == 6000, code == 7000, code == 8000, code >= 1000 && code <= 1007:
		return StatusFailure
	}
	return StatusProcessing
}
