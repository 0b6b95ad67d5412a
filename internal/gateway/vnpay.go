package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	vnpVersion         = "2.1.0"
	vnpDateLayout      = "20060102150405"
	vnpRefundFull      = "02"
	vnpRefundPartial   = "03"
	vnpRefundCreatedBy = "trip-booking"
)

// vnpZone is GMT+7; VNPay timestamps carry no offset.
var vnpZone = time.FixedZone("ICT", 7*60*60)

// VNPayConfig holds merchant credentials and endpoints.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	APIURL     string
	ReturnURL  string
	Currency   string
}

// VNPay implements Provider, Charger and Refunder for VNPay.  Webhooks
// (IPN calls) arrive as the raw query string.
type VNPay struct {
	cfg    VNPayConfig
	client *http.Client
	now    func() time.Time
}

// NewVNPay builds the adapter.  A nil client uses a 10 second timeout.
func NewVNPay(cfg VNPayConfig, client *http.Client) *VNPay {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Currency == "" {
		cfg.Currency = "VND"
	}
	return &VNPay{cfg: cfg, client: client, now: time.Now}
}

func (v *VNPay) Name() string { return "vnpay" }

// Parse verifies vnp_SecureHash and maps the IPN onto a Notification.
func (v *VNPay) Parse(payload []byte, _ http.Header) (Notification, error) {
	params, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(string(payload)), "?"))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	got := params.Get("vnp_SecureHash")
	txnRef := params.Get("vnp_TxnRef")
	if got == "" || txnRef == "" {
		return Notification{}, fmt.Errorf("%w: missing vnp_SecureHash or vnp_TxnRef", ErrMalformed)
	}
	if !v.validHash(params, got) {
		return Notification{}, ErrInvalidSignature
	}

	n := Notification{
		TransactionID: txnRef,
		GatewayRef:    params.Get("vnp_TransactionNo"),
		Note:          "vnp_ResponseCode=" + params.Get("vnp_ResponseCode"),
		Status:        StatusFailure,
	}
	if params.Get("vnp_ResponseCode") == "00" && params.Get("vnp_TransactionStatus") == "00" {
		n.Status = StatusSuccess
	}
	if raw := params.Get("vnp_Amount"); raw != "" {
		minor, err := decimal.NewFromString(raw)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: vnp_Amount %q", ErrMalformed, raw)
		}
		amount := minor.Shift(-2)
		n.Amount = &amount
	}
	return n, nil
}

// CreateCharge returns a signed payment URL the customer is redirected to.
func (v *VNPay) CreateCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	created := req.CreatedAt
	if created.IsZero() {
		created = v.now()
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", v.cfg.TmnCode)
	params.Set("vnp_Amount", minorUnits(req.Amount))
	params.Set("vnp_CurrCode", v.cfg.Currency)
	params.Set("vnp_TxnRef", req.TransactionID)
	params.Set("vnp_OrderInfo", "Payment for booking "+req.BookingCode)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", "vn")
	params.Set("vnp_ReturnUrl", v.cfg.ReturnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", created.In(vnpZone).Format(vnpDateLayout))
	params.Set("vnp_ExpireDate", created.Add(15*time.Minute).In(vnpZone).Format(vnpDateLayout))

	query := params.Encode()
	return Charge{
		RedirectURL: v.cfg.PayURL + "?" + query + "&vnp_SecureHash=" + v.sign(query),
		GatewayRef:  req.TransactionID,
	}, nil
}

// Refund calls the merchant API.  A response code of 00 means the refund
// was accepted and settled.
func (v *VNPay) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	txType := req.TransactionType
	if txType != vnpRefundFull && txType != vnpRefundPartial {
		txType = vnpRefundFull
	}
	orderInfo := req.Reason
	if orderInfo == "" {
		orderInfo = "Refund for transaction " + req.TransactionID
	}
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	createDate := v.now().In(vnpZone).Format(vnpDateLayout)
	amount := minorUnits(req.Amount)
	ip := "127.0.0.1"

	body := map[string]string{
		"vnp_RequestId":       requestID,
		"vnp_Version":         vnpVersion,
		"vnp_Command":         "refund",
		"vnp_TmnCode":         v.cfg.TmnCode,
		"vnp_TransactionType": txType,
		"vnp_TxnRef":          req.TransactionID,
		"vnp_Amount":          amount,
		"vnp_OrderInfo":       orderInfo,
		"vnp_TransactionNo":   req.GatewayRef,
		"vnp_TransactionDate": req.PaidAt.In(vnpZone).Format(vnpDateLayout),
		"vnp_CreateBy":        vnpRefundCreatedBy,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          ip,
	}
	body["vnp_SecureHash"] = v.sign(strings.Join([]string{
		requestID, vnpVersion, "refund", v.cfg.TmnCode, txType, req.TransactionID,
		amount, orderInfo, vnpRefundCreatedBy, createDate, ip,
	}, "|"))

	res, err := v.post(ctx, "refund", body)
	if err != nil {
		return RefundResult{}, err
	}
	if code := res.Get("vnp_ResponseCode").String(); code != "00" {
		return RefundResult{}, fmt.Errorf("vnpay refund rejected: code=%s message=%s", code, res.Get("vnp_Message").String())
	}
	return RefundResult{Outcome: RefundSucceeded, GatewayRef: res.Get("vnp_TransactionNo").String()}, nil
}

// Query asks the merchant API (querydr) for the current state of a
// payment.  An unknown transaction and one still waiting for the customer
// are both reported as StatusProcessing.
func (v *VNPay) Query(ctx context.Context, req QueryRequest) (Notification, error) {
	orderInfo := "Query transaction " + req.TransactionID
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	createDate := v.now().In(vnpZone).Format(vnpDateLayout)
	txnDate := req.CreatedAt.In(vnpZone).Format(vnpDateLayout)
	ip := "127.0.0.1"

	body := map[string]string{
		"vnp_RequestId":       requestID,
		"vnp_Version":         vnpVersion,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         v.cfg.TmnCode,
		"vnp_TxnRef":          req.TransactionID,
		"vnp_OrderInfo":       orderInfo,
		"vnp_TransactionDate": txnDate,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          ip,
	}
	body["vnp_SecureHash"] = v.sign(strings.Join([]string{
		requestID, vnpVersion, "querydr", v.cfg.TmnCode, req.TransactionID,
		txnDate, createDate, ip, orderInfo,
	}, "|"))

	res, err := v.post(ctx, "querydr", body)
	if err != nil {
		return Notification{}, err
	}
	code := res.Get("vnp_ResponseCode").String()
	if code == "91" {
		return Notification{TransactionID: req.TransactionID, Status: StatusProcessing, Note: "vnp_ResponseCode=91"}, nil
	}
	if code != "00" {
		return Notification{}, fmt.Errorf("vnpay querydr rejected: code=%s message=%s", code, res.Get("vnp_Message").String())
	}
	if !v.validQueryHash(res) {
		return Notification{}, ErrInvalidSignature
	}

	status := res.Get("vnp_TransactionStatus").String()
	n := Notification{
		TransactionID: res.Get("vnp_TxnRef").String(),
		GatewayRef:    res.Get("vnp_TransactionNo").String(),
		Note:          "vnp_TransactionStatus=" + status,
		Status:        vnpQueryStatus(status),
	}
	if n.TransactionID != req.TransactionID {
		return Notification{}, fmt.Errorf("%w: querydr answered for %q", ErrMalformed, n.TransactionID)
	}
	if raw := res.Get("vnp_Amount").String(); raw != "" {
		minor, err := decimal.NewFromString(raw)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: vnp_Amount %q", ErrMalformed, raw)
		}
		amount := minor.Shift(-2)
		n.Amount = &amount
	}
	return n, nil
}

// vnpQueryFields are the querydr response fields covered by its
// vnp_SecureHash, in signing order.
var vnpQueryFields = []string{
	"vnp_ResponseId", "vnp_Command", "vnp_ResponseCode", "vnp_Message", "vnp_TmnCode",
	"vnp_TxnRef", "vnp_Amount", "vnp_BankCode", "vnp_PayDate", "vnp_TransactionNo",
	"vnp_TransactionType", "vnp_TransactionStatus", "vnp_OrderInfo", "vnp_PromotionCode",
	"vnp_PromotionAmount",
}

func (v *VNPay) validQueryHash(res gjson.Result) bool {
	parts := make([]string, 0, len(vnpQueryFields))
	for _, k := range vnpQueryFields {
		parts = append(parts, res.Get(k).String())
	}
	got, err := hex.DecodeString(strings.ToLower(res.Get("vnp_SecureHash").String()))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(v.sign(strings.Join(parts, "|")))
	return hmac.Equal(got, want)
}

func vnpQueryStatus(s string) Status {
	switch s {
	case "00":
		return StatusSuccess
	case "02", "04", "07":
		return StatusFailure
	}
	// 01 not completed, 05 processing refund, anything else
	return StatusProcessing
}

// post sends a signed merchant API command.  Network failures, unreadable
// bodies and 5xx statuses are ErrTransient.
func (v *VNPay) post(ctx context.Context, command string, body map[string]string) (gjson.Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return gjson.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return gjson.Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read %s response: %v", ErrTransient, command, err)
	}
	if resp.StatusCode >= 500 {
		return gjson.Result{}, fmt.Errorf("%w: vnpay %s status %d", ErrTransient, command, resp.StatusCode)
	}
	return gjson.ParseBytes(respBody), nil
}

// validHash recomputes the signature over every vnp_ parameter except the
// hash fields themselves, sorted by key.
func (v *VNPay) validHash(params url.Values, got string) bool {
	signed := url.Values{}
	for k, vals := range params {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		if len(vals) > 0 && vals[0] != "" {
			signed.Set(k, vals[0])
		}
	}
	want, err := hex.DecodeString(v.sign(signed.Encode()))
	if err != nil {
		return false
	}
	gotRaw, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	return hmac.Equal(want, gotRaw)
}

func (v *VNPay) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(v.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// minorUnits renders amount ×100 as an integer string.
func minorUnits(amount decimal.Decimal) string {
	return amount.Shift(2).Round(0).StringFixed(0)
}
