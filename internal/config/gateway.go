package config

// GatewayConfig holds credentials of the payment providers.  A provider
// whose credentials are empty is not registered.
type GatewayConfig struct {
	Currency string // ISO currency sent to gateways

	VNPayTmnCode    string
	VNPayHashSecret string
	VNPayPayURL     string
	VNPayAPIURL     string
	VNPayReturnURL  string

	StripeAPIKey        string
	StripeWebhookSecret string

	MoMoAccessKey string
	MoMoSecretKey string

	ZaloPayAppID string
	ZaloPayKey2  string

	// GenericWebhookSecret signs generic JSON webhooks with an HMAC-SHA256
	// of the body in the X-Signature header.  The generic provider is only
	// registered when it is set.
	GenericWebhookSecret string
}

// LoadGatewayConfig reads gateway variables.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Currency:             envStr("PAYMENT_CURRENCY", "VND"),
		VNPayTmnCode:         envStr("VNPAY_TMN_CODE", ""),
		VNPayHashSecret:      envStr("VNPAY_HASH_SECRET", ""),
		VNPayPayURL:          envStr("VNPAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
		VNPayAPIURL:          envStr("VNPAY_API_URL", "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"),
		VNPayReturnURL:       envStr("VNPAY_RETURN_URL", ""),
		StripeAPIKey:         envStr("STRIPE_API_KEY", ""),
		StripeWebhookSecret:  envStr("STRIPE_WEBHOOK_SECRET", ""),
		MoMoAccessKey:        envStr("MOMO_ACCESS_KEY", ""),
		MoMoSecretKey:        envStr("MOMO_SECRET_KEY", ""),
		ZaloPayAppID:         envStr("ZALOPAY_APP_ID", ""),
		ZaloPayKey2:          envStr("ZALOPAY_KEY2", ""),
		GenericWebhookSecret: envStr("GENERIC_WEBHOOK_SECRET", ""),
	}
}
