package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey2 = "kLtgPl8HHhfvMuDHPwKfgfsY4Ydm9eIz"

func zaloCallback(t *testing.T, z *ZaloPay, data string) []byte {
	t.Helper()
	out, err := json.Marshal(map[string]any{"data": data, "mac": z.Sign(data), "type": 1})
	require.NoError(t, err)
	return out
}

func zaloStatus(z *ZaloPay, status int, amount string) []byte {
	vals := []string{"2553", "TXN-0123456789ABCDEF", "38", "zalopayapp", amount, "0", fmt.Sprint(status)}
	return []byte(fmt.Sprintf(
		`{"app_id":%s,"app_trans_id":%q,"pmc_id":%s,"bank_code":%q,"amount":%s,"discount_amount":%s,"status":%s,"mac":%q}`,
		vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6], z.Sign(strings.Join(vals, "|"))))
}

func TestZaloPayParse_Callback(t *testing.T) {
	z := NewZaloPay("2553", testKey2)
	assert.Equal(t, "zalopay", z.Name())

	data := `{"app_id":2553,"app_trans_id":"TXN-0123456789ABCDEF","amount":120000,"zp_trans_id":240331000000175}`
	n, err := z.Parse(zaloCallback(t, z, data), nil)
	require.NoError(t, err)
	assert.Equal(t, "TXN-0123456789ABCDEF", n.TransactionID)
	assert.Equal(t, StatusSuccess, n.Status)
	assert.Equal(t, "240331000000175", n.GatewayRef)
	require.NotNil(t, n.Amount)
	assert.True(t, n.Amount.Equal(decimal.NewFromInt(120000)))

	forged := []byte(fmt.Sprintf(`{"data":%q,"mac":%q,"type":1}`, data, NewZaloPay("2553", "other").Sign(data)))
	_, err = z.Parse(forged, nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	otherApp := `{"app_id":9999,"app_trans_id":"TXN-1","amount":1}`
	_, err = z.Parse(zaloCallback(t, z, otherApp), nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestZaloPayParse_Status(t *testing.T) {
	z := NewZaloPay("2553", testKey2)

	n, err := z.Parse(zaloStatus(z, 1, "120000"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, n.Status)
	assert.True(t, n.Amount.Equal(decimal.NewFromInt(120000)))

	n, err = z.Parse(zaloStatus(z, 2, "120000"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, n.Status)

	n, err = z.Parse(zaloStatus(z, 3, "120000"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, n.Status)

	tampered := strings.Replace(string(zaloStatus(z, 1, "120000")), `"amount":120000`, `"amount":1`, 1)
	_, err = z.Parse([]byte(tampered), nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestZaloPayParse_WithoutKeyRejectsEverything(t *testing.T) {
	z := NewZaloPay("", "")
	_, err := z.Parse(zaloStatus(z, 1, "120000"), nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewZaloPay("", testKey2).Parse([]byte(`status=1`), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
