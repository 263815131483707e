package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestHTTPGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &HTTPGateway{
		BaseURL:    srv.URL,
		APIKey:     "sk_test",
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

func TestHTTPGateway_Charge(t *testing.T) {
	var amounts []string
	gw := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		var body chargeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		amounts = append(amounts, body.Amount)
		switch body.Amount {
		case "10.00":
			_ = json.NewEncoder(w).Encode(ChargeResult{Success: true, CorrelationID: "pi_ok"})
		case "20.00":
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(ChargeResult{CorrelationID: "pi_declined", Message: "card_declined"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	ctx := context.Background()
	pm := &PaymentMethod{ID: "pm_1"}

	res, err := gw.Charge(ctx, pm, decimal.NewFromInt(10), "usd")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pi_ok", res.CorrelationID)

	res, err = gw.Charge(ctx, pm, decimal.NewFromInt(20), "usd")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "card_declined", res.Message)

	_, err = gw.Charge(ctx, pm, decimal.NewFromInt(30), "usd")
	assert.Error(t, err)
	assert.Equal(t, []string{"10.00", "20.00", "30.00"}, amounts)
}

func TestHTTPGateway_DefaultPaymentMethod(t *testing.T) {
	gw := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/customers/1/default_payment_method" {
			_ = json.NewEncoder(w).Encode(PaymentMethod{ID: "pm_1", OwnerID: 1, Last4: "4242"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	pm, err := gw.GetDefaultPaymentMethod(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, "4242", pm.Last4)

	pm, err = gw.GetDefaultPaymentMethod(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, pm)
}

func TestHTTPGateway_Refund(t *testing.T) {
	gw := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body refundRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pi_1", body.CorrelationID)
		_ = json.NewEncoder(w).Encode(RefundResult{Success: true, RefundID: "re_1"})
	})

	res, err := gw.Refund(context.Background(), "pi_1", decimal.RequireFromString("4.5"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "re_1", res.RefundID)
}
