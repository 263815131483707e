package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

const defaultGatewayBaseURL = "http://localhost:12111"

// HTTPGateway talks JSON to the payment provider. Outbound calls are
// throttled so retry storms cannot exceed the provider's rate limit.
type HTTPGateway struct {
	BaseURL string
	APIKey  string

	HTTPClient *http.Client
	limiter    *rate.Limiter
}

func NewHTTPGatewayFromEnv() *HTTPGateway {
	rps := env.GetEnvInt("PAYMENT_GATEWAY_RPS", 20)
	if rps <= 0 {
		rps = 20
	}
	return &HTTPGateway{
		BaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_URL", defaultGatewayBaseURL)), "/"),
		APIKey:  strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("PAYMENT_GATEWAY_TIMEOUT", 15*time.Second),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type chargeRequest struct {
	PaymentMethod string `json:"payment_method"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type refundRequest struct {
	CorrelationID string `json:"correlation_id"`
	Amount        string `json:"amount"`
}

// do sends body as JSON and decodes the answer into out. It returns the
// HTTP status so callers can tell declines (402) from transport failures.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("gateway %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("gateway %s %s: decode response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (g *HTTPGateway) GetDefaultPaymentMethod(ctx context.Context, ownerID uint) (*PaymentMethod, error) {
	var pm PaymentMethod
	status, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/v1/customers/%d/default_payment_method", ownerID), nil, &pm)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || (status < 300 && pm.ID == "") {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("gateway payment method lookup: status=%d", status)
	}
	return &pm, nil
}

func (g *HTTPGateway) Charge(ctx context.Context, method *PaymentMethod, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	if method == nil {
		return nil, errors.New("payment method is required")
	}
	var res ChargeResult
	status, err := g.do(ctx, http.MethodPost, "/v1/charges", chargeRequest{
		PaymentMethod: method.ID,
		Amount:        amount.StringFixed(2),
		Currency:      currency,
	}, &res)
	if err != nil {
		return nil, err
	}
	switch {
	case status < 300:
		return &res, nil
	case status == http.StatusPaymentRequired:
		res.Success = false
		return &res, nil
	default:
		return nil, fmt.Errorf("gateway charge: unexpected status=%d", status)
	}
}

func (g *HTTPGateway) Refund(ctx context.Context, correlationID string, amount decimal.Decimal) (*RefundResult, error) {
	var res RefundResult
	status, err := g.do(ctx, http.MethodPost, "/v1/refunds", refundRequest{
		CorrelationID: correlationID,
		Amount:        amount.StringFixed(2),
	}, &res)
	if err != nil {
		return nil, err
	}
	if status >= 300 && status != http.StatusPaymentRequired {
		return nil, fmt.Errorf("gateway refund: unexpected status=%d", status)
	}
	if status == http.StatusPaymentRequired {
		res.Success = false
	}
	return &res, nil
}
