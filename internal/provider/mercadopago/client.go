// Package mercadopago implements provider.Gateway against the Mercado Pago
// REST API and parses its webhook notifications.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.mercadopago.com"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Config configures the client.
type Config struct {
	BaseURL string
	// ClientID and ClientSecret identify the platform application for OAuth grants.
	ClientID     string
	ClientSecret string
	// Timeout applies when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the Mercado Pago API. It holds no credentials of its own
// besides the application keys; every call carries the Scope it runs under.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
}

var _ provider.Gateway = (*Client)(nil)

// NewClient creates a Mercado Pago client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 12 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         httpClient,
	}
}

// Name implements provider.Gateway.
func (c *Client) Name() provider.Name {
	return provider.MercadoPago
}

// FetchPayment retrieves a payment.
func (c *Client) FetchPayment(ctx context.Context, scope provider.Scope, id string) (_ *provider.Payment, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.MercadoPago), "fetch_payment")
	defer func() { endSpan(err) }()

	var resp paymentResponse
	raw, err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), scope.AccessToken, "", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toPayment(raw), nil
}

// FetchOrder retrieves a merchant order.
func (c *Client) FetchOrder(ctx context.Context, scope provider.Scope, id string) (_ *provider.Payment, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.MercadoPago), "fetch_order")
	defer func() { endSpan(err) }()

	var resp merchantOrderResponse
	raw, err := c.do(ctx, http.MethodGet, "/merchant_orders/"+url.PathEscape(id), scope.AccessToken, "", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toPayment(raw), nil
}

// Refund creates a full or partial refund. The idempotency key is sent as
// X-Idempotency-Key so retries never refund twice.
func (c *Client) Refund(ctx context.Context, scope provider.Scope, req provider.RefundRequest) (_ *provider.Refund, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.MercadoPago), "refund")
	defer func() { endSpan(err) }()

	var body refundRequest
	if req.Amount != nil {
		body.Amount = json.Number(req.Amount.StringFixed(provider.CurrencyScale(req.Currency)))
	}
	var resp refundResponse
	raw, err := c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(req.PaymentID)+"/refunds",
		scope.AccessToken, req.IdempotencyKey, body, &resp)
	if err != nil {
		return nil, classifyRefundError(err)
	}

	paymentID := resp.PaymentID.String()
	if paymentID == "" {
		paymentID = req.PaymentID
	}
	return &provider.Refund{
		ID:        resp.ID.String(),
		PaymentID: paymentID,
		Status:    resp.Status,
		Amount:    resp.Amount,
		Raw:       raw,
	}, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (_ *provider.TokenSet, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.MercadoPago), "refresh_token")
	defer func() { endSpan(err) }()

	return c.token(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
}

// ExchangeCode exchanges an authorization code for seller credentials.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (_ *provider.TokenSet, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.MercadoPago), "exchange_code")
	defer func() { endSpan(err) }()

	return c.token(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  redirectURI,
	})
}

func (c *Client) token(ctx context.Context, req tokenRequest) (*provider.TokenSet, error) {
	var resp tokenResponse
	if _, err := c.do(ctx, http.MethodPost, "/oauth/token", "", "", req, &resp); err != nil {
		return nil, err
	}
	return &provider.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.UserID.String(),
		ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

// do performs a request and decodes a 2xx JSON answer into out. It returns
// the raw response body.
func (c *Client) do(ctx context.Context, method, path, accessToken, idempotencyKey string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, parseError(resp.StatusCode, raw)
	}

	if out != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return raw, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return raw, nil
}

func parseError(status int, raw []byte) *provider.APIError {
	apiErr := &provider.APIError{
		Provider:   provider.MercadoPago,
		StatusCode: status,
		Message:    http.StatusText(status),
		Body:       raw,
	}
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			apiErr.Message = body.Message
		}
		apiErr.Code = body.Error
		if apiErr.Code == "" && len(body.Cause) > 0 {
			apiErr.Code = body.Cause[0].Code.String()
		}
	}
	return apiErr
}

// classifyRefundError tags business rejections with a refund reason.
func classifyRefundError(err error) error {
	apiErr, ok := err.(*provider.APIError)
	if !ok || apiErr.Temporary() {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return err
	}

	text := strings.ToLower(apiErr.Message + " " + string(apiErr.Body))
	switch {
	case strings.Contains(text, "already refunded"), strings.Contains(text, "fully refunded"),
		strings.Contains(text, "invalid refund amount"), strings.Contains(text, "amount exceeds"):
		apiErr.Reason = provider.ReasonAlreadyRefunded
	case strings.Contains(text, "insufficient"):
		apiErr.Reason = provider.ReasonInsufficientFunds
	default:
		apiErr.Reason = provider.ReasonRejected
	}
	return apiErr
}
