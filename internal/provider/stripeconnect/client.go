// Package stripeconnect implements provider.Gateway for Stripe Connect
// using stripe-go, and verifies Stripe webhook deliveries.
package stripeconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MetadataExternalReference is the PaymentIntent metadata key carrying the
// transaction's external reference.
const MetadataExternalReference = "external_reference"

// Stripe-native status strings derived from the latest charge.
const (
	StatusRefunded          = "refunded"
	StatusPartiallyRefunded = "partially_refunded"
	StatusDisputed          = "disputed"
)

// Config configures the client.
type Config struct {
	// SecretKey is the platform secret key. It authenticates platform-scoped
	// calls and OAuth grants.
	SecretKey string
	Timeout   time.Duration
	// Backends overrides the API endpoints, mainly for tests.
	Backends *stripe.Backends
}

// Client calls the Stripe API under a per-call credential.
type Client struct {
	secretKey string
	backends  *stripe.Backends
}

var _ provider.Gateway = (*Client)(nil)

// NewClient creates a Stripe Connect client.
func NewClient(cfg Config) *Client {
	backends := cfg.Backends
	if backends == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 12 * time.Second
		}
		httpClient := &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	}
	return &Client{secretKey: cfg.SecretKey, backends: backends}
}

// Name implements provider.Gateway.
func (c *Client) Name() provider.Name {
	return provider.Stripe
}

// api returns a Stripe client authenticated for scope. An empty scope token
// falls back to the platform key.
func (c *Client) api(scope provider.Scope) *client.API {
	key := scope.AccessToken
	if key == "" {
		key = c.secretKey
	}
	return client.New(key, c.backends)
}

// FetchPayment retrieves a PaymentIntent with its latest charge expanded.
func (c *Client) FetchPayment(ctx context.Context, scope provider.Scope, id string) (_ *provider.Payment, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.Stripe), "fetch_payment")
	defer func() { endSpan(err) }()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	if scope.AccountID != "" {
		params.SetStripeAccount(scope.AccountID)
	}

	pi, err := c.api(scope).PaymentIntents.Get(id, params)
	if err != nil {
		return nil, toAPIError(err, false)
	}
	return toPayment(pi, scope), nil
}

// FetchOrder is not supported; Stripe notifications always reference a
// PaymentIntent.
func (c *Client) FetchOrder(ctx context.Context, scope provider.Scope, id string) (*provider.Payment, error) {
	return nil, fmt.Errorf("stripe order %s: %w", id, provider.ErrUnsupported)
}

// Refund refunds a PaymentIntent in full or in part.
func (c *Client) Refund(ctx context.Context, scope provider.Scope, req provider.RefundRequest) (_ *provider.Refund, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.Stripe), "refund")
	defer func() { endSpan(err) }()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentID)}
	params.Context = ctx
	if req.Amount != nil {
		params.Amount = stripe.Int64(provider.ToMinorUnits(*req.Amount, req.Currency))
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if scope.AccountID != "" {
		params.SetStripeAccount(scope.AccountID)
	}

	r, err := c.api(scope).Refunds.New(params)
	if err != nil {
		return nil, toAPIError(err, true)
	}

	out := &provider.Refund{
		ID:        r.ID,
		PaymentID: req.PaymentID,
		Status:    string(r.Status),
		Amount:    provider.FromMinorUnits(r.Amount, string(r.Currency)),
	}
	if r.LastResponse != nil {
		out.Raw = r.LastResponse.RawJSON
	}
	return out, nil
}

// RefreshToken renews a connected account's OAuth access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (_ *provider.TokenSet, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.Stripe), "refresh_token")
	defer func() { endSpan(err) }()

	params := &stripe.OAuthTokenParams{
		GrantType:    stripe.String("refresh_token"),
		RefreshToken: stripe.String(refreshToken),
		ClientSecret: stripe.String(c.secretKey),
	}
	params.Context = ctx
	return c.oauth(params)
}

// ExchangeCode completes the Connect OAuth flow.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (_ *provider.TokenSet, err error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, string(provider.Stripe), "exchange_code")
	defer func() { endSpan(err) }()

	params := &stripe.OAuthTokenParams{
		GrantType:    stripe.String("authorization_code"),
		Code:         stripe.String(code),
		ClientSecret: stripe.String(c.secretKey),
	}
	params.Context = ctx
	return c.oauth(params)
}

func (c *Client) oauth(params *stripe.OAuthTokenParams) (*provider.TokenSet, error) {
	token, err := c.api(provider.Scope{}).OAuth.New(params)
	if err != nil {
		return nil, toOAuthError(err)
	}
	// Stripe does not report a lifetime for Connect access tokens.
	return &provider.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		UserID:       token.StripeUserID,
	}, nil
}

func toPayment(pi *stripe.PaymentIntent, scope provider.Scope) *provider.Payment {
	currency := string(pi.Currency)
	p := &provider.Payment{
		Provider:          provider.Stripe,
		ID:                pi.ID,
		Status:            string(pi.Status),
		ExternalReference: pi.Metadata[MetadataExternalReference],
		CollectorID:       collectorOf(pi, scope),
		Amount:            provider.FromMinorUnits(pi.Amount, currency),
		Currency:          strings.ToUpper(currency),
	}

	if ch := pi.LatestCharge; ch != nil {
		p.RefundedAmount = provider.FromMinorUnits(ch.AmountRefunded, currency)
		switch {
		case ch.Disputed:
			p.Status = StatusDisputed
		case ch.Refunded:
			p.Status = StatusRefunded
		case ch.AmountRefunded > 0:
			p.Status = StatusPartiallyRefunded
		}
		if ch.FailureCode != "" {
			p.StatusDetail = ch.FailureCode
		}
	}
	if pi.LastResponse != nil {
		p.Raw = pi.LastResponse.RawJSON
	}
	return p
}

func collectorOf(pi *stripe.PaymentIntent, scope provider.Scope) string {
	switch {
	case scope.AccountID != "":
		return scope.AccountID
	case pi.OnBehalfOf != nil && pi.OnBehalfOf.ID != "":
		return pi.OnBehalfOf.ID
	case pi.TransferData != nil && pi.TransferData.Destination != nil:
		return pi.TransferData.Destination.ID
	}
	return ""
}

// toAPIError converts stripe-go errors into provider.APIError. Errors that
// never reached Stripe are returned unchanged.
func toAPIError(err error, refund bool) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}
	body, _ := json.Marshal(stripeErr)
	apiErr := &provider.APIError{
		Provider:   provider.Stripe,
		StatusCode: stripeErr.HTTPStatusCode,
		Code:       string(stripeErr.Code),
		Message:    stripeErr.Msg,
		Body:       body,
	}
	if refund && !apiErr.Temporary() {
		apiErr.Reason = refundReason(apiErr)
	}
	return apiErr
}

func refundReason(apiErr *provider.APIError) provider.RefundReason {
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return ""
	}
	switch apiErr.Code {
	case "charge_already_refunded", "charge_disputed":
		return provider.ReasonAlreadyRefunded
	case "balance_insufficient", "insufficient_funds":
		return provider.ReasonInsufficientFunds
	}
	if strings.Contains(strings.ToLower(apiErr.Message), "has already been refunded") {
		return provider.ReasonAlreadyRefunded
	}
	return provider.ReasonRejected
}

// toOAuthError maps rejected OAuth grants onto invalid_grant.
func toOAuthError(err error) error {
	converted := toAPIError(err, false)
	apiErr, ok := converted.(*provider.APIError)
	if !ok {
		if strings.Contains(err.Error(), provider.CodeInvalidGrant) {
			return &provider.APIError{Provider: provider.Stripe, StatusCode: http.StatusBadRequest, Code: provider.CodeInvalidGrant, Message: err.Error()}
		}
		return err
	}
	if apiErr.StatusCode == http.StatusBadRequest || strings.Contains(apiErr.Message, provider.CodeInvalidGrant) {
		apiErr.Code = provider.CodeInvalidGrant
	}
	return apiErr
}
