package mercadopago

import (
	"encoding/json"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/shopspring/decimal"
)

// paymentResponse is the subset of GET /v1/payments/{id} the engine reads.
type paymentResponse struct {
	ID                        provider.ID     `json:"id"`
	Status                    string          `json:"status"`
	StatusDetail              string          `json:"status_detail"`
	ExternalReference         string          `json:"external_reference"`
	CollectorID               provider.ID     `json:"collector_id"`
	TransactionAmount         decimal.Decimal `json:"transaction_amount"`
	TransactionAmountRefunded decimal.Decimal `json:"transaction_amount_refunded"`
	CurrencyID                string          `json:"currency_id"`
	DateLastUpdated           string          `json:"date_last_updated"`
	Order                     struct {
		ID provider.ID `json:"id"`
	} `json:"order"`
}

// merchantOrderResponse is the subset of GET /merchant_orders/{id} the engine reads.
type merchantOrderResponse struct {
	ID                provider.ID `json:"id"`
	Status            string      `json:"status"`
	OrderStatus       string      `json:"order_status"`
	ExternalReference string      `json:"external_reference"`
	Collector         struct {
		ID provider.ID `json:"id"`
	} `json:"collector"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	LastUpdated string          `json:"last_updated"`
	Payments    []orderPayment  `json:"payments"`
}

type orderPayment struct {
	ID                provider.ID     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	AmountRefunded    decimal.Decimal `json:"amount_refunded"`
	CurrencyID        string          `json:"currency_id"`
	DateCreated       string          `json:"date_created"`
	LastModified      string          `json:"last_modified"`
}

// refundRequest is the body of POST /v1/payments/{id}/refunds. An empty
// amount refunds the whole payment.
type refundRequest struct {
	Amount json.Number `json:"amount,omitempty"`
}

type refundResponse struct {
	ID        provider.ID     `json:"id"`
	PaymentID provider.ID     `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	UserID       provider.ID `json:"user_id"`
}

// errorResponse is the error envelope of the Mercado Pago API.
type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Cause   []struct {
		Code        provider.ID `json:"code"`
		Description string      `json:"description"`
	} `json:"cause"`
}

// parseTime reads the ISO-8601 timestamps the API returns. Unparseable or
// empty values yield the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (p *paymentResponse) toPayment(raw []byte) *provider.Payment {
	return &provider.Payment{
		Provider:          provider.MercadoPago,
		ID:                p.ID.String(),
		OrderID:           p.Order.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		CollectorID:       p.CollectorID.String(),
		Amount:            p.TransactionAmount,
		RefundedAmount:    p.TransactionAmountRefunded,
		Currency:          p.CurrencyID,
		UpdatedAt:         parseTime(p.DateLastUpdated),
		Raw:               raw,
	}
}

// toPayment reports the order through its most recently modified payment.
// An order without payments reports pending with no payment id.
func (o *merchantOrderResponse) toPayment(raw []byte) *provider.Payment {
	out := &provider.Payment{
		Provider:          provider.MercadoPago,
		OrderID:           o.ID.String(),
		Status:            "pending",
		ExternalReference: o.ExternalReference,
		CollectorID:       o.Collector.ID.String(),
		Amount:            o.TotalAmount,
		UpdatedAt:         parseTime(o.LastUpdated),
		Raw:               raw,
	}

	var (
		latest   *orderPayment
		latestAt time.Time
	)
	for i := range o.Payments {
		p := &o.Payments[i]
		at := parseTime(p.LastModified)
		if at.IsZero() {
			at = parseTime(p.DateCreated)
		}
		if latest == nil || at.After(latestAt) {
			latest, latestAt = p, at
		}
	}
	if latest == nil {
		return out
	}

	out.ID = latest.ID.String()
	out.Status = latest.Status
	out.StatusDetail = latest.StatusDetail
	out.Amount = latest.TransactionAmount
	out.RefundedAmount = latest.AmountRefunded
	out.Currency = latest.CurrencyID
	return out
}
