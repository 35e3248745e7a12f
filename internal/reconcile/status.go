// Package reconcile maps provider payment snapshots onto transactions.
package reconcile

import (
	"strings"

	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
)

var mercadoPagoStatuses = map[string]payment.Status{
	"approved":           payment.StatusPaid,
	"authorized":         payment.StatusPaid,
	"refunded":           payment.StatusRefunded,
	"partially_refunded": payment.StatusPartiallyRefunded,
	"cancelled":          payment.StatusCancelled,
	"charged_back":       payment.StatusCancelled,
	"reversed":           payment.StatusCancelled,
	"in_process":         payment.StatusInProcess,
	"in_mediation":       payment.StatusInProcess,
	"pending":            payment.StatusPending,
}

var stripeStatuses = map[string]payment.Status{
	"succeeded":               payment.StatusPaid,
	"refunded":                payment.StatusRefunded,
	"partially_refunded":      payment.StatusPartiallyRefunded,
	"canceled":                payment.StatusCancelled,
	"disputed":                payment.StatusCancelled,
	"processing":              payment.StatusInProcess,
	"requires_payment_method": payment.StatusPending,
	"requires_confirmation":   payment.StatusPending,
	"requires_action":         payment.StatusPending,
	"requires_capture":        payment.StatusPending,
}

// Normalize maps a provider-native status onto the normalized set.
// Unrecognized statuses are failed.
func Normalize(p provider.Name, native string) payment.Status {
	table := mercadoPagoStatuses
	if p == provider.Stripe {
		table = stripeStatuses
	}
	if s, ok := table[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return payment.StatusFailed
}

// NormalizePayment maps a payment snapshot onto the normalized set. Mercado
// Pago keeps a partially refunded payment approved and reports the refund
// only in its status detail.
func NormalizePayment(p *provider.Payment) payment.Status {
	status := Normalize(p.Provider, p.Status)
	if p.Provider == provider.MercadoPago && status == payment.StatusPaid &&
		strings.EqualFold(strings.TrimSpace(p.StatusDetail), "partially_refunded") {
		return payment.StatusPartiallyRefunded
	}
	return status
}
