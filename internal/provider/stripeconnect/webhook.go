package stripeconnect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// SignatureTolerance is the maximum age of a signed delivery.
const SignatureTolerance = 300 * time.Second

// ErrInvalidSignature is returned when a delivery fails Stripe-Signature
// verification.
var ErrInvalidSignature = errors.New("stripe webhook signature invalid")

// Event types that carry payment state.
const (
	eventDeauthorized = "account.application.deauthorized"
	prefixIntent      = "payment_intent."
	prefixDispute     = "charge.dispute."
	eventRefunded     = "charge.refunded"
	eventRefundUpdate = "charge.refund.updated"
)

// ParseWebhook verifies a Stripe delivery and classifies it.
func ParseWebhook(payload []byte, header, secret string) (*provider.Notification, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return classify(&evt)
}

func classify(evt *stripe.Event) (*provider.Notification, error) {
	typ := string(evt.Type)
	n := &provider.Notification{
		Provider:  provider.Stripe,
		ID:        evt.ID,
		Topic:     typ,
		Kind:      provider.KindIgnored,
		AccountID: evt.Account,
	}
	if evt.Created > 0 {
		n.EventTime = time.Unix(evt.Created, 0).UTC()
	}
	if n.ID == "" {
		return nil, errors.New("stripe event carries no id")
	}

	switch {
	case typ == eventDeauthorized:
		n.Kind = provider.KindDeauthorization
	case strings.HasPrefix(typ, prefixIntent):
		n.Kind = provider.KindPayment
		n.DataID = objectField(evt, "id")
	case typ == eventRefunded, typ == eventRefundUpdate, strings.HasPrefix(typ, prefixDispute):
		if id := objectField(evt, "payment_intent"); id != "" {
			n.Kind = provider.KindPayment
			n.DataID = id
		}
	}
	return n, nil
}

// objectField reads a string or expanded-object id from the event's data
// object.
func objectField(evt *stripe.Event, field string) string {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
		return ""
	}
	raw, ok := obj[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &expanded); err == nil {
		return expanded.ID
	}
	return ""
}
