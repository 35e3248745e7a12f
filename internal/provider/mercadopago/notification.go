package mercadopago

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/signature"
)

// ErrMissingNotificationID is returned when neither the body nor the
// request id identifies the delivery.
var ErrMissingNotificationID = errors.New("notification carries no id")

// Notification topics.
const (
	TopicPayment            = "payment"
	TopicMerchantOrder      = "merchant_order"
	TopicMerchantOrderWH    = "topic_merchant_order_wh"
	TopicConnect            = "mp-connect"
	actionDeauthorized      = "application.deauthorized"
	actionDeauthorizedShort = "deauthorized"
)

type notificationBody struct {
	ID          provider.ID `json:"id"`
	Type        string      `json:"type"`
	Topic       string      `json:"topic"`
	Action      string      `json:"action"`
	UserID      provider.ID `json:"user_id"`
	DateCreated string      `json:"date_created"`
}

// ParseNotification reads a webhook (JSON body) or IPN (query string)
// delivery. requestID, from the x-request-id header, identifies deliveries
// whose body has no id.
func ParseNotification(body []byte, query url.Values, requestID string) (*provider.Notification, error) {
	var nb notificationBody
	if len(bytes.TrimSpace(body)) > 0 {
		// Bodies that are not JSON still get the query-string fallbacks.
		_ = json.Unmarshal(body, &nb)
	}

	topic := nb.Type
	if topic == "" {
		topic = nb.Topic
	}
	if topic == "" {
		topic = query.Get("type")
	}
	if topic == "" {
		topic = query.Get("topic")
	}

	n := &provider.Notification{
		Provider:  provider.MercadoPago,
		ID:        nb.ID.String(),
		Topic:     topic,
		Action:    nb.Action,
		Kind:      kindOf(topic, nb.Action),
		AccountID: nb.UserID.String(),
		EventTime: parseTime(nb.DateCreated),
	}
	if n.ID == "" {
		n.ID = strings.TrimSpace(requestID)
	}
	if n.ID == "" {
		return nil, ErrMissingNotificationID
	}

	if n.Kind == provider.KindPayment || n.Kind == provider.KindOrder {
		n.DataID = signature.CanonicalID(body, query)
	}
	return n, nil
}

func kindOf(topic, action string) provider.Kind {
	switch strings.ToLower(topic) {
	case TopicPayment:
		return provider.KindPayment
	case TopicMerchantOrder, TopicMerchantOrderWH:
		return provider.KindOrder
	case TopicConnect:
		a := strings.ToLower(action)
		if a == actionDeauthorized || strings.HasSuffix(a, actionDeauthorizedShort) {
			return provider.KindDeauthorization
		}
	}
	return provider.KindIgnored
}
