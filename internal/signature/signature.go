// Package signature verifies Mercado Pago webhook signatures.
//
// The provider signs a manifest built from the notified resource id, the
// x-request-id header and the timestamp carried in x-signature:
//
//	id:<canonical id>;request-id:<x-request-id>;ts:<ts>;
//
// and sends the hex HMAC-SHA256 of that manifest as the v1 field of
// x-signature ("ts=1700000000,v1=<hex>").
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// Header names used by the provider.
const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
)

// Verification failures. All of them mean the request must be rejected.
var (
	ErrMissingHeader    = errors.New("signature header missing")
	ErrMalformedHeader  = errors.New("signature header malformed")
	ErrMissingRequestID = errors.New("request id missing")
	ErrNoCanonicalID    = errors.New("no canonical id in notification")
	ErrDigestMismatch   = errors.New("signature digest mismatch")
)

// resourceSuffix extracts the trailing numeric id from a REST resource URL.
var resourceSuffix = regexp.MustCompile(`(\d+)/?$`)

// Verify reports whether signatureHeader is a valid signature of the
// notification in rawBody. It fails closed on any missing input.
func Verify(rawBody []byte, signatureHeader, requestID, secret string, query url.Values) bool {
	_, err := Check(rawBody, signatureHeader, requestID, secret, query)
	return err == nil
}

// Check verifies the signature and returns the canonical id it was computed
// over. The returned error names the reason verification failed.
func Check(rawBody []byte, signatureHeader, requestID, secret string, query url.Values) (string, error) {
	ts, digest, err := ParseHeader(signatureHeader)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(requestID) == "" {
		return "", ErrMissingRequestID
	}

	id := CanonicalID(rawBody, query)
	if id == "" {
		return "", ErrNoCanonicalID
	}

	received, err := hex.DecodeString(digest)
	if err != nil {
		return id, ErrDigestMismatch
	}
	expected := computeMAC(secret, Manifest(id, requestID, ts))
	// hmac.Equal returns false on length mismatch.
	if !hmac.Equal(received, expected) {
		return id, ErrDigestMismatch
	}
	return id, nil
}

// ParseHeader splits "ts=<unix>,v1=<hex>" into its fields. Parts may be
// separated by whitespace and appear in any order.
func ParseHeader(header string) (ts, v1 string, err error) {
	if strings.TrimSpace(header) == "" {
		return "", "", ErrMissingHeader
	}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", ErrMalformedHeader
	}
	return ts, v1, nil
}

// Manifest builds the string the provider signs.
func Manifest(id, requestID, ts string) string {
	return "id:" + strings.ToLower(id) + ";request-id:" + requestID + ";ts:" + ts + ";"
}

// Sign returns the hex digest for a manifest. It is the inverse of Check and
// is used to produce signatures for tests and replay tooling.
func Sign(secret, id, requestID, ts string) string {
	return hex.EncodeToString(computeMAC(secret, Manifest(id, requestID, ts)))
}

func computeMAC(secret, manifest string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// notification is the subset of the webhook body that can carry the signed id.
type notification struct {
	Data struct {
		ID              json.Number `json:"id"`
		PaymentID       json.Number `json:"payment_id"`
		MerchantOrderID json.Number `json:"merchant_order_id"`
	} `json:"data"`
	PaymentID       json.Number `json:"payment_id"`
	MerchantOrderID json.Number `json:"merchant_order_id"`
	Resource        string      `json:"resource"`
}

// CanonicalID picks the identifier the signature was computed over. Sources
// are tried in a fixed order: data.id, payment_id, merchant_order_id, the
// numeric suffix of resource, then the data.id or id query parameter.
func CanonicalID(rawBody []byte, query url.Values) string {
	var n notification
	if len(bytes.TrimSpace(rawBody)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rawBody))
		dec.UseNumber()
		// A body that does not decode leaves n empty; the query may still carry the id.
		if err := dec.Decode(&n); err != nil {
			n = decodeLoose(rawBody)
		}
	}

	candidates := []string{
		string(n.Data.ID),
		string(n.PaymentID),
		string(n.Data.PaymentID),
		string(n.MerchantOrderID),
		string(n.Data.MerchantOrderID),
		resourceID(n.Resource),
		query.Get("data.id"),
		query.Get("id"),
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// decodeLoose decodes field by field so one ill-typed field does not hide
// the others. Fields that are not strings or numbers are skipped.
func decodeLoose(rawBody []byte) notification {
	var n notification
	var top map[string]json.RawMessage
	if json.Unmarshal(rawBody, &top) != nil {
		return n
	}
	n.PaymentID = idField(top["payment_id"])
	n.MerchantOrderID = idField(top["merchant_order_id"])
	if raw, ok := top["resource"]; ok {
		_ = json.Unmarshal(raw, &n.Resource)
	}
	var data map[string]json.RawMessage
	if raw, ok := top["data"]; ok && json.Unmarshal(raw, &data) == nil {
		n.Data.ID = idField(data["id"])
		n.Data.PaymentID = idField(data["payment_id"])
		n.Data.MerchantOrderID = idField(data["merchant_order_id"])
	}
	return n
}

func idField(raw json.RawMessage) json.Number {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if dec.Decode(&v) != nil {
		return ""
	}
	switch t := v.(type) {
	case json.Number:
		return t
	case string:
		return json.Number(t)
	}
	return ""
}

func resourceID(resource string) string {
	if resource == "" {
		return ""
	}
	if m := resourceSuffix.FindStringSubmatch(strings.TrimSpace(resource)); m != nil {
		return m[1]
	}
	return ""
}

// Verifier applies the signature policy for an endpoint.
type Verifier struct {
	Secret string
	// Disabled skips verification entirely. It is only ever set from the
	// explicit signature_verification_disabled setting.
	Disabled bool
}

// Check verifies a request unless verification is disabled. When disabled it
// still returns the canonical id so callers can use it.
func (v Verifier) Check(rawBody []byte, signatureHeader, requestID string, query url.Values) (string, error) {
	if v.Disabled {
		return CanonicalID(rawBody, query), nil
	}
	return Check(rawBody, signatureHeader, requestID, v.Secret, query)
}
