// Package idempotency caches the responses of mutating internal API calls
// under caller-supplied keys so retried requests get the original answer.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status values of a stored key. Only completed responses are cached.
const (
	StatusCompleted = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or has invalid characters.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long cached responses are kept.
const DefaultExpiry = 24 * time.Hour

// IdempotencyKey is a cached response. Keys are scoped per tenant.
type IdempotencyKey struct {
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`
	Method   string `json:"method"`
	Route    string `json:"route"`
	// RequestHash fingerprints the request body; a reused key with a
	// different body is rejected instead of replayed.
	RequestHash        string    `json:"request_hash"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
	CreatedAt          time.Time `json:"created_at"`
}

// ValidateKey checks that key is non-empty, at most MaxKeyLength bytes and
// made of printable ASCII without spaces.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return ErrInvalidKey
		}
	}
	return nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeResponseHash hashes a response body for integrity checks on replay.
func ComputeResponseHash(responseBody string) string {
	return Hash([]byte(responseBody))
}

// Repository stores cached responses.
type Repository interface {
	// Get returns the record for (tenantID, key) or ErrKeyNotFound.
	Get(ctx context.Context, tenantID, key string) (*IdempotencyKey, error)

	// Store saves a new record. Returns ErrKeyExists if (tenantID, key) is taken.
	Store(ctx context.Context, record *IdempotencyKey) error

	// DeleteOlderThan removes records older than age and returns how many
	// were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
