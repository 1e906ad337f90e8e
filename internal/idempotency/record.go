package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

type Record struct {
	Scope       string          `json:"scope"`
	Key         string          `json:"key"`
	RequestHash string          `json:"request_hash"`
	State       State           `json:"state"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store persists idempotency records. Claim must be atomic: exactly one caller
// wins a given (scope, key) until the record expires or is released.
type Store interface {
	// Claim inserts rec as pending. When a live record already exists it is
	// returned with claimed=false.
	Claim(ctx context.Context, rec Record) (existing Record, claimed bool, err error)
	Complete(ctx context.Context, scope, key string, response json.RawMessage, expiresAt time.Time) error
	Release(ctx context.Context, scope, key string) error
	Get(ctx context.Context, scope, key string) (Record, bool, error)
}

var ErrNotClaimed = errors.New("idempotency record not held")

func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// DeriveKey builds a key from the scope and request body for callers that did
// not supply one.
func DeriveKey(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
