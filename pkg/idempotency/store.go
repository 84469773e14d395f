// Package idempotency guards side effects behind deterministic keys.
//
// A key is first reserved (an in-flight marker with a short lease), then either
// completed with the cached result or released so a later attempt may retry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/dukex/homeledger/pkg/models"
)

const (
	// DefaultTTL is how long a completed result is served from the cache.
	DefaultTTL = 24 * time.Hour
	// DefaultLease is how long an in-flight marker blocks other callers.
	DefaultLease = 5 * time.Minute
)

var (
	ErrNotFound = errors.New("idempotency key not found")
	// ErrInFlight is returned when another caller holds the key. It is retryable.
	ErrInFlight = errors.New("idempotency key in flight")
	// ErrNotOwner is returned by Complete when another owner holds the key.
	ErrNotOwner = errors.New("idempotency key held by another owner")
)

// Store is an atomic insert-or-fetch index of idempotency keys.
type Store interface {
	// Reserve inserts an in-flight marker for key owned by owner unless a live
	// record exists. It returns the live record and whether the caller now holds
	// the key. An in-flight marker already held by the same owner is reclaimed.
	Reserve(ctx context.Context, key, owner string, lease time.Duration) (*models.IdempotencyRecord, bool, error)
	// Complete stores result for key with ttl while the key is absent, expired
	// or in flight for owner. Otherwise it returns ErrNotOwner.
	Complete(ctx context.Context, key, owner string, result []byte, ttl time.Duration) error
	// Release removes key only while it is still in flight for owner.
	Release(ctx context.Context, key, owner string) error
	// Forget removes key in any state.
	Forget(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
}

// Key derives a deterministic key from business fields.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(sum[:])
}

func IsInFlight(err error) bool {
	return errors.Is(err, ErrInFlight)
}

func IsNotOwner(err error) bool {
	return errors.Is(err, ErrNotOwner)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
