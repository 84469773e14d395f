package models

import (
	"slices"
	"time"
)

type IdempotencyState string

const (
	IdempotencyStateInFlight  IdempotencyState = "in_flight"
	IdempotencyStateCompleted IdempotencyState = "completed"
)

// IdempotencyRecord is one cached outcome of a side-effecting call.
type IdempotencyRecord struct {
	Key       string           `json:"key"`
	State     IdempotencyState `json:"state"`
	Owner     string           `json:"owner,omitempty"`
	Result    []byte           `json:"result,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (r *IdempotencyRecord) Completed() bool {
	return r.State == IdempotencyStateCompleted
}

// Expired reports whether the record no longer guards its key at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r *IdempotencyRecord) Clone() *IdempotencyRecord {
	c := *r
	c.Result = slices.Clone(r.Result)

	return &c
}
