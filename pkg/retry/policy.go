// Package retry evaluates bounded exponential backoff policies.
//
// A Policy is a value; Evaluate is a pure function of its arguments so the
// same policy can be shared by every execution.
package retry

import (
	"math"
	"time"

	"github.com/dukex/homeledger/pkg/models"
)

// Policy configures exponential backoff for one kind of step.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps any single delay.
	MaxInterval time.Duration
	// Multiplier grows the delay per retry. Values below 1 are treated as 1.
	Multiplier float64
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int
	// MaxElapsed bounds the time spent across all attempts. Zero disables it.
	MaxElapsed time.Duration
}

// Decision is the outcome of evaluating a policy after a failed attempt.
type Decision struct {
	Retry bool
	After time.Duration
}

var giveUp = Decision{}

var (
	// Fast suits cheap validation lookups.
	Fast = Policy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     3,
	}

	// Default suits single resource writes.
	Default = Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}

	// Publish suits broker delivery, which may be down for a while.
	Publish = Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
		MaxAttempts:     12,
	}
)

// Evaluate decides whether attempt (1-indexed, the attempt that just failed)
// should be followed by another one, given the time already spent and the
// class of the failure.
func (p Policy) Evaluate(attempt int, elapsed time.Duration, class models.ErrorClass) Decision {
	if class != models.ErrorClassRetryable {
		return giveUp
	}

	if attempt >= p.maxAttempts() {
		return giveUp
	}

	delay := p.Delay(attempt)

	if p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
		return giveUp
	}

	return Decision{Retry: true, After: delay}
}

// Delay returns the wait before the retry that follows attempt n.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := float64(p.InitialInterval) * math.Pow(multiplier, float64(n-1))

	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}

	// Guard against overflow for very large attempt numbers without a cap.
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// MaxAttemptsOrDefault exposes the effective attempt ceiling.
func (p Policy) MaxAttemptsOrDefault() int {
	return p.maxAttempts()
}
