package retry

import (
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_ExponentialWithCap(t *testing.T) {
	p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, MaxAttempts: 10}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(60))
}

func TestPolicy_AttemptCeiling(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	assert.True(t, p.Evaluate(1, 0, models.ErrorClassRetryable).Retry)
	assert.True(t, p.Evaluate(2, 0, models.ErrorClassRetryable).Retry)
	assert.False(t, p.Evaluate(3, 0, models.ErrorClassRetryable).Retry)
}

func TestPolicy_TerminalNeverRetries(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, Multiplier: 2, MaxAttempts: 100}

	d := p.Evaluate(1, 0, models.ErrorClassTerminal)
	assert.False(t, d.Retry)
	assert.Zero(t, d.After)
}

func TestPolicy_MaxElapsed(t *testing.T) {
	p := Policy{InitialInterval: time.Second, Multiplier: 1, MaxAttempts: 100, MaxElapsed: 5 * time.Second}

	assert.True(t, p.Evaluate(1, 3*time.Second, models.ErrorClassRetryable).Retry)
	assert.False(t, p.Evaluate(2, 4500*time.Millisecond, models.ErrorClassRetryable).Retry)
}

func TestPolicy_ZeroValueAttemptsOnce(t *testing.T) {
	var p Policy

	assert.Equal(t, 1, p.MaxAttemptsOrDefault())
	assert.False(t, p.Evaluate(1, 0, models.ErrorClassRetryable).Retry)
}

func TestPresets(t *testing.T) {
	assert.Less(t, Fast.MaxAttempts, Default.MaxAttempts)
	assert.Less(t, Default.MaxAttempts, Publish.MaxAttempts)
	assert.Less(t, Fast.MaxInterval, Publish.MaxInterval)
}
