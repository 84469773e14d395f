package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/deadletter"
	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/outbox"
	"github.com/dukex/homeledger/pkg/persistence/memory"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPublisher struct {
	mu       sync.Mutex
	outcomes []eventbus.Outcome
	sent     []string
}

func (p *scriptedPublisher) Publish(_ context.Context, env *events.Envelope) (eventbus.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := eventbus.Acked
	if len(p.outcomes) > 0 {
		outcome, p.outcomes = p.outcomes[0], p.outcomes[1:]
	}

	p.sent = append(p.sent, env.EventID)

	switch outcome {
	case eventbus.Unrouted:
		return outcome, eventbus.ErrUnrouted
	case eventbus.Failed:
		return outcome, errors.New("broker down")
	default:
		return outcome, nil
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	repo      *memory.OutboxRepository
	letters   *deadletter.Service
	publisher *scriptedPublisher
	relay     *outbox.Relay
	clock     *clock
}

func newFixture(outcomes ...eventbus.Outcome) *fixture {
	f := &fixture{
		repo:      memory.NewOutboxRepository(),
		publisher: &scriptedPublisher{outcomes: outcomes},
		clock:     &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	f.letters = deadletter.NewService(memory.NewDeadLetterRepository(), nil, log.Discard())
	f.relay = outbox.NewRelay(f.repo, f.publisher, f.letters, log.Discard(),
		outbox.WithClock(f.clock.Now),
		outbox.WithPolicy(retry.Policy{InitialInterval: time.Second, Multiplier: 2, MaxAttempts: 3}),
	)

	return f
}

func envelope(t *testing.T, key string) *events.Envelope {
	t.Helper()

	env, err := events.NewEnvelope(events.PurchaseRegisteredEvent, "corr-1", key, events.PurchaseRegistered{ExecutionID: "exec-1"})
	require.NoError(t, err)

	return env
}

func TestEmit_DeliversImmediately(t *testing.T) {
	f := newFixture()
	env := envelope(t, "purchase.registered:exec-1")

	require.NoError(t, f.relay.Emit(context.Background(), env))

	record, err := f.repo.Get(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusDelivered, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.NotNil(t, record.DeliveredAt)
}

func TestEmit_SameKeyIsDeliveredOnce(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.relay.Emit(context.Background(), envelope(t, "purchase.registered:exec-1")))
	require.NoError(t, f.relay.Emit(context.Background(), envelope(t, "purchase.registered:exec-1")))

	assert.Len(t, f.publisher.sent, 1)
}

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (p *blockingPublisher) Publish(context.Context, *events.Envelope) (eventbus.Outcome, error) {
	p.mu.Lock()
	p.sent++
	first := p.sent == 1
	p.mu.Unlock()

	if first {
		close(p.started)
		<-p.release
	}

	return eventbus.Acked, nil
}

func TestEmit_RelayLeavesRecordInDeliveryAlone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	env := envelope(t, "purchase.registered:exec-1")

	publisher := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	emitter := outbox.NewRelay(f.repo, publisher, f.letters, log.Discard(), outbox.WithClock(f.clock.Now))
	relay := outbox.NewRelay(f.repo, publisher, f.letters, log.Discard(), outbox.WithClock(f.clock.Now))

	emitted := make(chan error, 1)

	go func() { emitted <- emitter.Emit(ctx, env) }()

	<-publisher.started

	n, err := relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, relay.Emit(ctx, envelope(t, "purchase.registered:exec-1")))

	close(publisher.release)
	require.NoError(t, <-emitted)

	record, err := f.repo.Get(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusDelivered, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, 1, publisher.sent)
}

func TestDeliverDue_ClaimExpiresAfterLease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clock.now

	_, _, err := f.repo.Enqueue(ctx, &models.OutboxRecord{
		ID: "ob-1", EventType: string(events.PurchaseRegisteredEvent), IdempotencyKey: "k",
		Payload: mustPayload(t, envelope(t, "k")), Status: models.OutboxStatusPending,
		NextAttemptAt: now, CreatedAt: now,
	})
	require.NoError(t, err)

	claimed, err := f.repo.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := f.relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.now = now.Add(time.Minute)
	n, err = f.relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func mustPayload(t *testing.T, env *events.Envelope) []byte {
	t.Helper()

	payload, err := json.Marshal(env)
	require.NoError(t, err)

	return payload
}

func TestEmit_UnroutedIsReportedAndDeadLettered(t *testing.T) {
	f := newFixture(eventbus.Unrouted)
	env := envelope(t, "purchase.registered:exec-1")

	err := f.relay.Emit(context.Background(), env)
	assert.ErrorIs(t, err, eventbus.ErrUnrouted)

	record, err := f.repo.Get(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusUnrouted, record.Status)

	letter, err := f.letters.Get(context.Background(), "outbox:"+env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.DeadLetterSourceOutbox, letter.Source)
	assert.Equal(t, string(events.PurchaseRegisteredEvent), letter.OriginalRoutingKey)
}

func TestDeliverDue_RetriesWithBackoffThenSucceeds(t *testing.T) {
	f := newFixture(eventbus.Failed, eventbus.Failed)
	ctx := context.Background()
	env := envelope(t, "purchase.registered:exec-1")

	require.NoError(t, f.relay.Emit(ctx, env))

	record, err := f.repo.Get(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusPending, record.Status)
	assert.Equal(t, f.clock.now.Add(time.Second), record.NextAttemptAt)

	n, err := f.relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet due")

	f.clock.now = f.clock.now.Add(time.Second)
	n, err = f.relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.now = f.clock.now.Add(2 * time.Second)
	n, err = f.relay.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record, err = f.repo.Get(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusDelivered, record.Status)
	assert.Equal(t, 3, record.Attempts)
}

func TestDeliverDue_AbandonsAfterPolicy(t *testing.T) {
	f := newFixture(eventbus.Failed, eventbus.Failed, eventbus.Failed)
	ctx := context.Background()
	env := envelope(t, "purchase.registered:exec-1")

	require.NoError(t, f.relay.Emit(ctx, env))

	for range 2 {
		f.clock.now = f.clock.now.Add(time.Minute)
		_, err := f.relay.DeliverDue(ctx)
		require.NoError(t, err)
	}

	record, err := f.repo.Get(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusAbandoned, record.Status)
	assert.Equal(t, 3, record.Attempts)

	letters, err := f.letters.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].RejectionReason, "broker down")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture()
	relay := outbox.NewRelay(f.repo, f.publisher, f.letters, log.Discard(), outbox.WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- relay.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
