package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/compensation"
	"github.com/dukex/homeledger/pkg/deadletter"
	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/outbox"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/dukex/homeledger/pkg/workflows"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Config selects the backends of a Runtime.
type Config struct {
	DatabaseURL   string
	RedisURL      string
	EventBus      string
	KafkaBrokers  string
	ConsumerGroup string
	// ImportSegmentSize bounds the batches an import runs per segment. Zero
	// keeps the default.
	ImportSegmentSize int
	// ExecutionLease is how long a stopped engine keeps its executions
	// claimed. Zero keeps the default.
	ExecutionLease time.Duration
}

// Runtime is the wired orchestration core shared by the binaries.
type Runtime struct {
	Persistence persistence.Persistence
	Idempotency idempotency.Store
	Bus         *EventBus
	Publisher   *eventbus.Publisher
	DeadLetters *deadletter.Service
	Relay       *outbox.Relay
	Engine      *workflow.Engine
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry

	logger  *slog.Logger
	closers []func() error
}

func NewRuntime(ctx context.Context, logger *slog.Logger, cfg Config) (*Runtime, error) {
	r := &Runtime{logger: logger, Registry: prometheus.NewRegistry()}

	r.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.Metrics = metrics.New(r.Registry)

	if err := r.init(ctx, cfg); err != nil {
		return nil, errors.Join(err, r.Close(ctx))
	}

	return r, nil
}

func (r *Runtime) init(ctx context.Context, cfg Config) error {
	store, err := NewPersistence(ctx, r.logger, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create persistence: %w", err)
	}

	r.Persistence = store
	r.closers = append(r.closers, func() error { return store.Close(context.Background()) })

	idem, closeIdem, err := NewIdempotencyStore(ctx, r.logger, cfg.RedisURL, store)
	if err != nil {
		return fmt.Errorf("failed to create idempotency store: %w", err)
	}

	r.Idempotency = idem
	r.closers = append(r.closers, closeIdem)

	bus, err := NewEventBus(cfg.EventBus, cfg.KafkaBrokers, cfg.ConsumerGroup, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}

	r.Bus = bus
	r.closers = append(r.closers, bus.Close)

	opts := append(bus.PublisherOptions(), eventbus.WithPublisherMetrics(r.Metrics))
	r.Publisher = eventbus.NewPublisher(bus.Publisher, r.logger, opts...)
	r.DeadLetters = deadletter.NewService(store.DeadLetters(), r.Publisher, r.logger)
	r.Relay = outbox.NewRelay(store.Outbox(), r.Publisher, r.DeadLetters, r.logger, outbox.WithMetrics(r.Metrics))

	registry := workflow.NewRegistry()
	compensations := compensation.NewRegistry()

	var importOpts []workflows.ImportOption
	if cfg.ImportSegmentSize > 0 {
		importOpts = append(importOpts, workflows.WithSegmentSize(cfg.ImportSegmentSize))
	}

	if err := workflows.Register(registry, compensations, workflows.Dependencies{
		Ledger:      store.Ledger(),
		Idempotency: idem,
		Emitter:     r.Relay,
	}, importOpts...); err != nil {
		return fmt.Errorf("failed to register workflows: %w", err)
	}

	r.Engine = workflow.NewEngine(workflow.Config{
		Executions:      store.Executions(),
		CompensationLog: store.Compensations(),
		Executor:        activity.NewExecutor(idem, r.logger, activity.WithMetrics(r.Metrics)),
		Workflows:       registry,
		Compensations:   compensations,
		Emitter:         r.Relay,
		Metrics:         r.Metrics,
		Lease:           cfg.ExecutionLease,
	}, r.logger)

	return nil
}

// NewConsumer builds a deduplicating consumer on the runtime's broker.
func (r *Runtime) NewConsumer() (*eventbus.Consumer, error) {
	return eventbus.NewConsumer(r.Bus.Subscriber, r.Bus.Publisher, r.Idempotency, r.logger,
		eventbus.WithConsumerMetrics(r.Metrics))
}

// Close stops the engine and releases every backend in reverse order.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	if r.Engine != nil {
		errs = append(errs, r.Engine.Shutdown(ctx))
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}

	return errors.Join(errs...)
}
