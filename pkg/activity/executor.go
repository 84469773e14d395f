// Package activity runs one side-effecting step with idempotency caching,
// per-step timeouts and classified retries.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/otelhelper"
	"github.com/dukex/homeledger/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Descriptor describes one activity invocation.
type Descriptor struct {
	Name string
	// IdempotencyKey guards the side effect. Empty disables caching.
	IdempotencyKey string
	Policy         retry.Policy
	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout    time.Duration
	Classifier Classifier
	// TTL is how long a completed result stays cached.
	TTL time.Duration
	// Lease is how long the in-flight marker blocks other callers.
	Lease time.Duration
	Run   func(ctx context.Context) ([]byte, error)
}

// Result is the outcome of Invoke or Undo.
type Result struct {
	Output   []byte
	Attempts int
	Cached   bool
	// Class is the class of the last failure, if any.
	Class models.ErrorClass
	Err   error
	// Exhausted is set when a retryable failure ran out of budget.
	Exhausted bool
	// Interrupted is set when the caller's context ended.
	Interrupted bool
	StartedAt   time.Time
	CompletedAt time.Time
}

func (r Result) Succeeded() bool {
	return r.Err == nil
}

type Executor struct {
	store   idempotency.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

type Option func(*Executor)

// WithSleep replaces the backoff wait, e.g. to avoid real delays in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func NewExecutor(store idempotency.Store, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		logger: logger.With("module", "activity"),
		tracer: otelhelper.Tracer(),
		sleep:  sleepContext,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Invoke runs d for exec. A completed idempotency record short-circuits to the
// cached output; on success the output is cached before Invoke returns.
func (e *Executor) Invoke(ctx context.Context, d Descriptor, exec *models.Execution) Result {
	return e.invoke(ctx, d, exec, true)
}

// Undo runs a compensating action with retries but without idempotency
// caching. Undo actions are idempotent by construction.
func (e *Executor) Undo(ctx context.Context, d Descriptor, exec *models.Execution) Result {
	return e.invoke(ctx, d, exec, false)
}

func (e *Executor) invoke(ctx context.Context, d Descriptor, exec *models.Execution, cache bool) Result {
	result := Result{StartedAt: e.now().UTC()}
	logger := log.WithExecution(e.logger, exec.ID, exec.CorrelationID).With("step", d.Name)

	classifier := d.Classifier
	if classifier == nil {
		classifier = Table{}
	}

	defer func() {
		result.CompletedAt = e.now().UTC()
		e.metrics.StepDuration(d.Name, result.CompletedAt.Sub(result.StartedAt).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		output, cached, err := e.attempt(ctx, d, exec, attempt, cache)
		if err == nil {
			result.Output = output
			result.Cached = cached
			result.Class = ""
			result.Err = nil

			e.metrics.StepAttempt(d.Name, outcome(cached))

			return result
		}

		result.Err = err
		result.Class = classifier.Classify(err)

		if ctx.Err() != nil {
			result.Interrupted = true

			return result
		}

		elapsed := e.now().Sub(result.StartedAt)
		decision := d.Policy.Evaluate(attempt, elapsed, result.Class)

		e.metrics.StepAttempt(d.Name, string(result.Class))

		if !decision.Retry {
			result.Exhausted = result.Class == models.ErrorClassRetryable

			logger.WarnContext(ctx, "Activity failed",
				"attempts", attempt,
				"error_class", result.Class,
				"exhausted", result.Exhausted,
				"error", err)

			return result
		}

		logger.InfoContext(ctx, "Retrying activity",
			"attempt", attempt,
			"retry_after", decision.After,
			"error", err)

		if err := e.sleep(ctx, decision.After); err != nil {
			result.Interrupted = true

			return result
		}
	}
}

func (e *Executor) attempt(ctx context.Context, d Descriptor, exec *models.Execution, attempt int, cache bool) ([]byte, bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "activity."+d.Name,
		attribute.String(otelhelper.ExecutionIDKey, exec.ID),
		attribute.String(otelhelper.CorrelationIDKey, exec.CorrelationID),
		attribute.String(otelhelper.StepNameKey, d.Name),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	key := ""
	if cache {
		key = d.IdempotencyKey
	}

	if key != "" {
		record, acquired, err := e.store.Reserve(ctx, key, exec.ID, leaseOrDefault(d))
		if err != nil {
			err = &storeError{op: "reserve", err: err}
			otelhelper.SetError(span, err)

			return nil, false, err
		}

		if !acquired {
			if record.Completed() {
				span.SetAttributes(attribute.Bool("homeledger.step.cached", true))

				return record.Result, true, nil
			}

			return nil, false, fmt.Errorf("%s: %w", key, idempotency.ErrInFlight)
		}
	}

	runCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	output, err := d.Run(runCtx)
	if err != nil {
		otelhelper.SetError(span, err)

		if key != "" {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if releaseErr := e.store.Release(releaseCtx, key, exec.ID); releaseErr != nil {
				e.logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", releaseErr)
			}

			cancel()
		}

		return nil, false, err
	}

	if key != "" {
		ttl := d.TTL
		if ttl <= 0 {
			ttl = idempotency.DefaultTTL
		}

		if err := e.store.Complete(ctx, key, exec.ID, output, ttl); err != nil {
			// The effect happened but is not cached; the next attempt reclaims
			// this owner's marker and re-runs an insert-if-absent write.
			err = &storeError{op: "complete", err: err}
			otelhelper.SetError(span, err)

			return nil, false, err
		}
	}

	return output, false, nil
}

func leaseOrDefault(d Descriptor) time.Duration {
	if d.Lease > 0 {
		return d.Lease
	}

	if d.Timeout > 0 {
		return 2 * d.Timeout
	}

	return idempotency.DefaultLease
}

func outcome(cached bool) string {
	if cached {
		return "cached"
	}

	return "succeeded"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
