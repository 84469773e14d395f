package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/dukex/homeledger/pkg/workflow"
)

const (
	StepFindExpiring = "find_expiring"
	StepNotify       = "notify_expiring"

	DefaultHorizonDays = 3

	// noticeTTL keeps the per-day notice marker past the day it covers.
	noticeTTL = 72 * time.Hour
)

type SweepInput struct {
	AsOfDate    string `json:"asOfDate"              validate:"required,datetime=2006-01-02"`
	HorizonDays *int   `json:"horizonDays,omitempty" validate:"omitempty,min=0,max=90"`
}

func (in SweepInput) horizon() int {
	if in.HorizonDays == nil {
		return DefaultHorizonDays
	}

	return *in.HorizonDays
}

type SweepResult struct {
	AsOfDate string   `json:"asOfDate"`
	Found    int      `json:"found"`
	Notified int      `json:"notified"`
	Skipped  int      `json:"skipped"`
	UnitIDs  []string `json:"unitIds,omitempty"`
}

type expiringOutput struct {
	Until string                 `json:"until"`
	Units []ledger.InventoryUnit `json:"units"`
}

type notifyOutput struct {
	Notified []string `json:"notified"`
	Skipped  int      `json:"skipped"`
}

type noticeClaim struct {
	ExecutionID string `json:"executionId"`
}

// SweepKey is the execution key of the sweep for asOfDate, so a trigger
// fired twice for one day resumes the same execution.
func SweepKey(asOfDate string) string {
	return "sweep:" + asOfDate
}

// NoticeKey guards the notice about unitID for one calendar day.
func NoticeKey(unitID, asOfDate string) string {
	return "expiry-notice:" + unitID + ":" + asOfDate
}

// Sweep notifies about inventory units close to expiry, at most once per unit
// and day. It creates nothing that needs undoing.
type Sweep struct {
	ledger      ledger.Store
	idempotency idempotency.Store
	emitter     workflow.Emitter
}

func NewSweep(store ledger.Store, idem idempotency.Store, emitter workflow.Emitter) *Sweep {
	return &Sweep{ledger: store, idempotency: idem, emitter: emitter}
}

func (s *Sweep) Type() models.WorkflowType { return models.WorkflowTypeSweep }

func (s *Sweep) Schema() string { return schema("sweep") }

func (s *Sweep) Limits() workflow.Limits {
	return workflow.Limits{Timeout: 30 * time.Minute}
}

func (s *Sweep) Plan(input json.RawMessage) ([]string, error) {
	var in SweepInput
	if err := workflow.DecodeInput(input, &in); err != nil {
		return nil, err
	}

	return []string{StepFindExpiring, StepNotify}, nil
}

func (s *Sweep) Step(name string) (workflow.Step, bool) {
	switch name {
	case StepFindExpiring:
		return workflow.Step{
			Name:       name,
			Policy:     retry.Default,
			Timeout:    30 * time.Second,
			Classifier: ledgerErrors,
			Run:        s.findExpiring,
		}, true
	case StepNotify:
		return workflow.Step{
			Name:       name,
			Policy:     retry.Default,
			Timeout:    5 * time.Minute,
			Classifier: ledgerErrors,
			Run:        s.notify,
		}, true
	default:
		return workflow.Step{}, false
	}
}

func (s *Sweep) findExpiring(ctx context.Context, exec *models.Execution) ([]byte, error) {
	in, err := sweepInput(exec)
	if err != nil {
		return nil, err
	}

	asOf, err := time.Parse(ledger.DateLayout, in.AsOfDate)
	if err != nil {
		return nil, activity.Permanent(err)
	}

	until := asOf.AddDate(0, 0, in.horizon()).Format(ledger.DateLayout)

	units, err := s.ledger.ExpiringUnits(ctx, until)
	if err != nil {
		return nil, err
	}

	return encode(expiringOutput{Until: until, Units: units})
}

// notify is safe to retry: every unit is guarded by its own notice key.
func (s *Sweep) notify(ctx context.Context, exec *models.Execution) ([]byte, error) {
	in, err := sweepInput(exec)
	if err != nil {
		return nil, err
	}

	var found expiringOutput
	if err := workflow.Output(exec, StepFindExpiring, &found); err != nil {
		return nil, activity.Permanent(err)
	}

	out := notifyOutput{Notified: []string{}}

	for _, unit := range found.Units {
		if unit.ExpiryNotifiedOn == in.AsOfDate {
			out.Skipped++

			continue
		}

		sent, err := s.notifyUnit(ctx, exec, unit, in.AsOfDate)
		if err != nil {
			return nil, err
		}

		if sent {
			out.Notified = append(out.Notified, unit.ID)
		} else {
			out.Skipped++
		}
	}

	return encode(out)
}

func (s *Sweep) notifyUnit(ctx context.Context, exec *models.Execution, unit ledger.InventoryUnit, asOfDate string) (bool, error) {
	key := NoticeKey(unit.ID, asOfDate)

	record, acquired, err := s.idempotency.Reserve(ctx, key, exec.ID, idempotency.DefaultLease)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	if !acquired {
		if !record.Completed() {
			return false, idempotency.ErrInFlight
		}

		var claim noticeClaim
		if err := json.Unmarshal(record.Result, &claim); err == nil && claim.ExecutionID == exec.ID {
			return true, nil
		}

		return false, nil
	}

	env, err := events.NewEnvelope(events.InventoryExpiringEvent, exec.CorrelationID,
		string(events.InventoryExpiringEvent)+":"+unit.ID+":"+asOfDate,
		events.InventoryExpiring{
			UnitID:        unit.ID,
			ItemID:        unit.ItemID,
			TransactionID: unit.TransactionID,
			ExpiresOn:     unit.ExpiresOn,
			AsOfDate:      asOfDate,
		})
	if err != nil {
		return false, s.release(ctx, key, exec.ID, activity.Permanent(err))
	}

	if err := s.emitter.Emit(ctx, env); err != nil && !errors.Is(err, eventbus.ErrUnrouted) {
		return false, s.release(ctx, key, exec.ID, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err))
	}

	if err := s.ledger.MarkExpiryNotified(ctx, unit.ID, asOfDate); err != nil {
		return false, s.release(ctx, key, exec.ID, err)
	}

	claim, err := json.Marshal(noticeClaim{ExecutionID: exec.ID})
	if err != nil {
		return false, activity.Permanent(err)
	}

	if err := s.idempotency.Complete(ctx, key, exec.ID, claim, noticeTTL); err != nil {
		return false, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	return true, nil
}

func (s *Sweep) release(ctx context.Context, key, owner string, cause error) error {
	if err := s.idempotency.Release(context.WithoutCancel(ctx), key, owner); err != nil {
		return errors.Join(cause, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err))
	}

	return cause
}

func (s *Sweep) Complete(_ context.Context, exec *models.Execution) (*workflow.Completion, error) {
	in, err := sweepInput(exec)
	if err != nil {
		return nil, err
	}

	var found expiringOutput
	if err := workflow.Output(exec, StepFindExpiring, &found); err != nil {
		return nil, err
	}

	var notified notifyOutput
	if err := workflow.Output(exec, StepNotify, &notified); err != nil {
		return nil, err
	}

	return &workflow.Completion{Result: SweepResult{
		AsOfDate: in.AsOfDate,
		Found:    len(found.Units),
		Notified: len(notified.Notified),
		Skipped:  notified.Skipped,
		UnitIDs:  notified.Notified,
	}}, nil
}

func sweepInput(exec *models.Execution) (SweepInput, error) {
	var in SweepInput
	if err := json.Unmarshal(exec.Input, &in); err != nil {
		return in, activity.Permanent(fmt.Errorf("failed to decode sweep input: %w", err))
	}

	return in, nil
}
