package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/dukex/homeledger/pkg/workflow"
)

const (
	StepValidateAccount      = "validate_account"
	StepCreateTransaction    = "create_transaction"
	StepCreateInventoryUnits = "create_inventory_units"

	ResourceTransaction    = "transaction"
	ResourceInventoryUnits = "inventory_units"
)

type PurchaseItem struct {
	ItemID         string `json:"itemId"              validate:"required"`
	Quantity       int    `json:"quantity"            validate:"required,min=1,max=1000"`
	UnitPriceCents int64  `json:"unitPriceCents"      validate:"min=0"`
	ExpiresOn      string `json:"expiresOn,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type PurchaseInput struct {
	AccountID   string         `json:"accountId"             validate:"required"`
	BookedOn    string         `json:"bookedOn"              validate:"required,datetime=2006-01-02"`
	Description string         `json:"description,omitempty" validate:"max=200"`
	Items       []PurchaseItem `json:"items"                 validate:"required,min=1,dive"`
}

// TotalCents is the amount spent.
func (in PurchaseInput) TotalCents() int64 {
	var total int64
	for _, item := range in.Items {
		total += int64(item.Quantity) * item.UnitPriceCents
	}

	return total
}

type PurchaseResult struct {
	TransactionID string   `json:"transactionId"`
	AccountID     string   `json:"accountId"`
	AmountCents   int64    `json:"amountCents"`
	UnitIDs       []string `json:"unitIds"`
}

type transactionOutput struct {
	TransactionID string `json:"transactionId"`
	Created       bool   `json:"created"`
}

type unitsOutput struct {
	TransactionID string   `json:"transactionId"`
	UnitIDs       []string `json:"unitIds"`
}

// Purchase books one expense transaction and the inventory units it bought.
type Purchase struct {
	ledger ledger.Store
}

func NewPurchase(store ledger.Store) *Purchase {
	return &Purchase{ledger: store}
}

func (p *Purchase) Type() models.WorkflowType { return models.WorkflowTypePurchase }

func (p *Purchase) Schema() string { return schema("purchase") }

func (p *Purchase) Limits() workflow.Limits {
	return workflow.Limits{Timeout: 10 * time.Minute}
}

func (p *Purchase) Plan(input json.RawMessage) ([]string, error) {
	var in PurchaseInput
	if err := workflow.DecodeInput(input, &in); err != nil {
		return nil, err
	}

	return []string{StepValidateAccount, StepCreateTransaction, StepCreateInventoryUnits}, nil
}

func (p *Purchase) Step(name string) (workflow.Step, bool) {
	switch name {
	case StepValidateAccount:
		return validateAccountStep(p.ledger, func(exec *models.Execution) (string, error) {
			in, err := purchaseInput(exec)

			return in.AccountID, err
		}), true
	case StepCreateTransaction:
		return workflow.Step{
			Name:         name,
			Policy:       retry.Default,
			Timeout:      10 * time.Second,
			Classifier:   ledgerErrors,
			Run:          p.createTransaction,
			Compensation: transactionCompensation,
		}, true
	case StepCreateInventoryUnits:
		return workflow.Step{
			Name:       name,
			Policy:     retry.Default,
			Timeout:    10 * time.Second,
			Classifier: ledgerErrors,
			Run:        p.createInventoryUnits,
			Compensation: func(output []byte) (*models.CompensationEntry, error) {
				var out unitsOutput
				if err := json.Unmarshal(output, &out); err != nil {
					return nil, err
				}

				if len(out.UnitIDs) == 0 {
					return nil, nil
				}

				return &models.CompensationEntry{
					ResourceType: ResourceInventoryUnits,
					ResourceIDs:  []string{out.TransactionID},
				}, nil
			},
		}, true
	default:
		return workflow.Step{}, false
	}
}

// PurchaseTransactionKey is the permanent uniqueness key of the transaction
// booked by the purchase with executionKey.
func PurchaseTransactionKey(executionKey string) string {
	return "purchase:" + executionKey
}

func (p *Purchase) createTransaction(ctx context.Context, exec *models.Execution) ([]byte, error) {
	in, err := purchaseInput(exec)
	if err != nil {
		return nil, err
	}

	key := PurchaseTransactionKey(exec.ExecutionKey)

	tx, created, err := p.ledger.InsertTransaction(ctx, &ledger.Transaction{
		ID:             ledger.TransactionID(key),
		AccountID:      in.AccountID,
		BookedOn:       in.BookedOn,
		AmountCents:    -in.TotalCents(),
		Description:    in.Description,
		IdempotencyKey: key,
		ExecutionID:    exec.ID,
	})
	if err != nil {
		return nil, err
	}

	return encode(transactionOutput{TransactionID: tx.ID, Created: created})
}

func (p *Purchase) createInventoryUnits(ctx context.Context, exec *models.Execution) ([]byte, error) {
	in, err := purchaseInput(exec)
	if err != nil {
		return nil, err
	}

	var tx transactionOutput
	if err := workflow.Output(exec, StepCreateTransaction, &tx); err != nil {
		return nil, activity.Permanent(err)
	}

	var units []ledger.InventoryUnit

	for _, item := range in.Items {
		for seq := 1; seq <= item.Quantity; seq++ {
			units = append(units, ledger.InventoryUnit{
				ID:             ledger.UnitID(tx.TransactionID, item.ItemID, seq),
				TransactionID:  tx.TransactionID,
				ItemID:         item.ItemID,
				Seq:            seq,
				UnitPriceCents: item.UnitPriceCents,
				ExpiresOn:      item.ExpiresOn,
			})
		}
	}

	if err := p.ledger.InsertInventoryUnits(ctx, units); err != nil {
		return nil, err
	}

	ids := make([]string, len(units))
	for i, unit := range units {
		ids[i] = unit.ID
	}

	return encode(unitsOutput{TransactionID: tx.TransactionID, UnitIDs: ids})
}

func (p *Purchase) Complete(_ context.Context, exec *models.Execution) (*workflow.Completion, error) {
	in, err := purchaseInput(exec)
	if err != nil {
		return nil, err
	}

	var tx transactionOutput
	if err := workflow.Output(exec, StepCreateTransaction, &tx); err != nil {
		return nil, err
	}

	var units unitsOutput
	if err := workflow.Output(exec, StepCreateInventoryUnits, &units); err != nil {
		return nil, err
	}

	result := PurchaseResult{
		TransactionID: tx.TransactionID,
		AccountID:     in.AccountID,
		AmountCents:   in.TotalCents(),
		UnitIDs:       units.UnitIDs,
	}

	env, err := events.NewEnvelope(events.PurchaseRegisteredEvent, exec.CorrelationID,
		string(events.PurchaseRegisteredEvent)+":"+exec.ID,
		events.PurchaseRegistered{
			ExecutionID:   exec.ID,
			TransactionID: result.TransactionID,
			AccountID:     result.AccountID,
			AmountCents:   result.AmountCents,
			UnitIDs:       result.UnitIDs,
		})
	if err != nil {
		return nil, err
	}

	return &workflow.Completion{Result: result, Events: []*events.Envelope{env}}, nil
}

func purchaseInput(exec *models.Execution) (PurchaseInput, error) {
	var in PurchaseInput
	if err := json.Unmarshal(exec.Input, &in); err != nil {
		return in, activity.Permanent(fmt.Errorf("failed to decode purchase input: %w", err))
	}

	return in, nil
}

func transactionCompensation(output []byte) (*models.CompensationEntry, error) {
	var out transactionOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, err
	}

	return &models.CompensationEntry{ResourceType: ResourceTransaction, ResourceIDs: []string{out.TransactionID}}, nil
}

type accountOutput struct {
	AccountID string `json:"accountId"`
}

// validateAccountStep checks the target account exists and is open.
func validateAccountStep(store ledger.Store, accountID func(*models.Execution) (string, error)) workflow.Step {
	return workflow.Step{
		Name:       StepValidateAccount,
		Policy:     retry.Fast,
		Timeout:    2 * time.Second,
		Classifier: ledgerErrors,
		Run: func(ctx context.Context, exec *models.Execution) ([]byte, error) {
			id, err := accountID(exec)
			if err != nil {
				return nil, err
			}

			account, err := store.GetAccount(ctx, id)
			if err != nil {
				return nil, err
			}

			if account.Closed {
				return nil, fmt.Errorf("%s: %w", id, ledger.ErrAccountClosed)
			}

			return encode(accountOutput{AccountID: account.ID})
		},
	}
}
