package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/events"
)

// Notifications turns integration events into household notifications. The
// log line is the notification until a delivery channel exists.
type Notifications struct {
	logger *slog.Logger
}

func NewNotifications(logger *slog.Logger) *Notifications {
	return &Notifications{logger: logger.With("module", "notifications")}
}

// Register subscribes every handler on consumer.
func (n *Notifications) Register(consumer *eventbus.Consumer) {
	consumer.Handle("notify_purchase_registered", string(events.PurchaseRegisteredEvent), n.PurchaseRegistered)
	consumer.Handle("notify_transactions_imported", string(events.TransactionsImportedEvent), n.TransactionsImported)
	consumer.Handle("notify_inventory_expiring", string(events.InventoryExpiringEvent), n.InventoryExpiring)
	consumer.Handle("alert_compensation_failed", string(events.ExecutionCompensationFailedEvent), n.CompensationFailed)
}

func (n *Notifications) PurchaseRegistered(ctx context.Context, env *events.Envelope) error {
	var payload events.PurchaseRegistered
	if err := decodePayload(env, &payload); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Purchase registered",
		"correlation_id", env.CorrelationID,
		"transaction_id", payload.TransactionID,
		"account_id", payload.AccountID,
		"amount_cents", payload.AmountCents,
		"units", len(payload.UnitIDs),
	)

	return nil
}

func (n *Notifications) TransactionsImported(ctx context.Context, env *events.Envelope) error {
	var payload events.TransactionsImported
	if err := decodePayload(env, &payload); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Statement imported",
		"correlation_id", env.CorrelationID,
		"account_id", payload.AccountID,
		"imported", payload.Imported,
		"skipped", payload.Skipped,
		"failed", payload.Failed,
	)

	return nil
}

func (n *Notifications) InventoryExpiring(ctx context.Context, env *events.Envelope) error {
	var payload events.InventoryExpiring
	if err := decodePayload(env, &payload); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Inventory unit expiring",
		"unit_id", payload.UnitID,
		"item_id", payload.ItemID,
		"expires_on", payload.ExpiresOn,
		"as_of", payload.AsOfDate,
	)

	return nil
}

// CompensationFailed pages the operator: the ledger holds effects a rollback
// could not reverse.
func (n *Notifications) CompensationFailed(ctx context.Context, env *events.Envelope) error {
	var payload events.CompensationFailed
	if err := decodePayload(env, &payload); err != nil {
		return err
	}

	n.logger.ErrorContext(ctx, "Execution needs manual repair",
		"execution_id", payload.ExecutionID,
		"workflow_type", payload.WorkflowType,
		"reason", payload.Reason,
		"unresolved", len(payload.Unresolved),
	)

	return nil
}

func decodePayload(env *events.Envelope, target any) error {
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return activity.Permanent(fmt.Errorf("malformed %s payload: %w", env.EventType, err))
	}

	return nil
}
