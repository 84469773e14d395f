package events

import "github.com/dukex/homeledger/pkg/models"

type PurchaseRegistered struct {
	ExecutionID   string   `json:"executionId"`
	TransactionID string   `json:"transactionId"`
	AccountID     string   `json:"accountId"`
	AmountCents   int64    `json:"amountCents"`
	UnitIDs       []string `json:"unitIds"`
}

type TransactionsImported struct {
	ExecutionID string `json:"executionId"`
	AccountID   string `json:"accountId"`
	Imported    int    `json:"imported"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
}

type InventoryExpiring struct {
	UnitID        string `json:"unitId"`
	ItemID        string `json:"itemId"`
	TransactionID string `json:"transactionId"`
	ExpiresOn     string `json:"expiresOn"`
	AsOfDate      string `json:"asOfDate"`
}

// CompensationFailed is the operational alert raised when a rollback leaves
// effects that could not be reversed.
type CompensationFailed struct {
	ExecutionID  string                     `json:"executionId"`
	WorkflowType models.WorkflowType        `json:"workflowType"`
	Reason       string                     `json:"reason"`
	Unresolved   []models.CompensationEntry `json:"unresolved"`
}
