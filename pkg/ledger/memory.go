package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions map[string]Transaction
	byKey        map[string]string
	units        map[string]InventoryUnit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		byKey:        make(map[string]string),
		units:        make(map[string]InventoryUnit),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}

	return &account, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	s.accounts[account.ID] = *account

	return nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *Transaction) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[tx.IdempotencyKey]; ok {
		existing := s.transactions[id]

		return &existing, false, nil
	}

	if _, ok := s.accounts[tx.AccountID]; !ok {
		return nil, false, ErrAccountNotFound
	}

	stored := *tx
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.transactions[stored.ID] = stored
	s.byKey[stored.IdempotencyKey] = stored.ID

	return &stored, true, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	return &tx, nil
}

func (s *MemoryStore) DeleteTransactions(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		tx, ok := s.transactions[id]
		if !ok {
			continue
		}

		delete(s.byKey, tx.IdempotencyKey)
		delete(s.transactions, id)

		for unitID, unit := range s.units {
			if unit.TransactionID == id {
				delete(s.units, unitID)
			}
		}
	}

	return nil
}

func (s *MemoryStore) InsertInventoryUnits(_ context.Context, units []InventoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, unit := range units {
		if _, ok := s.transactions[unit.TransactionID]; !ok {
			return ErrTransactionNotFound
		}
	}

	now := time.Now().UTC()

	for _, unit := range units {
		if _, ok := s.units[unit.ID]; ok {
			continue
		}

		if unit.CreatedAt.IsZero() {
			unit.CreatedAt = now
		}

		s.units[unit.ID] = unit
	}

	return nil
}

func (s *MemoryStore) DeleteInventoryUnitsByTransaction(_ context.Context, transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0

	for id, unit := range s.units {
		if unit.TransactionID == transactionID {
			delete(s.units, id)

			deleted++
		}
	}

	return deleted, nil
}

func (s *MemoryStore) UnitsByTransaction(_ context.Context, transactionID string) ([]InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var units []InventoryUnit

	for _, unit := range s.units {
		if unit.TransactionID == transactionID {
			units = append(units, unit)
		}
	}

	sortUnits(units)

	return units, nil
}

func (s *MemoryStore) ExpiringUnits(_ context.Context, until string) ([]InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var units []InventoryUnit

	for _, unit := range s.units {
		if unit.ExpiresOn != "" && unit.ExpiresOn <= until {
			units = append(units, unit)
		}
	}

	sortUnits(units)

	return units, nil
}

func (s *MemoryStore) MarkExpiryNotified(_ context.Context, unitID, on string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[unitID]
	if !ok {
		return nil
	}

	unit.ExpiryNotifiedOn = on
	s.units[unitID] = unit

	return nil
}

// Transactions returns every stored transaction ordered by creation.
func (s *MemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := make([]Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		txs = append(txs, tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}

		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})

	return txs
}

func sortUnits(units []InventoryUnit) {
	slices.SortFunc(units, func(a, b InventoryUnit) int {
		switch {
		case a.TransactionID != b.TransactionID:
			if a.TransactionID < b.TransactionID {
				return -1
			}

			return 1
		case a.ItemID != b.ItemID:
			if a.ItemID < b.ItemID {
				return -1
			}

			return 1
		default:
			return a.Seq - b.Seq
		}
	})
}
