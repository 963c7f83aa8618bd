package store

import (
	"sync"

	"github.com/flowledger-labs/flowledger/types"
)

// MemStore is an in-memory types.Store used by tests and ephemeral nodes.
// It offers no crash durability; production nodes use LedgerStore.
type MemStore struct {
	mu      sync.RWMutex
	txs     map[string]*types.Transaction
	records map[string]*types.CrossShardRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		txs:     make(map[string]*types.Transaction),
		records: make(map[string]*types.CrossShardRecord),
	}
}

var _ types.Store = (*MemStore)(nil)

func (s *MemStore) DurableAppend(tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx.Copy()
	return nil
}

func (s *MemStore) DurableUpdateStatus(id string, status types.TransactionStatus, confirmationTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	tx.ConfirmationTime = confirmationTime
	return nil
}

func (s *MemStore) GetTransaction(id string) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Copy(), nil
}

func (s *MemStore) ListTransactions() ([]*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txs := make([]*types.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		txs = append(txs, tx.Copy())
	}
	return txs, nil
}

func (s *MemStore) SaveCrossShardRecord(record *types.CrossShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TransactionID] = record.Copy()
	return nil
}

func (s *MemStore) GetCrossShardRecord(transactionID string) (*types.CrossShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Copy(), nil
}

func (s *MemStore) ListCrossShardRecords() ([]*types.CrossShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*types.CrossShardRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.Copy())
	}
	return records, nil
}

func (s *MemStore) DeleteCrossShardRecord(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, transactionID)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
