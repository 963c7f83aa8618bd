package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/flowledger-labs/flowledger/types"
)

// ErrNotFound is returned when the requested key has no record.
var ErrNotFound = errors.New("store: not found")

// LedgerStore implements types.Store on top of the Badger wrapper. Writes
// are synced before the call returns, so the ledger can expose a
// transaction to reads only after it is crash-durable.
type LedgerStore struct {
	db *Database
}

func NewLedgerStore(db *Database) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ types.Store = (*LedgerStore)(nil)

func transactionKey(id string) []byte {
	return []byte(TransactionPrefix + id)
}

func crossShardKey(transactionID string) []byte {
	return []byte(CrossShardPrefix + transactionID)
}

// DurableAppend persists a new transaction.
func (s *LedgerStore) DurableAppend(tx *types.Transaction) error {
	data, err := tx.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal transaction %s: %w", tx.ID, err)
	}
	return s.db.Set(transactionKey(tx.ID), data)
}

// DurableUpdateStatus rewrites a stored transaction with its new status.
func (s *LedgerStore) DurableUpdateStatus(id string, status types.TransactionStatus, confirmationTime int64) error {
	tx, err := s.GetTransaction(id)
	if err != nil {
		return err
	}
	tx.Status = status
	tx.ConfirmationTime = confirmationTime
	data, err := tx.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal transaction %s: %w", id, err)
	}
	return s.db.Set(transactionKey(id), data)
}

// GetTransaction loads a transaction by id.
func (s *LedgerStore) GetTransaction(id string) (*types.Transaction, error) {
	data, err := s.db.Get(transactionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tx := &types.Transaction{}
	if err := tx.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", id, err)
	}
	return tx, nil
}

// ListTransactions returns every persisted transaction, used to rebuild
// the ledger's in-memory DAG on startup.
func (s *LedgerStore) ListTransactions() ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := s.db.Scan([]byte(TransactionPrefix), func(key, value []byte) error {
		tx := &types.Transaction{}
		if err := tx.Unmarshal(value); err != nil {
			return fmt.Errorf("failed to unmarshal transaction at %s: %w", key, err)
		}
		txs = append(txs, tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// SaveCrossShardRecord persists coordinator bookkeeping. Called on every
// phase transition so a restarted coordinator can resume the decision.
func (s *LedgerStore) SaveCrossShardRecord(record *types.CrossShardRecord) error {
	data, err := record.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal cross-shard record %s: %w", record.TransactionID, err)
	}
	return s.db.Set(crossShardKey(record.TransactionID), data)
}

// GetCrossShardRecord loads a record by transaction id.
func (s *LedgerStore) GetCrossShardRecord(transactionID string) (*types.CrossShardRecord, error) {
	data, err := s.db.Get(crossShardKey(transactionID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	record := &types.CrossShardRecord{}
	if err := record.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cross-shard record %s: %w", transactionID, err)
	}
	return record, nil
}

// ListCrossShardRecords returns every persisted record, used by coordinator
// recovery on startup.
func (s *LedgerStore) ListCrossShardRecords() ([]*types.CrossShardRecord, error) {
	var records []*types.CrossShardRecord
	err := s.db.Scan([]byte(CrossShardPrefix), func(key, value []byte) error {
		record := &types.CrossShardRecord{}
		if err := record.Unmarshal(value); err != nil {
			return fmt.Errorf("failed to unmarshal cross-shard record at %s: %w", key, err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteCrossShardRecord removes a terminal record past retention.
func (s *LedgerStore) DeleteCrossShardRecord(transactionID string) error {
	return s.db.Delete(crossShardKey(transactionID))
}

// Close closes the underlying database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}
