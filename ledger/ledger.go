package ledger

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/flowledger-labs/flowledger/types"
)

// The ledger organises transactions into a DAG where each transaction
// references the parents it causally depends on. Transactions are keyed by
// id and parents are stored as ids, so traversal is done via explicit
// lookups rather than pointer chasing.

const confirmedCacheSize = 4096

var (
	ErrUnknownParent          = errors.New("ledger: unknown parent")
	ErrDuplicateID            = errors.New("ledger: duplicate transaction id")
	ErrCausalityViolation     = errors.New("ledger: timestamp precedes parent")
	ErrInvalidStateTransition = errors.New("ledger: invalid state transition")
	ErrNotFound               = errors.New("ledger: transaction not found")
)

// Ledger owns the per-shard transaction arena. Insert/confirm/reject for a
// single transaction id is serialized under the ledger mutex, preserving
// the single-writer-per-id rule.
type Ledger struct {
	mu       sync.RWMutex
	vertices map[string]*types.Transaction
	children map[string][]string
	tips     map[string]struct{}

	pendingByShard map[types.ShardID]int

	store     types.Store
	confirmed *lru.Cache
}

// New creates a ledger writing through the given durable store.
func New(store types.Store) *Ledger {
	cache, _ := lru.New(confirmedCacheSize)
	return &Ledger{
		vertices:       make(map[string]*types.Transaction),
		children:       make(map[string][]string),
		tips:           make(map[string]struct{}),
		pendingByShard: make(map[types.ShardID]int),
		store:          store,
		confirmed:      cache,
	}
}

// Insert adds a transaction to the DAG. The transaction is durably
// appended before it becomes visible to reads, so a crash can never leave
// a readable transaction that was not persisted.
func (l *Ledger) Insert(tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.vertices[tx.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, tx.ID)
	}

	var maxParentTimestamp int64
	for _, parentID := range tx.ParentIDs {
		parent, exists := l.vertices[parentID]
		if !exists {
			return fmt.Errorf("%w: %s references %s", ErrUnknownParent, tx.ID, parentID)
		}
		if parent.Timestamp > maxParentTimestamp {
			maxParentTimestamp = parent.Timestamp
		}
	}
	if len(tx.ParentIDs) > 0 && tx.Timestamp < maxParentTimestamp {
		return fmt.Errorf("%w: %s at %d, max parent at %d",
			ErrCausalityViolation, tx.ID, tx.Timestamp, maxParentTimestamp)
	}

	stored := tx.Copy()
	if stored.Status == "" {
		stored.Status = types.StatusPending
	}
	if err := l.store.DurableAppend(stored); err != nil {
		return fmt.Errorf("durable append failed for %s: %w", tx.ID, err)
	}

	l.vertices[stored.ID] = stored
	for _, parentID := range stored.ParentIDs {
		l.children[parentID] = append(l.children[parentID], stored.ID)
	}
	l.tips[stored.ID] = struct{}{}
	if stored.Status == types.StatusPending {
		l.pendingByShard[stored.ShardID]++
	}
	return nil
}

// Get returns a copy of the transaction, or false if unknown.
func (l *Ledger) Get(id string) (*types.Transaction, bool) {
	if cached, ok := l.confirmed.Get(id); ok {
		return cached.(*types.Transaction).Copy(), true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, exists := l.vertices[id]
	if !exists {
		return nil, false
	}
	return tx.Copy(), true
}

// Tips returns the ids of transactions with no confirmed children. These
// are the valid parents for new submissions.
func (l *Ledger) Tips() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tips := make([]string, 0, len(l.tips))
	for id := range l.tips {
		tips = append(tips, id)
	}
	return tips
}

// MarkConfirmed moves a pending transaction to confirmed. The status is
// written through to the durable store before the in-memory transition.
func (l *Ledger) MarkConfirmed(id string, confirmationTime int64) error {
	return l.transition(id, types.StatusConfirmed, confirmationTime)
}

// MarkRejected moves a pending transaction to rejected.
func (l *Ledger) MarkRejected(id string) error {
	return l.transition(id, types.StatusRejected, 0)
}

func (l *Ledger) transition(id string, status types.TransactionStatus, confirmationTime int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, exists := l.vertices[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tx.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s, want pending", ErrInvalidStateTransition, id, tx.Status)
	}

	if err := l.store.DurableUpdateStatus(id, status, confirmationTime); err != nil {
		return fmt.Errorf("durable status update failed for %s: %w", id, err)
	}

	tx.Status = status
	tx.ConfirmationTime = confirmationTime
	l.pendingByShard[tx.ShardID]--

	if status == types.StatusConfirmed {
		// A confirmed child retires its parents from the tip set.
		for _, parentID := range tx.ParentIDs {
			delete(l.tips, parentID)
		}
		l.confirmed.Add(id, tx.Copy())
	} else {
		// A rejected transaction is not a valid parent; any child built
		// on it would itself be rejected.
		delete(l.tips, id)
	}
	return nil
}

// Recover rebuilds the in-memory DAG from the durable store, so a
// restarted node sees every previously appended transaction. Called once
// at startup before any insert.
func (l *Ledger) Recover() error {
	txs, err := l.store.ListTransactions()
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, tx := range txs {
		stored := tx.Copy()
		l.vertices[stored.ID] = stored
		for _, parentID := range stored.ParentIDs {
			l.children[parentID] = append(l.children[parentID], stored.ID)
		}
		if stored.Status != types.StatusRejected {
			l.tips[stored.ID] = struct{}{}
		}
		if stored.Status == types.StatusPending {
			l.pendingByShard[stored.ShardID]++
		}
	}
	for _, tx := range txs {
		if tx.Status == types.StatusConfirmed {
			for _, parentID := range tx.ParentIDs {
				delete(l.tips, parentID)
			}
		}
	}
	return nil
}

// ParentsResolved reports whether every parent of the transaction has
// reached a terminal status, and whether any parent was rejected.
func (l *Ledger) ParentsResolved(id string) (resolved bool, anyRejected bool, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, exists := l.vertices[id]
	if !exists {
		return false, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	resolved = true
	for _, parentID := range tx.ParentIDs {
		parent, ok := l.vertices[parentID]
		if !ok {
			return false, false, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
		}
		switch parent.Status {
		case types.StatusRejected:
			anyRejected = true
		case types.StatusPending:
			resolved = false
		}
	}
	return resolved, anyRejected, nil
}

// PendingCount returns the number of pending transactions on a shard,
// the shard manager's primary load signal.
func (l *Ledger) PendingCount(shardID types.ShardID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingByShard[shardID]
}

// PendingIDs returns the ids of all pending transactions, used by the
// node's revalidation sweep.
func (l *Ledger) PendingIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, tx := range l.vertices {
		if tx.Status == types.StatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the number of transactions in the arena.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vertices)
}
