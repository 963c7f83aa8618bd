package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowledger-labs/flowledger/store"
	"github.com/flowledger-labs/flowledger/types"
)

func newTx(id string, parents []string, ts int64) *types.Transaction {
	return &types.Transaction{
		ID:        id,
		ParentIDs: parents,
		Timestamp: ts,
		Status:    types.StatusPending,
	}
}

func TestInsertStructuralErrors(t *testing.T) {
	lg := New(store.NewMemStore())

	err := lg.Insert(newTx("t1", []string{"missing"}, 100))
	assert.ErrorIs(t, err, ErrUnknownParent)

	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))
	err = lg.Insert(newTx("t1", nil, 100))
	assert.ErrorIs(t, err, ErrDuplicateID)

	err = lg.Insert(newTx("t2", []string{"t1"}, 50))
	assert.ErrorIs(t, err, ErrCausalityViolation)

	require.NoError(t, lg.Insert(newTx("t2", []string{"t1"}, 100)))
}

func TestTipsRetireOnChildConfirmation(t *testing.T) {
	lg := New(store.NewMemStore())

	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))
	assert.ElementsMatch(t, []string{"t1"}, lg.Tips())

	require.NoError(t, lg.Insert(newTx("t2", []string{"t1"}, 200)))
	assert.ElementsMatch(t, []string{"t1", "t2"}, lg.Tips())

	// A pending child does not retire its parent.
	require.NoError(t, lg.Insert(newTx("t3", []string{"t1"}, 200)))
	assert.Contains(t, lg.Tips(), "t1")

	require.NoError(t, lg.MarkConfirmed("t2", time.Now().UnixNano()))
	assert.NotContains(t, lg.Tips(), "t1")
	assert.Contains(t, lg.Tips(), "t2")
}

func TestStateTransitions(t *testing.T) {
	lg := New(store.NewMemStore())
	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))

	require.NoError(t, lg.MarkConfirmed("t1", 12345))
	tx, ok := lg.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusConfirmed, tx.Status)
	assert.EqualValues(t, 12345, tx.ConfirmationTime)

	// Terminal transactions are immutable.
	assert.ErrorIs(t, lg.MarkConfirmed("t1", 99999), ErrInvalidStateTransition)
	assert.ErrorIs(t, lg.MarkRejected("t1"), ErrInvalidStateTransition)

	assert.ErrorIs(t, lg.MarkRejected("nope"), ErrNotFound)
}

func TestParentsResolved(t *testing.T) {
	lg := New(store.NewMemStore())
	require.NoError(t, lg.Insert(newTx("p1", nil, 100)))
	require.NoError(t, lg.Insert(newTx("p2", nil, 100)))
	require.NoError(t, lg.Insert(newTx("c", []string{"p1", "p2"}, 200)))

	resolved, anyRejected, err := lg.ParentsResolved("c")
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.False(t, anyRejected)

	require.NoError(t, lg.MarkConfirmed("p1", 1))
	require.NoError(t, lg.MarkRejected("p2"))

	resolved, anyRejected, err = lg.ParentsResolved("c")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.True(t, anyRejected)
}

func TestPendingCountPerShard(t *testing.T) {
	lg := New(store.NewMemStore())

	tx := newTx("t1", nil, 100)
	tx.ShardID = 2
	require.NoError(t, lg.Insert(tx))
	assert.Equal(t, 1, lg.PendingCount(2))
	assert.Equal(t, 0, lg.PendingCount(1))

	require.NoError(t, lg.MarkConfirmed("t1", 1))
	assert.Equal(t, 0, lg.PendingCount(2))
}

func TestRejectedTransactionIsNotATip(t *testing.T) {
	lg := New(store.NewMemStore())

	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))
	require.NoError(t, lg.Insert(newTx("t2", nil, 100)))
	require.NoError(t, lg.MarkRejected("t1"))

	assert.NotContains(t, lg.Tips(), "t1")
	assert.Contains(t, lg.Tips(), "t2")
}

// A restarted ledger rebuilds the DAG, tips and pending counts from the
// durable store, so previously inserted transactions stay readable.
func TestRecoverRebuildsFromStore(t *testing.T) {
	st := store.NewMemStore()
	lg := New(st)

	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))
	require.NoError(t, lg.MarkConfirmed("t1", 1))
	require.NoError(t, lg.Insert(newTx("t2", []string{"t1"}, 200)))
	require.NoError(t, lg.MarkConfirmed("t2", 2))
	pending := newTx("t3", []string{"t1"}, 200)
	pending.ShardID = 2
	require.NoError(t, lg.Insert(pending))
	require.NoError(t, lg.Insert(newTx("t4", nil, 100)))
	require.NoError(t, lg.MarkRejected("t4"))

	reopened := New(st)
	require.NoError(t, reopened.Recover())

	confirmed, ok := reopened.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusConfirmed, confirmed.Status)
	assert.EqualValues(t, 1, confirmed.ConfirmationTime)

	// t1 was retired by its confirmed child t2; t4 was rejected.
	assert.ElementsMatch(t, []string{"t2", "t3"}, reopened.Tips())
	assert.Equal(t, 1, reopened.PendingCount(2))

	resolved, anyRejected, err := reopened.ParentsResolved("t3")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.False(t, anyRejected)

	// Transitions work on recovered state.
	require.NoError(t, reopened.MarkConfirmed("t3", 3))
	assert.Equal(t, 0, reopened.PendingCount(2))
}

type failingStore struct {
	*store.MemStore
	fail bool
}

func (f *failingStore) DurableAppend(tx *types.Transaction) error {
	if f.fail {
		return errors.New("disk on fire")
	}
	return f.MemStore.DurableAppend(tx)
}

func TestInsertNotVisibleWhenAppendFails(t *testing.T) {
	fs := &failingStore{MemStore: store.NewMemStore(), fail: true}
	lg := New(fs)

	err := lg.Insert(newTx("t1", nil, 100))
	require.Error(t, err)

	// A transaction that was never durably appended must not be
	// readable, or a crash could lose a confirmed transaction.
	_, ok := lg.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, lg.Tips())

	fs.fail = false
	require.NoError(t, lg.Insert(newTx("t1", nil, 100)))
}
