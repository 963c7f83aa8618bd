package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowledger-labs/flowledger/config"
	"github.com/flowledger-labs/flowledger/consensus"
	"github.com/flowledger-labs/flowledger/crypto"
	"github.com/flowledger-labs/flowledger/ledger"
	"github.com/flowledger-labs/flowledger/network"
	"github.com/flowledger-labs/flowledger/store"
	"github.com/flowledger-labs/flowledger/types"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		PrepareTimeout:    300 * time.Millisecond,
		CommitTimeout:     100 * time.Millisecond,
		MaxCommitRetries:  3,
		CommitBackoffBase: 10 * time.Millisecond,
	}
	cfg.Normalize()
	return cfg
}

type harness struct {
	cfg    *config.Config
	store  types.Store
	ledger *ledger.Ledger
	engine *consensus.Engine
	bus    *network.ChannelBus
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testConfig()
	st := store.NewMemStore()
	lg := ledger.New(st)
	engine := consensus.NewEngine(lg, crypto.Ed25519Verifier{}, cfg.ApprovalThreshold, cfg.ClockSkewLimit)
	bus := network.NewChannelBus()
	coord := New(cfg, lg, engine, st, bus)

	for i := 0; i < 4; i++ {
		go coord.Serve(types.ShardID(i))
	}
	t.Cleanup(coord.Stop)

	return &harness{cfg: cfg, store: st, ledger: lg, engine: engine, bus: bus, coord: coord}
}

func (h *harness) submit(t *testing.T, id string) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		ID:        id,
		Timestamp: time.Now().UnixNano(),
		Status:    types.StatusPending,
		ShardID:   1,
	}
	require.NoError(t, h.ledger.Insert(tx))
	return tx
}

func TestAllPreparedCommitsEverywhere(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-1")

	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseCommitted, record.Phase)
	assert.NotZero(t, record.CompletedAt)
	for _, shard := range record.ParticipantShards {
		assert.Equal(t, types.VotePrepared, record.Votes[shard])
		assert.Equal(t, types.AckCommitted, record.Commits[shard])
	}

	stored, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
}

// A cross-shard child of a still-pending parent must abort at prepare:
// committing it would confirm the child while the parent can still be
// rejected, breaking causal confirmation order.
func TestPendingParentAbortsCrossShardCommit(t *testing.T) {
	h := newHarness(t)
	parent := h.submit(t, "xs-parent")

	child := &types.Transaction{
		ID:        "xs-child",
		ParentIDs: []string{parent.ID},
		Timestamp: parent.Timestamp + 1,
		Status:    types.StatusPending,
		ShardID:   1,
	}
	require.NoError(t, h.ledger.Insert(child))

	record, err := h.coord.Execute(context.Background(), child, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAborted, record.Phase)

	childTx, ok := h.ledger.Get(child.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusRejected, childTx.Status)

	parentTx, ok := h.ledger.Get(parent.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, parentTx.Status)
}

// A participant that never answers prepare forces the whole transaction
// onto the abort branch: no shard may keep a confirmed copy.
func TestPrepareTimeoutAbortsEverywhere(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-timeout")

	h.bus.DropFn = func(env types.Envelope) bool {
		return env.Kind == types.MsgPrepare && env.To == 2
	}

	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseAborted, record.Phase)
	assert.Equal(t, types.VoteUnknown, record.Votes[2])

	stored, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusRejected, stored.Status)
}

// A delayed commit acknowledgment triggers redelivery, never an abort, and
// the record reaches Committed once the ack finally lands.
func TestDelayedCommitAckIsRetried(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-slowack")

	var mu sync.Mutex
	dropped := false
	h.bus.DropFn = func(env types.Envelope) bool {
		if env.Kind != types.MsgCommit || env.To != 3 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if !dropped {
			dropped = true
			return true
		}
		return false
	}

	start := time.Now()
	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseCommitted, record.Phase)
	assert.Equal(t, types.AckCommitted, record.Commits[3])
	// At least one commit retry interval elapsed.
	assert.GreaterOrEqual(t, time.Since(start), h.cfg.CommitTimeout)

	stored, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
}

// Replaying any protocol message against a terminal record changes
// nothing: not the record, not the ledger.
func TestReplayAgainstTerminalRecordIsNoop(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-replay")

	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)
	require.Equal(t, types.PhaseCommitted, record.Phase)

	replays := []types.Envelope{
		{Kind: types.MsgPrepare, TransactionID: tx.ID, From: 1, To: 2, Tx: tx, Nonce: uuid.NewString()},
		{Kind: types.MsgCommit, TransactionID: tx.ID, From: 1, To: 3, Nonce: uuid.NewString()},
		{Kind: types.MsgAbort, TransactionID: tx.ID, From: 1, To: 2, Nonce: uuid.NewString()},
		{Kind: types.MsgPrepareVote, TransactionID: tx.ID, From: 2, To: 1, Vote: types.VoteAborted, Nonce: uuid.NewString()},
		{Kind: types.MsgDecisionAck, TransactionID: tx.ID, From: 3, To: 1, Decision: types.PhaseAborted, Nonce: uuid.NewString()},
	}
	for _, env := range replays {
		h.coord.HandleEnvelope(env.To, env)
	}
	// Give participant-side handling a moment to run.
	time.Sleep(50 * time.Millisecond)

	after, err := h.coord.Record(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCommitted, after.Phase)
	assert.Equal(t, record.CompletedAt, after.CompletedAt)
	assert.Equal(t, record.Votes, after.Votes)

	stored, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
}

// Re-running Execute for a transaction that already reached a terminal
// phase returns the existing record instead of starting a second protocol
// round or failing on an illegal phase transition.
func TestExecuteReturnsTerminalRecordOnRerun(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-rerun")

	first, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)
	require.Equal(t, types.PhaseCommitted, first.Phase)

	again, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCommitted, again.Phase)
	assert.Equal(t, first.CompletedAt, again.CompletedAt)
}

// The exact same envelope delivered twice (at-least-once channel) is
// absorbed by the dedup filter.
func TestDuplicateDeliveryIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-dup")

	h.bus.DuplicateFn = func(env types.Envelope) bool { return true }

	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCommitted, record.Phase)

	stored, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
}

// Exhausted commit retries leave the record in Committing and flag it as
// stuck; the decision is never rolled back.
func TestExhaustedCommitRetriesSurfaceAsStuck(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-stuck")

	h.bus.DropFn = func(env types.Envelope) bool {
		return env.Kind == types.MsgCommit && env.To == 3
	}

	record, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	assert.ErrorIs(t, err, ErrStuckCommit)
	assert.Equal(t, types.PhaseCommitting, record.Phase)
	assert.Contains(t, h.coord.Stuck(), tx.ID)

	// The committed side stays committed.
	stored, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)

	assert.True(t, h.coord.InflightOnTopology(4))
	assert.False(t, h.coord.InflightOnTopology(8))
}

// A coordinator restarted mid-commit re-sends the decision and finishes.
func TestRecoveryResumesCommitting(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-recover")

	h.bus.DropFn = func(env types.Envelope) bool {
		return env.Kind == types.MsgCommit && env.To == 3
	}
	_, err := h.coord.Execute(context.Background(), tx, 1, []types.ShardID{2, 3}, 4)
	require.ErrorIs(t, err, ErrStuckCommit)
	h.coord.Stop()

	// Restart: fresh coordinator over the same store and a healthy bus.
	bus := network.NewChannelBus()
	recovered := New(h.cfg, h.ledger, h.engine, h.store, bus)
	for i := 0; i < 4; i++ {
		go recovered.Serve(types.ShardID(i))
	}
	defer recovered.Stop()

	require.NoError(t, recovered.Recover(context.Background()))

	require.Eventually(t, func() bool {
		record, err := recovered.Record(tx.ID)
		return err == nil && record.Phase == types.PhaseCommitted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, recovered.Stuck())
}

// Records that never reached a unanimous prepare are aborted on recovery.
func TestRecoveryAbortsUnprepared(t *testing.T) {
	h := newHarness(t)
	tx := h.submit(t, "xs-presumed-abort")

	record := &types.CrossShardRecord{
		TransactionID:      tx.ID,
		CoordinatorShard:   1,
		ParticipantShards:  []types.ShardID{1, 2, 3},
		Phase:              types.PhasePreparing,
		Votes:              map[types.ShardID]types.Vote{1: types.VotePrepared, 2: types.VoteUnknown, 3: types.VoteUnknown},
		Commits:            map[types.ShardID]types.CommitAck{1: types.AckUnknown, 2: types.AckUnknown, 3: types.AckUnknown},
		CreatedAt:          time.Now().UnixNano(),
		TopologyShardCount: 4,
	}
	require.NoError(t, h.store.SaveCrossShardRecord(record))

	recovered := New(h.cfg, h.ledger, h.engine, h.store, network.NewChannelBus())
	for i := 0; i < 4; i++ {
		go recovered.Serve(types.ShardID(i))
	}
	defer recovered.Stop()
	require.NoError(t, recovered.Recover(context.Background()))

	require.Eventually(t, func() bool {
		rec, err := recovered.Record(tx.ID)
		return err == nil && rec.Phase == types.PhaseAborted
	}, 5*time.Second, 20*time.Millisecond)

	stored, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, types.StatusRejected, stored.Status)
}
