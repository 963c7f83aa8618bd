package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowledger-labs/flowledger/config"
	"github.com/flowledger-labs/flowledger/consensus"
	"github.com/flowledger-labs/flowledger/ledger"
	"github.com/flowledger-labs/flowledger/network"
	"github.com/flowledger-labs/flowledger/types"
)

// The coordinator drives two-phase commit for transactions that span
// shards. Phase transitions live in an explicit state machine
// (types.CrossShardRecord) with deadlines, so suspension points are part
// of the data model and the protocol is testable without a live network.

var (
	// ErrStuckCommit is returned when commit acknowledgments could not
	// be collected within the retry budget. The record stays in
	// Committing and is surfaced as an operational alert; it is never
	// converted into an abort.
	ErrStuckCommit = errors.New("coordinator: commit acknowledgments exhausted retries")

	ErrUnknownRecord = errors.New("coordinator: unknown cross-shard record")
)

// Coordinator owns the cross-shard transaction records for the shards it
// hosts: one record per in-flight multi-shard transaction, keyed by
// transaction id, garbage-collected after the retention window.
type Coordinator struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	engine  *consensus.Engine
	store   types.Store
	channel types.MessageChannel
	dedup   *network.Deduper

	mu      sync.RWMutex
	records map[string]*types.CrossShardRecord
	waiters map[string]chan struct{}
	stuck   map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a coordinator. Call Recover before serving traffic so
// decisions interrupted by a crash are re-sent.
func New(cfg *config.Config, lg *ledger.Ledger, engine *consensus.Engine, st types.Store, channel types.MessageChannel) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		ledger:  lg,
		engine:  engine,
		store:   st,
		channel: channel,
		dedup:   network.NewDeduper(cfg.RetentionWindow),
		records: make(map[string]*types.CrossShardRecord),
		waiters: make(map[string]chan struct{}),
		stuck:   make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Execute runs two-phase commit for a transaction across the given
// participant set. The set always includes the coordinator shard and is
// fixed for the record's lifetime. Returns the terminal record, or the
// in-flight record together with ErrStuckCommit when commit delivery
// exhausted its retries.
func (c *Coordinator) Execute(ctx context.Context, tx *types.Transaction, coordinatorShard types.ShardID, participants []types.ShardID, topologyShardCount int) (*types.CrossShardRecord, error) {
	record, err := c.createRecord(tx.ID, coordinatorShard, participants, topologyShardCount)
	if err != nil {
		return nil, err
	}
	if record.Phase.Terminal() {
		// Idempotent re-run: the decision already exists.
		return c.Record(tx.ID)
	}
	defer c.dropWaiter(tx.ID)

	if err := c.advance(record.TransactionID, types.PhasePreparing); err != nil {
		return nil, err
	}

	prepared := c.preparePhase(ctx, tx, record)
	if !prepared {
		if err := c.advance(tx.ID, types.PhaseAborting); err != nil {
			return nil, err
		}
		c.decisionPhase(ctx, tx.ID, types.MsgAbort)
		if err := c.advance(tx.ID, types.PhaseAborted); err != nil {
			return nil, err
		}
		c.complete(tx.ID)
		return c.Record(tx.ID)
	}

	if err := c.advance(tx.ID, types.PhasePrepared); err != nil {
		return nil, err
	}
	if err := c.advance(tx.ID, types.PhaseCommitting); err != nil {
		return nil, err
	}

	if acked := c.decisionPhase(ctx, tx.ID, types.MsgCommit); !acked {
		// Commit has begun: never roll back. The record stays in
		// Committing and operators are alerted.
		c.markStuck(tx.ID)
		rec, _ := c.Record(tx.ID)
		return rec, ErrStuckCommit
	}

	if err := c.advance(tx.ID, types.PhaseCommitted); err != nil {
		return nil, err
	}
	c.complete(tx.ID)
	return c.Record(tx.ID)
}

// preparePhase fans out prepare requests and waits until every participant
// voted or the prepare deadline passes. Any non-response counts as an
// abort vote.
func (c *Coordinator) preparePhase(ctx context.Context, tx *types.Transaction, record *types.CrossShardRecord) bool {
	nonce := uuid.NewString()
	for _, shard := range record.ParticipantShards {
		env := types.Envelope{
			Kind:          types.MsgPrepare,
			TransactionID: tx.ID,
			From:          record.CoordinatorShard,
			Tx:            tx,
			Nonce:         nonce,
		}
		if err := c.channel.Send(shard, env); err != nil {
			log.Printf("WARN: prepare send to shard %d failed for %s: %v", shard, tx.ID, err)
		}
	}

	deadline := time.NewTimer(c.cfg.PrepareTimeout)
	defer deadline.Stop()

	for {
		if done, allPrepared := c.voteStatus(tx.ID); done {
			return allPrepared
		}
		select {
		case <-c.waiter(tx.ID):
		case <-deadline.C:
			log.Printf("INFO: prepare timeout for %s, treating silent participants as aborted", tx.ID)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// decisionPhase delivers the commit or abort decision to every participant
// and collects acknowledgments, retrying unacknowledged participants with
// exponential backoff. Returns true once every participant acked.
// Re-sending the same decision is safe: application is idempotent per
// transaction id.
func (c *Coordinator) decisionPhase(ctx context.Context, txID string, kind types.MessageKind) bool {
	record, err := c.Record(txID)
	if err != nil {
		return false
	}

	backoff := c.cfg.CommitBackoffBase
	for attempt := 0; attempt <= c.cfg.MaxCommitRetries; attempt++ {
		if attempt > 0 {
			log.Printf("INFO: retrying %s delivery for %s (attempt %d/%d)",
				kind, txID, attempt, c.cfg.MaxCommitRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			case <-c.stopCh:
				return false
			}
			if backoff *= 2; backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
		}

		nonce := uuid.NewString()
		for _, shard := range c.unacked(txID, record.ParticipantShards) {
			env := types.Envelope{
				Kind:          kind,
				TransactionID: txID,
				From:          record.CoordinatorShard,
				Nonce:         nonce,
			}
			if err := c.channel.Send(shard, env); err != nil {
				log.Printf("WARN: %s send to shard %d failed for %s: %v", kind, shard, txID, err)
			}
		}

		deadline := time.NewTimer(c.cfg.CommitTimeout)
	wait:
		for {
			if len(c.unacked(txID, record.ParticipantShards)) == 0 {
				deadline.Stop()
				return true
			}
			select {
			case <-c.waiter(txID):
			case <-deadline.C:
				break wait
			case <-ctx.Done():
				deadline.Stop()
				return false
			}
		}
	}
	return false
}

// Serve consumes a hosted shard's inbox, dispatching participant requests
// and coordinator replies until Stop.
func (c *Coordinator) Serve(shardID types.ShardID) {
	inbox := c.channel.Receive(shardID)
	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return
			}
			c.HandleEnvelope(shardID, env)
		case <-c.stopCh:
			return
		}
	}
}

// HandleEnvelope applies one inter-shard message. Replayed envelopes are
// recognised by identity and, independently, phase guards make reapplying
// a decision to a terminal record a no-op.
func (c *Coordinator) HandleEnvelope(shardID types.ShardID, env types.Envelope) {
	if c.dedup.Seen(env.Identity()) {
		log.Printf("INFO: duplicate envelope %s ignored on shard %d", env.Identity(), shardID)
		return
	}

	switch env.Kind {
	case types.MsgPrepare:
		c.handlePrepare(shardID, env)
	case types.MsgCommit:
		c.handleDecision(shardID, env, types.StatusConfirmed)
	case types.MsgAbort:
		c.handleDecision(shardID, env, types.StatusRejected)
	case types.MsgPrepareVote:
		c.applyVote(env)
	case types.MsgDecisionAck:
		c.applyAck(env)
	default:
		log.Printf("WARN: unknown envelope kind %q on shard %d", env.Kind, shardID)
	}
}

// handlePrepare runs the Proof-of-Flow validator in tentative mode:
// validate without confirming. The reply carries this shard's vote.
func (c *Coordinator) handlePrepare(shardID types.ShardID, env types.Envelope) {
	vote := types.VoteAborted
	if env.Tx != nil {
		vote = c.engine.ValidateTentative(env.Tx)
	}

	reply := types.Envelope{
		Kind:          types.MsgPrepareVote,
		TransactionID: env.TransactionID,
		From:          shardID,
		Vote:          vote,
		Nonce:         uuid.NewString(),
	}
	if err := c.channel.Send(env.From, reply); err != nil {
		log.Printf("WARN: prepare vote send failed for %s from shard %d: %v", env.TransactionID, shardID, err)
	}
}

// handleDecision applies the coordinator's decision on this shard and
// acknowledges. An already-terminal transaction makes this a no-op, which
// is what keeps redelivered decisions harmless.
func (c *Coordinator) handleDecision(shardID types.ShardID, env types.Envelope, status types.TransactionStatus) {
	var err error
	if status == types.StatusConfirmed {
		err = c.ledger.MarkConfirmed(env.TransactionID, time.Now().UnixNano())
	} else {
		err = c.ledger.MarkRejected(env.TransactionID)
	}
	if err != nil && !errors.Is(err, ledger.ErrInvalidStateTransition) && !errors.Is(err, ledger.ErrNotFound) {
		log.Printf("ERROR: applying %s to %s on shard %d failed: %v", status, env.TransactionID, shardID, err)
		return
	}

	decision := types.PhaseCommitted
	if status == types.StatusRejected {
		decision = types.PhaseAborted
	}
	ack := types.Envelope{
		Kind:          types.MsgDecisionAck,
		TransactionID: env.TransactionID,
		From:          shardID,
		Decision:      decision,
		Nonce:         uuid.NewString(),
	}
	if err := c.channel.Send(env.From, ack); err != nil {
		log.Printf("WARN: decision ack send failed for %s from shard %d: %v", env.TransactionID, shardID, err)
	}
}

// Stop terminates Serve loops and background work.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
