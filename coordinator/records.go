package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flowledger-labs/flowledger/types"
)

// createRecord registers a new cross-shard record in Pending phase. A
// terminal record under the same transaction id satisfies idempotency:
// the existing record is returned instead of a new run.
func (c *Coordinator) createRecord(txID string, coordinatorShard types.ShardID, participants []types.ShardID, topologyShardCount int) (*types.CrossShardRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[txID]; ok {
		if existing.Phase.Terminal() {
			return existing, nil
		}
		return nil, fmt.Errorf("cross-shard transaction %s already in flight (phase %s)", txID, existing.Phase)
	}

	seen := make(map[types.ShardID]bool, len(participants)+1)
	set := make([]types.ShardID, 0, len(participants)+1)
	for _, shard := range append([]types.ShardID{coordinatorShard}, participants...) {
		if !seen[shard] {
			seen[shard] = true
			set = append(set, shard)
		}
	}

	record := &types.CrossShardRecord{
		TransactionID:      txID,
		CoordinatorShard:   coordinatorShard,
		ParticipantShards:  set,
		Phase:              types.PhasePending,
		Votes:              make(map[types.ShardID]types.Vote, len(set)),
		Commits:            make(map[types.ShardID]types.CommitAck, len(set)),
		CreatedAt:          time.Now().UnixNano(),
		TopologyShardCount: topologyShardCount,
	}
	for _, shard := range set {
		record.Votes[shard] = types.VoteUnknown
		record.Commits[shard] = types.AckUnknown
	}

	if err := c.store.SaveCrossShardRecord(record); err != nil {
		return nil, fmt.Errorf("failed to persist cross-shard record %s: %w", txID, err)
	}
	c.records[txID] = record
	return record, nil
}

// advance moves a record forward in the state machine, persisting the new
// phase. Illegal moves (including any move off a terminal phase) fail.
func (c *Coordinator) advance(txID string, next types.CommitPhase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, txID)
	}
	if record.Phase == next {
		return nil
	}
	if !types.LegalPhaseTransition(record.Phase, next) {
		return fmt.Errorf("illegal phase transition %s -> %s for %s", record.Phase, next, txID)
	}

	record.Phase = next
	if next.Terminal() {
		record.CompletedAt = time.Now().UnixNano()
	}
	if err := c.store.SaveCrossShardRecord(record); err != nil {
		return fmt.Errorf("failed to persist phase %s for %s: %w", next, txID, err)
	}
	log.Printf("INFO: cross-shard %s entered phase %s", txID, next)
	return nil
}

// applyVote records a participant's prepare vote. Votes landing after the
// record left Preparing, or on a terminal record, change nothing.
func (c *Coordinator) applyVote(env types.Envelope) {
	c.mu.Lock()
	record, ok := c.records[env.TransactionID]
	if !ok || record.Phase != types.PhasePreparing {
		c.mu.Unlock()
		return
	}
	if _, participant := record.Votes[env.From]; !participant {
		c.mu.Unlock()
		log.Printf("WARN: vote from non-participant shard %d for %s", env.From, env.TransactionID)
		return
	}
	if record.Votes[env.From] == types.VoteUnknown {
		record.Votes[env.From] = env.Vote
	}
	c.mu.Unlock()

	c.notify(env.TransactionID)
}

// applyAck records a decision acknowledgment. Acks for terminal records
// are no-ops.
func (c *Coordinator) applyAck(env types.Envelope) {
	c.mu.Lock()
	record, ok := c.records[env.TransactionID]
	if !ok || (record.Phase != types.PhaseCommitting && record.Phase != types.PhaseAborting) {
		c.mu.Unlock()
		return
	}
	if record.Commits[env.From] == types.AckUnknown {
		record.Commits[env.From] = types.AckCommitted
	}
	c.mu.Unlock()

	c.notify(env.TransactionID)
}

// voteStatus reports whether every participant has voted, and if so
// whether all votes were Prepared.
func (c *Coordinator) voteStatus(txID string) (done, allPrepared bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[txID]
	if !ok {
		return true, false
	}
	allPrepared = true
	for _, vote := range record.Votes {
		switch vote {
		case types.VoteUnknown:
			return false, false
		case types.VoteAborted:
			// One abort vote decides the outcome immediately.
			return true, false
		}
	}
	return true, allPrepared
}

// unacked returns participants that have not acknowledged the decision.
func (c *Coordinator) unacked(txID string, participants []types.ShardID) []types.ShardID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[txID]
	if !ok {
		return nil
	}
	var pending []types.ShardID
	for _, shard := range participants {
		if record.Commits[shard] == types.AckUnknown {
			pending = append(pending, shard)
		}
	}
	return pending
}

func (c *Coordinator) waiter(txID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[txID]
	if !ok {
		ch = make(chan struct{}, 1)
		c.waiters[txID] = ch
	}
	return ch
}

func (c *Coordinator) dropWaiter(txID string) {
	c.mu.Lock()
	delete(c.waiters, txID)
	c.mu.Unlock()
}

func (c *Coordinator) notify(txID string) {
	c.mu.RLock()
	ch, ok := c.waiters[txID]
	c.mu.RUnlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Record returns a copy of the cross-shard record for audit and
// idempotency lookups.
func (c *Coordinator) Record(txID string) (*types.CrossShardRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, txID)
	}
	return record.Copy(), nil
}

func (c *Coordinator) markStuck(txID string) {
	c.mu.Lock()
	c.stuck[txID] = true
	c.mu.Unlock()
	log.Printf("ERROR: cross-shard %s stuck in committing, operator reconciliation required", txID)
}

func (c *Coordinator) complete(txID string) {
	c.mu.Lock()
	delete(c.stuck, txID)
	c.mu.Unlock()
}

// Stuck lists transactions whose commit delivery exhausted retries. These
// surface as operational alerts, never as a silent success or failure.
func (c *Coordinator) Stuck() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.stuck))
	for id := range c.stuck {
		ids = append(ids, id)
	}
	return ids
}

// InflightOnTopology reports whether any non-terminal record was built
// against the given shard count. The shard manager defers rescales while
// this holds.
func (c *Coordinator) InflightOnTopology(shardCount int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, record := range c.records {
		if !record.Phase.Terminal() && record.TopologyShardCount == shardCount {
			return true
		}
	}
	return false
}

// RunGC drops terminal records older than the retention window. Intended
// to run on a ticker from the node.
func (c *Coordinator) RunGC() {
	cutoff := time.Now().Add(-c.cfg.RetentionWindow).UnixNano()

	c.mu.Lock()
	var expired []string
	for txID, record := range c.records {
		if record.Phase.Terminal() && record.CompletedAt > 0 && record.CompletedAt < cutoff {
			expired = append(expired, txID)
			delete(c.records, txID)
		}
	}
	c.mu.Unlock()

	for _, txID := range expired {
		if err := c.store.DeleteCrossShardRecord(txID); err != nil {
			log.Printf("WARN: failed to delete expired cross-shard record %s: %v", txID, err)
		}
	}
}

// Recover reloads persisted records and finishes interrupted protocols:
// records that never reached Prepared are aborted (presumed abort), while
// records that reached Committing have their decision re-sent. Both are
// safe because decision application is idempotent per transaction id.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.store.ListCrossShardRecords()
	if err != nil {
		return fmt.Errorf("failed to load cross-shard records: %w", err)
	}

	c.mu.Lock()
	for _, record := range records {
		c.records[record.TransactionID] = record
	}
	c.mu.Unlock()

	for _, record := range records {
		if record.Phase.Terminal() {
			continue
		}
		rec := record
		switch rec.Phase {
		case types.PhasePending, types.PhasePreparing, types.PhasePrepared, types.PhaseAborting:
			go c.resumeAbort(ctx, rec.TransactionID)
		case types.PhaseCommitting:
			go c.resumeCommit(ctx, rec.TransactionID)
		}
	}
	return nil
}

func (c *Coordinator) resumeAbort(ctx context.Context, txID string) {
	defer c.dropWaiter(txID)

	c.mu.Lock()
	record := c.records[txID]
	if record != nil && record.Phase != types.PhaseAborting {
		// Walk the state machine to the abort branch.
		if record.Phase == types.PhasePending {
			record.Phase = types.PhasePreparing
		}
		record.Phase = types.PhaseAborting
		if err := c.store.SaveCrossShardRecord(record); err != nil {
			log.Printf("WARN: failed to persist recovery abort for %s: %v", txID, err)
		}
	}
	c.mu.Unlock()

	c.decisionPhase(ctx, txID, types.MsgAbort)
	if err := c.advance(txID, types.PhaseAborted); err != nil {
		log.Printf("WARN: recovery abort of %s did not finalize: %v", txID, err)
		return
	}
	c.complete(txID)
	log.Printf("INFO: recovered cross-shard %s as aborted", txID)
}

func (c *Coordinator) resumeCommit(ctx context.Context, txID string) {
	defer c.dropWaiter(txID)

	if acked := c.decisionPhase(ctx, txID, types.MsgCommit); !acked {
		c.markStuck(txID)
		return
	}
	if err := c.advance(txID, types.PhaseCommitted); err != nil {
		log.Printf("WARN: recovery commit of %s did not finalize: %v", txID, err)
		return
	}
	c.complete(txID)
	log.Printf("INFO: recovered cross-shard %s as committed", txID)
}
