package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flowledger-labs/flowledger/config"
	"github.com/flowledger-labs/flowledger/consensus"
	"github.com/flowledger-labs/flowledger/coordinator"
	"github.com/flowledger-labs/flowledger/crypto"
	"github.com/flowledger-labs/flowledger/ledger"
	"github.com/flowledger-labs/flowledger/network"
	"github.com/flowledger-labs/flowledger/shard"
	"github.com/flowledger-labs/flowledger/store"
	"github.com/flowledger-labs/flowledger/types"
)

// ErrInvalidSignature is returned at submission when the transaction
// signature does not verify against the sender's public key.
var ErrInvalidSignature = errors.New("node: invalid transaction signature")

// Node wires the ledger, consensus engine, shard manager and cross-shard
// coordinator together and runs their background loops. A single node
// hosts every shard; the inter-shard channel is in-process unless a
// transport is injected.
type Node struct {
	cfg *config.Config

	database *store.Database
	store    types.Store
	ledger   *ledger.Ledger
	engine   *consensus.Engine
	shards   *shard.Manager
	coord    *coordinator.Coordinator
	channel  types.MessageChannel
	verifier types.SignatureVerifier

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// New creates a node with a Badger store under cfg.DataDir.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := store.NewDatabase(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	ledgerStore := store.NewLedgerStore(database)
	return build(cfg, database, ledgerStore, network.NewChannelBus()), nil
}

// NewWithCollaborators creates a node over externally supplied storage and
// transport, used by tests and multi-process deployments.
func NewWithCollaborators(cfg *config.Config, st types.Store, channel types.MessageChannel) *Node {
	return build(cfg, nil, st, channel)
}

func build(cfg *config.Config, database *store.Database, st types.Store, channel types.MessageChannel) *Node {
	verifier := crypto.Ed25519Verifier{}
	lg := ledger.New(st)
	engine := consensus.NewEngine(lg, verifier, cfg.ApprovalThreshold, cfg.ClockSkewLimit)
	shards := shard.NewManager(cfg, lg)
	coord := coordinator.New(cfg, lg, engine, st, channel)
	shards.SetInflightChecker(coord)

	return &Node{
		cfg:      cfg,
		database: database,
		store:    st,
		ledger:   lg,
		engine:   engine,
		shards:   shards,
		coord:    coord,
		channel:  channel,
		verifier: verifier,
		stopCh:   make(chan struct{}),
	}
}

// SetValidators installs the current validator set, swapping the stake
// table whole and refreshing validator placement on shards. Called by the
// external staking process whenever stakes change.
func (n *Node) SetValidators(validators []types.Validator) {
	table := types.NewStakeTable(validators)
	n.engine.SwapStakeTable(table)
	n.shards.SetValidators(table.IDs())
}

// Submit accepts a transaction, assigns its shard and inserts it as
// Pending. Structural errors surface synchronously; confirmation is
// observed later via GetStatus. Transactions with foreign references are
// handed to the cross-shard coordinator asynchronously.
func (n *Node) Submit(tx *types.Transaction) (string, error) {
	if tx.Timestamp == 0 {
		tx.Timestamp = time.Now().UnixNano()
	}
	if tx.ID == "" {
		tx.ID = crypto.HashTransactionID(tx.Payload, tx.ParentIDs, tx.Timestamp)
	}
	if len(tx.Signature) > 0 || len(tx.SenderPublicKey) > 0 {
		if !n.verifier.Verify(tx.Signature, tx.Payload, tx.SenderPublicKey) {
			return "", fmt.Errorf("%w: %s", ErrInvalidSignature, tx.ID)
		}
	}

	participants, err := n.resolveParticipants(tx)
	if err != nil {
		return "", err
	}

	tx.Status = types.StatusPending
	tx.ShardID = n.shards.AssignShard(tx)
	if err := n.ledger.Insert(tx); err != nil {
		return "", err
	}

	if len(participants) > 0 {
		home := tx.ShardID
		topology := n.shards.ShardCount()
		submitted := tx.Copy()
		go func() {
			if _, err := n.coord.Execute(context.Background(), submitted, home, participants, topology); err != nil {
				log.Printf("WARN: cross-shard execution of %s: %v", submitted.ID, err)
			}
		}()
	}
	return tx.ID, nil
}

// resolveParticipants maps the transaction's foreign references onto their
// pinned shards. An empty result means the transaction is single-shard.
func (n *Node) resolveParticipants(tx *types.Transaction) ([]types.ShardID, error) {
	if len(tx.ForeignRefs) == 0 {
		return nil, nil
	}
	var participants []types.ShardID
	for _, ref := range tx.ForeignRefs {
		shardID, ok := n.shards.ShardFor(ref)
		if !ok {
			return nil, fmt.Errorf("unknown foreign reference %s in %s", ref, tx.ID)
		}
		participants = append(participants, shardID)
	}
	return participants, nil
}

// RecordVote feeds one validator vote into the consensus engine.
func (n *Node) RecordVote(txID, validatorID string, approve bool, signature []byte) (types.ValidationOutcome, error) {
	return n.engine.RecordVote(txID, validatorID, approve, signature)
}

// GetStatus returns the caller-visible status of a transaction.
func (n *Node) GetStatus(txID string) (types.TransactionStatus, error) {
	tx, ok := n.ledger.Get(txID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrNotFound, txID)
	}
	return tx.Status, nil
}

// GetShardTopology returns a consistent snapshot of shard count and loads.
func (n *Node) GetShardTopology() types.Topology {
	return n.shards.Topology()
}

// GetCrossShardRecord returns the 2PC record for a transaction.
func (n *Node) GetCrossShardRecord(txID string) (*types.CrossShardRecord, error) {
	return n.coord.Record(txID)
}

// Tips exposes the DAG tips as valid parents for new submissions.
func (n *Node) Tips() []string {
	return n.ledger.Tips()
}

// Start rebuilds the ledger from the durable store, recovers interrupted
// cross-shard work and launches the serve and background loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.ledger.Recover(); err != nil {
		return err
	}
	if err := n.coord.Recover(ctx); err != nil {
		return err
	}

	// Every shard the topology can ever grow into gets a serve loop so
	// envelopes are consumed immediately after a rescale.
	for i := 0; i < n.cfg.MaxShards; i++ {
		go n.coord.Serve(types.ShardID(i))
	}

	go n.rescaleLoop()
	go n.maintenanceLoop()
	go n.revalidationLoop()

	if n.cfg.OpsListenAddr != "" {
		go n.serveOps()
	}
	return nil
}

// Stop halts background work and closes the store.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stopCh)
	n.coord.Stop()
	if err := n.store.Close(); err != nil {
		log.Printf("WARN: closing store: %v", err)
	}
}
