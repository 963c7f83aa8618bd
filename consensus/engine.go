package consensus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowledger-labs/flowledger/crypto"
	"github.com/flowledger-labs/flowledger/ledger"
	"github.com/flowledger-labs/flowledger/types"
)

// Proof of Flow combines three checks for a single transaction inside one
// shard: DAG structure (parents exist and are not rejected), a history
// proof (timestamps monotonic and within clock skew), and stake-weighted
// validator approval. All three must pass before a transaction is
// confirmed.

var (
	ErrUnknownValidator = errors.New("consensus: vote from unknown validator")
	ErrBadVoteSignature = errors.New("consensus: vote signature verification failed")
	ErrDuplicateVote    = errors.New("consensus: duplicate vote")
	ErrNoStakeTable     = errors.New("consensus: no stake table installed")
)

type voteTally struct {
	voted map[string]bool // validator id -> approve
}

// Engine decides Pending -> Confirmed/Rejected for transactions on a
// shard. The stake table is read via an atomic pointer and replaced only
// by full-table swap, so a validation pass never observes a mix of old and
// new stake values.
type Engine struct {
	ledger   *ledger.Ledger
	verifier types.SignatureVerifier

	threshold float64
	skewLimit time.Duration

	stake atomic.Pointer[types.StakeTable]

	mu      sync.Mutex
	tallies map[string]*voteTally
}

// NewEngine creates a Proof-of-Flow engine over the given ledger.
func NewEngine(lg *ledger.Ledger, verifier types.SignatureVerifier, threshold float64, skewLimit time.Duration) *Engine {
	e := &Engine{
		ledger:    lg,
		verifier:  verifier,
		threshold: threshold,
		skewLimit: skewLimit,
		tallies:   make(map[string]*voteTally),
	}
	e.stake.Store(types.NewStakeTable(nil))
	return e
}

// SwapStakeTable atomically replaces the active validator set. Existing
// vote tallies are kept; they are re-weighed against the new table only
// for validators still present.
func (e *Engine) SwapStakeTable(table *types.StakeTable) {
	e.stake.Store(table)
}

// StakeTable returns the current snapshot.
func (e *Engine) StakeTable() *types.StakeTable {
	return e.stake.Load()
}

// RecordVote applies one validator's approval or rejection for a
// transaction. Votes with invalid signatures or from validators outside
// the active set are discarded and do not count toward either side.
// The transaction is re-evaluated after the vote lands and the updated
// outcome is returned.
func (e *Engine) RecordVote(txID, validatorID string, approve bool, signature []byte) (types.ValidationOutcome, error) {
	table := e.stake.Load()
	if table.TotalStake == 0 {
		return types.OutcomePending, ErrNoStakeTable
	}
	validator, ok := table.Validators[validatorID]
	if !ok {
		return types.OutcomePending, fmt.Errorf("%w: %s", ErrUnknownValidator, validatorID)
	}
	if !e.verifier.Verify(signature, crypto.VoteDigest(txID, approve), validator.PublicKey) {
		return types.OutcomePending, fmt.Errorf("%w: validator %s on %s", ErrBadVoteSignature, validatorID, txID)
	}

	e.mu.Lock()
	tally, ok := e.tallies[txID]
	if !ok {
		tally = &voteTally{voted: make(map[string]bool)}
		e.tallies[txID] = tally
	}
	if _, dup := tally.voted[validatorID]; dup {
		e.mu.Unlock()
		return types.OutcomePending, fmt.Errorf("%w: validator %s on %s", ErrDuplicateVote, validatorID, txID)
	}
	tally.voted[validatorID] = approve
	e.mu.Unlock()

	return e.Reevaluate(txID)
}

// Reevaluate runs the full validation pass for a transaction already in
// the ledger.
func (e *Engine) Reevaluate(txID string) (types.ValidationOutcome, error) {
	tx, ok := e.ledger.Get(txID)
	if !ok {
		return types.OutcomePending, fmt.Errorf("%w: %s", ledger.ErrNotFound, txID)
	}
	return e.SubmitForValidation(tx)
}

// SubmitForValidation evaluates a transaction against all three
// Proof-of-Flow checks and applies the resulting transition to the ledger.
// Terminal transactions are returned as-is, making replays no-ops.
func (e *Engine) SubmitForValidation(tx *types.Transaction) (types.ValidationOutcome, error) {
	switch tx.Status {
	case types.StatusConfirmed:
		return types.OutcomeConfirmed, nil
	case types.StatusRejected:
		return types.OutcomeRejected, nil
	}

	resolved, anyRejected, err := e.ledger.ParentsResolved(tx.ID)
	if err != nil {
		return types.OutcomePending, err
	}
	if anyRejected {
		return e.reject(tx.ID, "rejected parent")
	}
	if !e.historyProofOK(tx) {
		return e.reject(tx.ID, "history proof failed")
	}

	table := e.stake.Load()
	if table.TotalStake == 0 {
		return types.OutcomePending, nil
	}

	approving, rejecting := e.stakeFor(tx.ID, table)

	// Reject is evaluated first so it wins if both sides sit at
	// threshold simultaneously.
	if float64(rejecting) > (1-e.threshold)*float64(table.TotalStake) {
		return e.reject(tx.ID, "stake quorum rejected")
	}
	if float64(approving) >= e.threshold*float64(table.TotalStake) {
		// Approval alone is not enough: parents must be resolved
		// first, so confirmation order stays causal.
		if !resolved {
			return types.OutcomePending, nil
		}
		now := time.Now().UnixNano()
		if err := e.ledger.MarkConfirmed(tx.ID, now); err != nil {
			if errors.Is(err, ledger.ErrInvalidStateTransition) {
				return e.currentOutcome(tx.ID), nil
			}
			return types.OutcomePending, err
		}
		e.dropTally(tx.ID)
		return types.OutcomeConfirmed, nil
	}

	return types.OutcomePending, nil
}

// ValidateTentative runs the structural and history checks without
// applying any state transition. Used by two-phase commit prepare: the
// participant votes Prepared only if the transaction would pass local
// validation, and the eventual commit decision finalizes it. A parent
// that has not resolved yet is an abort vote, not a wait: the commit
// phase confirms unconditionally, so preparing under an unresolved
// parent could confirm a child whose parent is later rejected.
func (e *Engine) ValidateTentative(tx *types.Transaction) types.Vote {
	if tx.Status == types.StatusRejected {
		return types.VoteAborted
	}
	if tx.Status == types.StatusConfirmed {
		return types.VotePrepared
	}

	resolved, anyRejected, err := e.ledger.ParentsResolved(tx.ID)
	if err != nil {
		log.Printf("WARN: tentative validation of %s failed: %v", tx.ID, err)
		return types.VoteAborted
	}
	if anyRejected || !resolved || !e.historyProofOK(tx) {
		return types.VoteAborted
	}

	table := e.stake.Load()
	if table.TotalStake > 0 {
		_, rejecting := e.stakeFor(tx.ID, table)
		if float64(rejecting) > (1-e.threshold)*float64(table.TotalStake) {
			return types.VoteAborted
		}
	}
	return types.VotePrepared
}

// historyProofOK checks the timestamp side of Proof of Flow: monotonic
// against parents (enforced again here in case the caller bypassed
// Insert) and not further in the future than the skew limit allows.
func (e *Engine) historyProofOK(tx *types.Transaction) bool {
	if tx.Timestamp > time.Now().Add(e.skewLimit).UnixNano() {
		return false
	}
	for _, parentID := range tx.ParentIDs {
		parent, ok := e.ledger.Get(parentID)
		if !ok {
			return false
		}
		if tx.Timestamp < parent.Timestamp {
			return false
		}
	}
	return true
}

func (e *Engine) stakeFor(txID string, table *types.StakeTable) (approving, rejecting int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tally, ok := e.tallies[txID]
	if !ok {
		return 0, 0
	}
	// Weigh recorded votes against the current table so a stake swap
	// never mixes old and new weights.
	for validatorID, approve := range tally.voted {
		validator, active := table.Validators[validatorID]
		if !active {
			continue
		}
		if approve {
			approving += validator.Stake
		} else {
			rejecting += validator.Stake
		}
	}
	return approving, rejecting
}

func (e *Engine) reject(txID, reason string) (types.ValidationOutcome, error) {
	if err := e.ledger.MarkRejected(txID); err != nil {
		if errors.Is(err, ledger.ErrInvalidStateTransition) {
			return e.currentOutcome(txID), nil
		}
		return types.OutcomePending, err
	}
	log.Printf("INFO: transaction %s rejected: %s", txID, reason)
	e.dropTally(txID)
	return types.OutcomeRejected, nil
}

func (e *Engine) currentOutcome(txID string) types.ValidationOutcome {
	tx, ok := e.ledger.Get(txID)
	if !ok {
		return types.OutcomePending
	}
	switch tx.Status {
	case types.StatusConfirmed:
		return types.OutcomeConfirmed
	case types.StatusRejected:
		return types.OutcomeRejected
	default:
		return types.OutcomePending
	}
}

func (e *Engine) dropTally(txID string) {
	e.mu.Lock()
	delete(e.tallies, txID)
	e.mu.Unlock()
}
