package types

import "github.com/fxamacker/cbor/v2"

// CommitPhase is the coordinator-side state of a cross-shard transaction.
// Transitions move monotonically forward except for the abort branch; see
// LegalPhaseTransition.
type CommitPhase string

const (
	PhasePending    CommitPhase = "pending"
	PhasePreparing  CommitPhase = "preparing"
	PhasePrepared   CommitPhase = "prepared"
	PhaseCommitting CommitPhase = "committing"
	PhaseCommitted  CommitPhase = "committed"
	PhaseAborting   CommitPhase = "aborting"
	PhaseAborted    CommitPhase = "aborted"
)

// Terminal reports whether the phase is final.
func (p CommitPhase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// LegalPhaseTransition reports whether from -> to is an allowed move in the
// two-phase commit state machine. Once committing has begun there is no
// path back to the abort branch.
func LegalPhaseTransition(from, to CommitPhase) bool {
	switch from {
	case PhasePending:
		return to == PhasePreparing
	case PhasePreparing:
		return to == PhasePrepared || to == PhaseAborting
	case PhasePrepared:
		return to == PhaseCommitting || to == PhaseAborting
	case PhaseCommitting:
		return to == PhaseCommitted
	case PhaseAborting:
		return to == PhaseAborted
	default:
		return false
	}
}

// Vote is a participant's reply to a prepare request.
type Vote string

const (
	VotePrepared Vote = "prepared"
	VoteAborted  Vote = "aborted"
	VoteUnknown  Vote = "unknown"
)

// CommitAck tracks whether a participant acknowledged the decision.
type CommitAck string

const (
	AckCommitted CommitAck = "committed"
	AckUnknown   CommitAck = "unknown"
)

// CrossShardRecord is the coordinator's per-transaction 2PC bookkeeping.
// Terminal records are immutable and retained for audit and idempotency
// lookups until the retention window expires.
type CrossShardRecord struct {
	TransactionID     string                `cbor:"1,keyasint"`
	CoordinatorShard  ShardID               `cbor:"2,keyasint"`
	ParticipantShards []ShardID             `cbor:"3,keyasint"`
	Phase             CommitPhase           `cbor:"4,keyasint"`
	Votes             map[ShardID]Vote      `cbor:"5,keyasint"`
	Commits           map[ShardID]CommitAck `cbor:"6,keyasint"`
	CreatedAt         int64                 `cbor:"7,keyasint"`
	CompletedAt       int64                 `cbor:"8,keyasint,omitempty"`

	// TopologyShardCount pins the shard count the participant set was
	// derived from, so rescales can drain records tied to an old layout.
	TopologyShardCount int `cbor:"9,keyasint"`
}

// Marshal serializes the record into CBOR format
func (r *CrossShardRecord) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the record from CBOR format
func (r *CrossShardRecord) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// Copy returns a detached copy of the record.
func (r *CrossShardRecord) Copy() *CrossShardRecord {
	c := *r
	c.ParticipantShards = append([]ShardID(nil), r.ParticipantShards...)
	c.Votes = make(map[ShardID]Vote, len(r.Votes))
	for k, v := range r.Votes {
		c.Votes[k] = v
	}
	c.Commits = make(map[ShardID]CommitAck, len(r.Commits))
	for k, v := range r.Commits {
		c.Commits[k] = v
	}
	return &c
}
