package types

import (
	"github.com/fxamacker/cbor/v2"
)

// TransactionStatus tracks the lifecycle of a transaction in the ledger.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusRejected  TransactionStatus = "rejected"
)

// ShardID identifies a ledger partition.
type ShardID int

// Transaction is the unit of the DAG ledger. Parents are referenced by id,
// never by pointer, so the graph can be persisted and traversed without
// ownership cycles.
type Transaction struct {
	ID               string            `cbor:"1,keyasint"`
	ParentIDs        []string          `cbor:"2,keyasint,omitempty"`
	Payload          []byte            `cbor:"3,keyasint,omitempty"`
	Signature        []byte            `cbor:"4,keyasint,omitempty"`
	SenderPublicKey  []byte            `cbor:"5,keyasint,omitempty"`
	Timestamp        int64             `cbor:"6,keyasint"`
	Status           TransactionStatus `cbor:"7,keyasint"`
	ShardID          ShardID           `cbor:"8,keyasint"`
	ConfirmationTime int64             `cbor:"9,keyasint,omitempty"`

	// ForeignRefs lists transaction ids on other shards that this
	// transaction depends on. A non-empty set makes the transaction
	// cross-shard and routes it through the coordinator.
	ForeignRefs []string `cbor:"10,keyasint,omitempty"`
}

// Marshal serializes the transaction into CBOR format
func (tx *Transaction) Marshal() ([]byte, error) {
	return cbor.Marshal(tx)
}

// Unmarshal deserializes the transaction from CBOR format
func (tx *Transaction) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, tx)
}

// Terminal reports whether the transaction has reached a final status.
func (tx *Transaction) Terminal() bool {
	return tx.Status == StatusConfirmed || tx.Status == StatusRejected
}

// Copy returns a detached copy so callers cannot mutate ledger state.
func (tx *Transaction) Copy() *Transaction {
	c := *tx
	c.ParentIDs = append([]string(nil), tx.ParentIDs...)
	c.ForeignRefs = append([]string(nil), tx.ForeignRefs...)
	c.Payload = append([]byte(nil), tx.Payload...)
	c.Signature = append([]byte(nil), tx.Signature...)
	c.SenderPublicKey = append([]byte(nil), tx.SenderPublicKey...)
	return &c
}

// ValidationOutcome is the result of a Proof-of-Flow validation pass.
type ValidationOutcome string

const (
	OutcomeConfirmed ValidationOutcome = "confirmed"
	OutcomeRejected  ValidationOutcome = "rejected"
	OutcomePending   ValidationOutcome = "pending"
)
