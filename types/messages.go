package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind tags the role of an inter-shard envelope.
type MessageKind string

const (
	MsgPrepare     MessageKind = "PREPARE"
	MsgPrepareVote MessageKind = "PREPARE_VOTE"
	MsgCommit      MessageKind = "COMMIT"
	MsgAbort       MessageKind = "ABORT"
	MsgDecisionAck MessageKind = "DECISION_ACK"
)

// Envelope is the unit of inter-shard messaging. The channel only promises
// at-least-once delivery, so envelopes carry enough identity (transaction
// id, kind, route and nonce) for receivers to deduplicate replays.
type Envelope struct {
	Kind          MessageKind `cbor:"1,keyasint"`
	TransactionID string      `cbor:"2,keyasint"`
	From          ShardID     `cbor:"3,keyasint"`
	To            ShardID     `cbor:"4,keyasint"`

	// Tx is set on prepare requests only.
	Tx *Transaction `cbor:"5,keyasint,omitempty"`

	// Vote is set on prepare replies.
	Vote Vote `cbor:"6,keyasint,omitempty"`

	// Decision distinguishes commit from abort acknowledgements.
	Decision CommitPhase `cbor:"7,keyasint,omitempty"`

	// Nonce is assigned by the sender; retransmissions reuse it so the
	// receiver's dedup filter recognises them.
	Nonce string `cbor:"8,keyasint,omitempty"`
}

// Identity returns the dedup key for the envelope. Retransmissions of the
// same logical message map to the same identity; fresh sends to distinct
// targets do not collide.
func (e Envelope) Identity() string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", e.TransactionID, e.Kind, e.From, e.To, e.Nonce)
}

// Marshal serializes the envelope into CBOR format
func (e Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// UnmarshalEnvelope decodes a CBOR envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := cbor.Unmarshal(data, &e)
	return e, err
}

// MessageChannel is the inter-shard transport collaborator. Implementations
// must deliver each sent envelope at least once and preserve envelope
// identity; ordering between distinct transactions is not required.
type MessageChannel interface {
	Send(target ShardID, env Envelope) error
	Receive(shard ShardID) <-chan Envelope
}
