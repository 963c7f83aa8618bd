package types

// Store is the durable storage collaborator the ledger and coordinator
// write through. Implementations must be crash-durable before returning so
// a confirmed transaction can never be lost to a restart.
type Store interface {
	DurableAppend(tx *Transaction) error
	DurableUpdateStatus(id string, status TransactionStatus, confirmationTime int64) error
	GetTransaction(id string) (*Transaction, error)
	ListTransactions() ([]*Transaction, error)

	SaveCrossShardRecord(record *CrossShardRecord) error
	GetCrossShardRecord(transactionID string) (*CrossShardRecord, error)
	ListCrossShardRecords() ([]*CrossShardRecord, error)
	DeleteCrossShardRecord(transactionID string) error

	Close() error
}

// SignatureVerifier checks a signature against a payload and public key.
// Treated as a pure function with no side effects.
type SignatureVerifier interface {
	Verify(signature, payload, publicKey []byte) bool
}
