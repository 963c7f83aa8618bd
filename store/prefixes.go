package store

// Storage prefices
const (
	TransactionPrefix = "tx-"
	CrossShardPrefix  = "cs-"
)
