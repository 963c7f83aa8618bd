package types

// ShardStatus marks whether a shard accepts new assignments.
type ShardStatus string

const (
	ShardActive   ShardStatus = "active"
	ShardDraining ShardStatus = "draining"
)

// Shard describes one ledger partition and its load snapshot.
type Shard struct {
	ID         ShardID
	Status     ShardStatus
	TxCount    int64
	Load       float64
	Validators []string
}

// Topology is a consistent snapshot of the shard layout. Readers get a
// copy; the live topology is mutated only by the shard manager's rescale.
type Topology struct {
	ShardCount int
	Shards     map[ShardID]Shard
}

// RescaleEvent records one completed shard count change.
type RescaleEvent struct {
	From        int
	To          int
	AnnouncedAt int64
	ActivatedAt int64
}
