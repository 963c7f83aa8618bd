package store

import (
	"crypto/sha256"
	"math/big"

	"github.com/flowledger-labs/flowledger/types"
)

// CalculateShardID deterministically maps a transaction id onto a shard.
// The result depends only on (id, numShards), so re-deriving the mapping
// after a crash is idempotent.
func CalculateShardID(id string, numShards int) types.ShardID {
	h := sha256.Sum256([]byte(id))
	bigIntHash := new(big.Int).SetBytes(h[:])
	shardID := bigIntHash.Mod(bigIntHash, big.NewInt(int64(numShards))).Int64()
	return types.ShardID(shardID)
}
