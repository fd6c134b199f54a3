package syncutil

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

var shardSeed = maphash.MakeSeed()

// ShardedMutex serialises work per key using a fixed pool of mutexes, so
// memory does not grow with the number of keys. Distinct keys may share a
// shard. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock locks key's shard and returns the matching unlock.
func (s *ShardedMutex) Lock(key string) (unlock func()) {
	mu := &s.shards[maphash.String(shardSeed, key)%shardCount]
	mu.Lock()
	return mu.Unlock
}
