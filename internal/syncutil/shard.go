// Package syncutil provides lock-striped primitives for per-key state.
package syncutil

import "hash/fnv"

// shardCount is shared by every sharded primitive in this package so that a
// key maps to the same shard index everywhere.
const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
