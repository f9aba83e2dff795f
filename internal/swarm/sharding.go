package swarm

import (
	"github.com/cespare/xxhash/v2"

	"github.com/sazanami-p2p/sazanami/internal/protocol"
)

// ShardIndex maps an info-hash to its owning shard. The hash is stable for
// the process lifetime, so a torrent is always routed to the same state
// worker and shards partition the torrent space disjointly.
func ShardIndex(h protocol.InfoHash, shards int) int {
	return int(xxhash.Sum64(h[:]) % uint64(shards))
}
