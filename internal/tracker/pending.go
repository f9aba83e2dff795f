package tracker

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sazanami-p2p/sazanami/internal/protocol"
)

// Bounds on the reassembly table. Entries only exist for scrapes spanning
// shards, so the table stays tiny in practice; the cap and TTL guard
// against fragments lost to a full shard channel.
const (
	maxPendingScrapes = 4096
	pendingScrapeTTL  = 10 * time.Second
)

// pendingScrapes reassembles multi-shard scrape responses. It is shared by
// a socket worker's read goroutine (insert) and respond goroutine (apply),
// hence the mutex; swarm state never passes through here.
type pendingScrapes struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*pendingScrape
}

type pendingScrape struct {
	dest      netip.AddrPort
	stats     []protocol.ScrapeStats
	remaining int
	created   time.Time
}

func (p *pendingScrapes) init() {
	p.nextID = 1
	p.entries = make(map[uint64]*pendingScrape)
}

// insert registers a scrape split across shards and returns its reassembly
// key. A full table is first relieved of expired entries; if it stays full
// the scrape is refused.
func (p *pendingScrapes) insert(dest netip.AddrPort, now time.Time, hashes, fragments int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) >= maxPendingScrapes {
		cutoff := now.Add(-pendingScrapeTTL)
		for id, e := range p.entries {
			if e.created.Before(cutoff) {
				delete(p.entries, id)
			}
		}
		if len(p.entries) >= maxPendingScrapes {
			return 0, false
		}
	}

	id := p.nextID
	p.nextID++
	p.entries[id] = &pendingScrape{
		dest:      dest,
		stats:     make([]protocol.ScrapeStats, hashes),
		remaining: fragments,
		created:   now,
	}
	return id, true
}

// apply merges one fragment and reports whether the scrape is complete.
// On completion the assembled stats, in original request order, are
// returned and the entry is removed.
func (p *pendingScrapes) apply(frag *scrapeFragment) ([]protocol.ScrapeStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[frag.pendingID]
	if !ok {
		return nil, false // expired or already refused
	}
	for i, idx := range frag.indices {
		e.stats[idx] = frag.stats[i]
	}
	e.remaining--
	if e.remaining > 0 {
		return nil, false
	}
	delete(p.entries, frag.pendingID)
	return e.stats, true
}
