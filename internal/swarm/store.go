// Package swarm holds the in-memory swarm state. The torrent space is
// partitioned into shards; each shard belongs to exactly one state worker
// and is mutated without any locking. Nothing in this package is safe for
// concurrent use by design.
package swarm

import (
	"net/netip"
	"time"

	"github.com/sazanami-p2p/sazanami/internal/protocol"
)

// Options are the swarm-level knobs shared by every shard.
type Options struct {
	DefaultNumWant  int
	MaxNumWant      int
	PeerIdleTimeout time.Duration
	SweepBatch      int
}

// Peer is one swarm member. Owned exclusively by the containing swarm.
type Peer struct {
	Addr         netip.AddrPort
	LastAnnounce time.Time
	Seeder       bool
}

// Swarm is the peer set of one torrent plus its aggregate counters.
type Swarm struct {
	peers     map[protocol.PeerID]*Peer
	seeders   int
	completed uint32
}

func newSwarm() *Swarm {
	return &Swarm{peers: make(map[protocol.PeerID]*Peer)}
}

// Leechers returns the number of non-seeding peers.
func (s *Swarm) Leechers() int { return len(s.peers) - s.seeders }

// Seeders returns the number of seeding peers.
func (s *Swarm) Seeders() int { return s.seeders }

// Shard is one partition of the torrent space. Created empty; swarms appear
// lazily on first announce and vanish once the sweep finds them empty.
type Shard struct {
	opts     Options
	torrents map[protocol.InfoHash]*Swarm

	// sweepQueue is the remainder of the current sweep pass. A pass
	// snapshots the keys once and works through them in bounded slices.
	sweepQueue []protocol.InfoHash
}

// NewShard builds an empty shard.
func NewShard(opts Options) *Shard {
	return &Shard{
		opts:     opts,
		torrents: make(map[protocol.InfoHash]*Swarm),
	}
}

// NumTorrents returns the number of live swarms in the shard.
func (sh *Shard) NumTorrents() int { return len(sh.torrents) }

// NumPeers returns the total peer count across the shard's swarms.
func (sh *Shard) NumPeers() int {
	n := 0
	for _, s := range sh.torrents {
		n += len(s.peers)
	}
	return n
}

// AnnounceParams is a fully resolved announce: the address is already the
// source address or the permitted override, and IPv6 fixes the family of
// the returned peer list.
type AnnounceParams struct {
	InfoHash protocol.InfoHash
	PeerID   protocol.PeerID
	Addr     netip.AddrPort
	Left     uint64
	Event    protocol.Event
	NumWant  int32
	IPv6     bool
}

// AnnounceResult carries the swarm counts and sampled peers for a response.
type AnnounceResult struct {
	Seeders  uint32
	Leechers uint32
	Peers    []netip.AddrPort
}

// Announce applies one announce to the shard and samples a peer list.
// A stopped event removes the peer immediately and returns no peers.
func (sh *Shard) Announce(p AnnounceParams, now time.Time) AnnounceResult {
	if p.Event == protocol.EventStopped {
		if s, ok := sh.torrents[p.InfoHash]; ok {
			s.removePeer(p.PeerID)
			if len(s.peers) == 0 {
				delete(sh.torrents, p.InfoHash)
			}
		}
		return AnnounceResult{}
	}

	s, ok := sh.torrents[p.InfoHash]
	if !ok {
		s = newSwarm()
		sh.torrents[p.InfoHash] = s
	}
	s.upsertPeer(p, now)

	return AnnounceResult{
		Seeders:  uint32(s.seeders),
		Leechers: uint32(s.Leechers()),
		Peers:    s.samplePeers(p.PeerID, sh.clampNumWant(p.NumWant), p.IPv6),
	}
}

// Scrape returns the aggregate counts for one info-hash, all zeros when the
// torrent is unknown to this shard.
func (sh *Shard) Scrape(h protocol.InfoHash) protocol.ScrapeStats {
	s, ok := sh.torrents[h]
	if !ok {
		return protocol.ScrapeStats{}
	}
	return protocol.ScrapeStats{
		Seeders:   uint32(s.seeders),
		Completed: s.completed,
		Leechers:  uint32(s.Leechers()),
	}
}

// SweepResult summarizes one sweep slice.
type SweepResult struct {
	PeersRemoved  int
	SwarmsRemoved int
	// PassDone is true when the slice finished a full pass over the shard.
	PassDone bool
}

// Sweep runs one bounded slice of the expiry pass: at most SweepBatch
// torrents are examined, dropping peers idle past PeerIdleTimeout and then
// any swarm left empty. Large shards complete a pass over several slices,
// keeping the owning worker responsive between them.
func (sh *Shard) Sweep(now time.Time) SweepResult {
	if len(sh.sweepQueue) == 0 {
		sh.sweepQueue = make([]protocol.InfoHash, 0, len(sh.torrents))
		for h := range sh.torrents {
			sh.sweepQueue = append(sh.sweepQueue, h)
		}
	}

	batch := sh.opts.SweepBatch
	if batch > len(sh.sweepQueue) {
		batch = len(sh.sweepQueue)
	}
	cutoff := now.Add(-sh.opts.PeerIdleTimeout)

	var res SweepResult
	for _, h := range sh.sweepQueue[:batch] {
		s, ok := sh.torrents[h]
		if !ok {
			continue // removed since the pass was snapshotted
		}
		for id, peer := range s.peers {
			if peer.LastAnnounce.Before(cutoff) {
				s.removePeer(id)
				res.PeersRemoved++
			}
		}
		if len(s.peers) == 0 {
			delete(sh.torrents, h)
			res.SwarmsRemoved++
		}
	}

	sh.sweepQueue = sh.sweepQueue[batch:]
	res.PassDone = len(sh.sweepQueue) == 0
	return res
}

func (sh *Shard) clampNumWant(numWant int32) int {
	if numWant < 0 {
		return sh.opts.DefaultNumWant
	}
	if int(numWant) > sh.opts.MaxNumWant {
		return sh.opts.MaxNumWant
	}
	return int(numWant)
}

func (s *Swarm) upsertPeer(p AnnounceParams, now time.Time) {
	seeder := p.Left == 0

	peer, ok := s.peers[p.PeerID]
	if !ok {
		peer = &Peer{}
		s.peers[p.PeerID] = peer
	} else if peer.Seeder {
		s.seeders--
	}

	// A completed event marks the moment a download finished; count it
	// once per transition rather than per re-announce.
	if p.Event == protocol.EventCompleted && (!ok || !peer.Seeder) {
		s.completed++
	}

	peer.Addr = p.Addr
	peer.LastAnnounce = now
	peer.Seeder = seeder
	if seeder {
		s.seeders++
	}
}

func (s *Swarm) removePeer(id protocol.PeerID) {
	peer, ok := s.peers[id]
	if !ok {
		return
	}
	if peer.Seeder {
		s.seeders--
	}
	delete(s.peers, id)
}

// samplePeers returns up to max peers of the requested family, excluding
// the requester. Map iteration order makes the selection effectively
// random; no ordering is guaranteed across calls.
func (s *Swarm) samplePeers(exclude protocol.PeerID, max int, ipv6 bool) []netip.AddrPort {
	if max == 0 {
		return nil
	}
	peers := make([]netip.AddrPort, 0, max)
	for id, peer := range s.peers {
		if id == exclude {
			continue
		}
		if peer.Addr.Addr().Unmap().Is4() == ipv6 {
			continue
		}
		peers = append(peers, peer.Addr)
		if len(peers) == max {
			break
		}
	}
	return peers
}
