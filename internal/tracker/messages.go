package tracker

import (
	"net/netip"
	"time"

	"github.com/sazanami-p2p/sazanami/internal/protocol"
)

// Messages passed between socket workers and state workers. A request
// carries everything the state worker needs to reply without knowing
// anything about sockets: the source address and the originating worker's
// outbound channel.

type requestKind uint8

const (
	kindAnnounce requestKind = iota
	kindScrape
)

// shardRequest is one unit of work on a shard's inbound channel.
type shardRequest struct {
	kind          requestKind
	transactionID uint32
	source        netip.AddrPort
	// ipv6 is the family of the socket the request arrived on; it fixes
	// the family of the announce peer list.
	ipv6     bool
	received time.Time
	// out is the originating socket worker's outbound channel.
	out chan<- outMessage

	announce announcePayload
	scrape   scrapePayload
}

// announcePayload is a validated announce with the peer address already
// resolved (source address or permitted override).
type announcePayload struct {
	infoHash protocol.InfoHash
	peerID   protocol.PeerID
	peerAddr netip.AddrPort
	left     uint64
	event    protocol.Event
	numWant  int32
}

// scrapePayload is the slice of a scrape request owned by one shard.
// indices are the positions of hashes in the original request, so the
// socket worker can reassemble multi-shard scrapes in request order.
type scrapePayload struct {
	// pendingID keys the reassembly entry on the originating socket
	// worker; zero means the scrape fits a single shard and needs no
	// reassembly.
	pendingID uint64
	hashes    []protocol.InfoHash
	indices   []int
}

// outMessage travels back to the originating socket worker. Exactly one of
// resp and fragment is set.
type outMessage struct {
	dest     netip.AddrPort
	received time.Time
	resp     protocol.Response
	fragment *scrapeFragment
}

// scrapeFragment is one shard's share of a scrape response.
type scrapeFragment struct {
	pendingID     uint64
	transactionID uint32
	indices       []int
	stats         []protocol.ScrapeStats
}
