package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/swarm"
)

// sweepSliceEvery bounds how many messages a busy worker handles between
// two sweep slices once a pass is due, so a flooded shard still expires
// peers.
const sweepSliceEvery = 256

// stateWorker owns exactly one shard. It is the only goroutine that ever
// touches that shard, which is what lets the store run without locks.
// Requests on the inbound channel are processed strictly in arrival order.
type stateWorker struct {
	logger  *zap.Logger
	index   int
	shard   *swarm.Shard
	inbound <-chan shardRequest
	stop    <-chan struct{}
	access  *accesslist.List
	agg     *stats.Aggregator
	gauges  *stats.ShardGauges

	announceInterval uint32
	sweepInterval    time.Duration

	sweepDue       bool
	sinceLastSlice int
}

func newStateWorker(
	logger *zap.Logger,
	index int,
	opts swarm.Options,
	inbound <-chan shardRequest,
	stop <-chan struct{},
	access *accesslist.List,
	agg *stats.Aggregator,
	announceInterval time.Duration,
	sweepInterval time.Duration,
) *stateWorker {
	return &stateWorker{
		logger:           logger.Named("state").With(zap.Int("shard", index)),
		index:            index,
		shard:            swarm.NewShard(opts),
		inbound:          inbound,
		stop:             stop,
		access:           access,
		agg:              agg,
		gauges:           agg.Shard(index),
		announceInterval: uint32(announceInterval / time.Second),
		sweepInterval:    sweepInterval,
	}
}

// run processes messages until the stop channel closes, then drains what is
// already queued and exits. Sweep work is interleaved in bounded slices:
// when the shard is idle a slice runs immediately, and under load one slice
// runs every sweepSliceEvery messages.
func (w *stateWorker) run() {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		if w.sweepDue {
			select {
			case msg := <-w.inbound:
				w.handle(msg)
				w.sinceLastSlice++
				if w.sinceLastSlice >= sweepSliceEvery {
					w.sweepSlice()
				}
			case <-w.stop:
				w.drain()
				return
			default:
				w.sweepSlice()
			}
			continue
		}

		select {
		case msg := <-w.inbound:
			w.handle(msg)
		case <-ticker.C:
			w.sweepDue = true
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// drain finishes the work already queued at shutdown. New requests are no
// longer produced by then; responses still flow because the socket workers'
// respond goroutines outlive the state workers.
func (w *stateWorker) drain() {
	for {
		select {
		case msg := <-w.inbound:
			w.handle(msg)
		default:
			return
		}
	}
}

func (w *stateWorker) sweepSlice() {
	res := w.shard.Sweep(time.Now())
	w.sinceLastSlice = 0
	if res.PassDone {
		w.sweepDue = false
		w.gauges.Torrents.Store(int64(w.shard.NumTorrents()))
		w.gauges.Peers.Store(int64(w.shard.NumPeers()))
		if res.PeersRemoved > 0 || res.SwarmsRemoved > 0 {
			w.logger.Debug("sweep pass finished",
				zap.Int("peers_removed", res.PeersRemoved),
				zap.Int("swarms_removed", res.SwarmsRemoved))
		}
	}
}

func (w *stateWorker) handle(msg shardRequest) {
	switch msg.kind {
	case kindAnnounce:
		w.handleAnnounce(msg)
	case kindScrape:
		w.handleScrape(msg)
	}
}

func (w *stateWorker) handleAnnounce(msg shardRequest) {
	a := msg.announce

	if !w.access.Permitted(a.infoHash) {
		w.reply(msg, outMessage{
			dest:     msg.source,
			received: msg.received,
			resp: protocol.ErrorResponse{
				TransactionID: msg.transactionID,
				Message:       "torrent not authorized",
			},
		})
		return
	}

	res := w.shard.Announce(swarm.AnnounceParams{
		InfoHash: a.infoHash,
		PeerID:   a.peerID,
		Addr:     a.peerAddr,
		Left:     a.left,
		Event:    a.event,
		NumWant:  a.numWant,
		IPv6:     msg.ipv6,
	}, time.Now())

	w.reply(msg, outMessage{
		dest:     msg.source,
		received: msg.received,
		resp: protocol.AnnounceResponse{
			TransactionID: msg.transactionID,
			Interval:      w.announceInterval,
			Leechers:      res.Leechers,
			Seeders:       res.Seeders,
			IPv6:          msg.ipv6,
			Peers:         res.Peers,
		},
	})
}

func (w *stateWorker) handleScrape(msg shardRequest) {
	s := msg.scrape
	st := make([]protocol.ScrapeStats, len(s.hashes))
	for i, h := range s.hashes {
		// Denied torrents scrape as unknown rather than leaking counts.
		if w.access.Permitted(h) {
			st[i] = w.shard.Scrape(h)
		}
	}
	w.reply(msg, outMessage{
		dest:     msg.source,
		received: msg.received,
		fragment: &scrapeFragment{
			pendingID:     s.pendingID,
			transactionID: msg.transactionID,
			indices:       s.indices,
			stats:         st,
		},
	})
}

// reply never blocks: the outbound channel is bounded and a full channel
// means the socket worker is saturated, in which case the response is
// dropped and the UDP client retries.
func (w *stateWorker) reply(msg shardRequest, out outMessage) {
	select {
	case msg.out <- out:
	default:
		w.agg.Counters.RequestsDropped.Add(1)
	}
}
