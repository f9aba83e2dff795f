package tracker

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/connection"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/swarm"
)

// maxPacketSize fits any request and any response inside one unfragmented
// Ethernet frame.
const maxPacketSize = 1500

// socketWorker owns one UDP socket. The read goroutine decodes datagrams,
// answers connects inline and routes announces/scrapes to state workers;
// the respond goroutine drains the outbound channel and writes responses.
// Responses always return through the worker that read the request, via the
// channel reference each request carries.
type socketWorker struct {
	logger    *zap.Logger
	cfg       *config.UDPConfig
	conn      *net.UDPConn
	ipv6      bool
	validator *connection.Validator
	agg       *stats.Aggregator
	shards    []chan shardRequest
	outbound  chan outMessage
	pending   pendingScrapes
}

func newSocketWorker(
	logger *zap.Logger,
	cfg *config.UDPConfig,
	conn *net.UDPConn,
	validator *connection.Validator,
	agg *stats.Aggregator,
	shards []chan shardRequest,
) *socketWorker {
	local := conn.LocalAddr().(*net.UDPAddr)
	w := &socketWorker{
		logger:    logger.Named("socket").With(zap.String("bind", local.String())),
		cfg:       cfg,
		conn:      conn,
		ipv6:      local.IP.To4() == nil,
		validator: validator,
		agg:       agg,
		shards:    shards,
		outbound:  make(chan outMessage, cfg.ResponseChannelSize),
	}
	w.pending.init()
	return w
}

// readLoop runs until ctx is cancelled. ReadBatch bounds the datagrams
// handled before the goroutine yields, so the respond goroutine keeps up
// under sustained inbound load.
func (w *socketWorker) readLoop(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	var encBuf []byte
	inBatch := 0

	for {
		n, src, err := w.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("transient read failure", zap.Error(err))
			continue
		}

		w.agg.Counters.BytesIn.Add(uint64(n))
		w.handlePacket(buf[:n], src, &encBuf)

		inBatch++
		if inBatch >= w.cfg.ReadBatch {
			inBatch = 0
			runtime.Gosched()
		}
	}
}

// respondLoop drains the outbound channel until it is closed, encoding and
// sending every response it observes.
func (w *socketWorker) respondLoop() {
	var encBuf []byte
	for out := range w.outbound {
		if out.fragment != nil {
			w.handleFragment(out, &encBuf)
			continue
		}
		w.send(out.resp, out.dest, out.received, &encBuf)
	}
}

func (w *socketWorker) handlePacket(pkt []byte, src netip.AddrPort, encBuf *[]byte) {
	now := time.Now()

	req, err := protocol.DecodeRequest(pkt, w.cfg.MaxScrapeHashes)
	if err != nil {
		// Undecodable input is never answered; replying would turn the
		// tracker into a reflector for spoofed garbage.
		w.agg.Counters.DecodeErrors.Add(1)
		return
	}

	switch r := req.(type) {
	case protocol.ConnectRequest:
		w.agg.Counters.ConnectRequests.Add(1)
		w.send(protocol.ConnectResponse{
			TransactionID: r.TransactionID,
			ConnectionID:  w.validator.Issue(src.Addr(), now),
		}, src, now, encBuf)

	case protocol.AnnounceRequest:
		w.agg.Counters.AnnounceRequests.Add(1)
		if !w.checkToken(r.ConnectionID, r.TransactionID, src, now, encBuf) {
			return
		}
		w.routeAnnounce(r, src, now)

	case protocol.ScrapeRequest:
		w.agg.Counters.ScrapeRequests.Add(1)
		if !w.checkToken(r.ConnectionID, r.TransactionID, src, now, encBuf) {
			return
		}
		w.routeScrape(r, src, now)
	}
}

// checkToken validates the connection token. Failures never reach a state
// worker; depending on policy they are answered with an error or dropped.
func (w *socketWorker) checkToken(token uint64, transactionID uint32, src netip.AddrPort, now time.Time, encBuf *[]byte) bool {
	if w.validator.Validate(token, src.Addr(), now) {
		return true
	}
	w.agg.Counters.TokenFailures.Add(1)
	if w.cfg.RejectPolicy == config.RejectError {
		w.send(protocol.ErrorResponse{
			TransactionID: transactionID,
			Message:       "connection id invalid or expired",
		}, src, now, encBuf)
	}
	return false
}

func (w *socketWorker) routeAnnounce(r protocol.AnnounceRequest, src netip.AddrPort, now time.Time) {
	peerAddr := src.Addr()
	if !w.ipv6 && w.cfg.AllowIPOverride && r.IP != 0 {
		b := [4]byte{byte(r.IP >> 24), byte(r.IP >> 16), byte(r.IP >> 8), byte(r.IP)}
		peerAddr = netip.AddrFrom4(b)
	}

	shard := shardFor(r.InfoHash, len(w.shards))
	w.dispatch(shard, shardRequest{
		kind:          kindAnnounce,
		transactionID: r.TransactionID,
		source:        src,
		ipv6:          w.ipv6,
		received:      now,
		out:           w.outbound,
		announce: announcePayload{
			infoHash: r.InfoHash,
			peerID:   r.PeerID,
			peerAddr: netip.AddrPortFrom(peerAddr, r.Port),
			left:     r.Left,
			event:    r.Event,
			numWant:  r.NumWant,
		},
	})
}

// routeScrape hashes every info-hash independently. A scrape whose hashes
// all land on one shard is forwarded as-is; one that spans shards is split
// into per-shard fragments and reassembled before the response is sent.
func (w *socketWorker) routeScrape(r protocol.ScrapeRequest, src netip.AddrPort, now time.Time) {
	first := shardFor(r.InfoHashes[0], len(w.shards))
	single := true
	for _, h := range r.InfoHashes[1:] {
		if shardFor(h, len(w.shards)) != first {
			single = false
			break
		}
	}

	if single {
		indices := make([]int, len(r.InfoHashes))
		for i := range indices {
			indices[i] = i
		}
		w.dispatch(first, shardRequest{
			kind:          kindScrape,
			transactionID: r.TransactionID,
			source:        src,
			ipv6:          w.ipv6,
			received:      now,
			out:           w.outbound,
			scrape: scrapePayload{
				hashes:  r.InfoHashes,
				indices: indices,
			},
		})
		return
	}

	perShard := make(map[int]*scrapePayload)
	for i, h := range r.InfoHashes {
		s := shardFor(h, len(w.shards))
		p, ok := perShard[s]
		if !ok {
			p = &scrapePayload{}
			perShard[s] = p
		}
		p.hashes = append(p.hashes, h)
		p.indices = append(p.indices, i)
	}

	id, ok := w.pending.insert(src, now, len(r.InfoHashes), len(perShard))
	if !ok {
		w.agg.Counters.RequestsDropped.Add(1)
		return
	}

	for s, p := range perShard {
		p.pendingID = id
		w.dispatch(s, shardRequest{
			kind:          kindScrape,
			transactionID: r.TransactionID,
			source:        src,
			ipv6:          w.ipv6,
			received:      now,
			out:           w.outbound,
			scrape:        *p,
		})
	}
}

// dispatch enqueues a request on a shard channel without ever blocking the
// read loop. A full channel applies the configured drop policy; a dropped
// request simply gets no response, which UDP clients absorb by retrying.
func (w *socketWorker) dispatch(shard int, msg shardRequest) {
	ch := w.shards[shard]

	select {
	case ch <- msg:
		return
	default:
	}

	if w.cfg.DropPolicy == config.DropOldest {
		select {
		case <-ch:
			w.agg.Counters.RequestsDropped.Add(1)
		default:
		}
		select {
		case ch <- msg:
			return
		default:
		}
	}
	w.agg.Counters.RequestsDropped.Add(1)
}

func (w *socketWorker) handleFragment(out outMessage, encBuf *[]byte) {
	frag := out.fragment

	if frag.pendingID == 0 {
		// Single-shard scrape: stats are already complete and in order.
		w.send(protocol.ScrapeResponse{
			TransactionID: frag.transactionID,
			Stats:         frag.stats,
		}, out.dest, out.received, encBuf)
		return
	}

	full, done := w.pending.apply(frag)
	if !done {
		return
	}
	w.send(protocol.ScrapeResponse{
		TransactionID: frag.transactionID,
		Stats:         full,
	}, out.dest, out.received, encBuf)
}

func (w *socketWorker) send(resp protocol.Response, dest netip.AddrPort, received time.Time, encBuf *[]byte) {
	*encBuf = protocol.EncodeResponse((*encBuf)[:0], resp)

	n, err := w.conn.WriteToUDPAddrPort(*encBuf, dest)
	if err != nil {
		w.agg.Counters.SendErrors.Add(1)
		w.logger.Debug("failed to send response", zap.Error(err))
		return
	}

	w.agg.Counters.BytesOut.Add(uint64(n))
	w.agg.Counters.ResponsesSent.Add(1)
	if _, isErr := resp.(protocol.ErrorResponse); isErr {
		w.agg.Counters.ErrorResponses.Add(1)
	}
	w.agg.ObserveLatency(time.Since(received))
}

func shardFor(h protocol.InfoHash, shards int) int {
	return swarm.ShardIndex(h, shards)
}
