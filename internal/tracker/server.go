// Package tracker wires socket workers and state workers into the UDP
// tracker engine. Socket workers own sockets, state workers own shards, and
// bounded channels are the only synchronization between them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/connection"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/swarm"
)

// Server is the UDP tracker engine. The HTTP and WebSocket frontends reach
// the same swarm state through Announce and Scrape, which inject work into
// the shard channels exactly like a socket worker does.
type Server struct {
	logger    *zap.Logger
	cfg       *config.Config
	validator *connection.Validator
	agg       *stats.Aggregator
	access    *accesslist.List

	shardChans []chan shardRequest
	stopState  chan struct{}
}

// NewServer builds the engine. The connection-token secret is drawn here
// and lives for the process lifetime.
func NewServer(logger *zap.Logger, cfg *config.Config, agg *stats.Aggregator, access *accesslist.List) (*Server, error) {
	validator, err := connection.NewValidator(cfg.Connection.BucketWidth)
	if err != nil {
		return nil, err
	}

	chans := make([]chan shardRequest, cfg.UDP.StateWorkers)
	for i := range chans {
		chans[i] = make(chan shardRequest, cfg.UDP.RequestChannelSize)
	}

	return &Server{
		logger:     logger.Named("udp"),
		cfg:        cfg,
		validator:  validator,
		agg:        agg,
		access:     access,
		shardChans: chans,
		stopState:  make(chan struct{}),
	}, nil
}

// Run binds the sockets and blocks until ctx is cancelled and shutdown has
// drained. Bind failures are fatal; nothing runs with a partial socket set.
func (s *Server) Run(ctx context.Context) error {
	swarmOpts := swarm.Options{
		DefaultNumWant:  s.cfg.Swarm.DefaultNumWant,
		MaxNumWant:      s.cfg.Swarm.MaxNumWant,
		PeerIdleTimeout: s.cfg.Swarm.PeerIdleTimeout,
		SweepBatch:      s.cfg.Swarm.SweepBatch,
	}

	var stateWG sync.WaitGroup
	for i := range s.shardChans {
		w := newStateWorker(s.logger, i, swarmOpts, s.shardChans[i], s.stopState,
			s.access, s.agg, s.cfg.Swarm.AnnounceInterval, s.cfg.Swarm.SweepInterval)
		stateWG.Add(1)
		go func() {
			defer stateWG.Done()
			w.run()
		}()
	}

	reusePort := s.cfg.UDP.SocketWorkers > 1
	var conns []*net.UDPConn
	var workers []*socketWorker
	closeConns := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	for _, addr := range s.cfg.UDP.ListenAddrs {
		for i := 0; i < s.cfg.UDP.SocketWorkers; i++ {
			conn, err := listenUDP(addr, reusePort)
			if err != nil {
				closeConns()
				close(s.stopState)
				stateWG.Wait()
				return err
			}
			conns = append(conns, conn)
			workers = append(workers, newSocketWorker(s.logger, &s.cfg.UDP, conn, s.validator, s.agg, s.shardChans))
		}
		s.logger.Info("udp tracker listening",
			zap.String("addr", addr),
			zap.Int("workers", s.cfg.UDP.SocketWorkers))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.readLoop(gctx) })
	}

	var respondWG sync.WaitGroup
	for _, w := range workers {
		w := w
		respondWG.Add(1)
		go func() {
			defer respondWG.Done()
			w.respondLoop()
		}()
	}

	// Unblock the read loops once shutdown begins. Only reads are
	// deadlined: the respond goroutines keep writing while the state
	// workers drain.
	go func() {
		<-gctx.Done()
		for _, c := range conns {
			c.SetReadDeadline(time.Now())
		}
	}()

	err := g.Wait()

	close(s.stopState)
	stateWG.Wait()

	for _, w := range workers {
		close(w.outbound)
	}
	respondWG.Wait()
	closeConns()

	s.logger.Info("udp tracker stopped")
	return err
}

// AnnounceQuery is an announce arriving through a non-UDP frontend. The
// peer address is already resolved by the caller.
type AnnounceQuery struct {
	InfoHash protocol.InfoHash
	PeerID   protocol.PeerID
	PeerAddr netip.AddrPort
	Left     uint64
	Event    protocol.Event
	NumWant  int32
	IPv6     bool
}

// ErrTrackerBusy is returned when a shard channel stays full for the whole
// request deadline.
var ErrTrackerBusy = errors.New("tracker: shard channel saturated")

// Announce routes q to its owning shard and waits for the swarm's answer.
// An access-list rejection surfaces as an error carrying the tracker's
// failure reason.
func (s *Server) Announce(ctx context.Context, q AnnounceQuery) (*protocol.AnnounceResponse, error) {
	reply := make(chan outMessage, 1)
	msg := shardRequest{
		kind:     kindAnnounce,
		source:   q.PeerAddr,
		ipv6:     q.IPv6,
		received: time.Now(),
		out:      reply,
		announce: announcePayload{
			infoHash: q.InfoHash,
			peerID:   q.PeerID,
			peerAddr: q.PeerAddr,
			left:     q.Left,
			event:    q.Event,
			numWant:  q.NumWant,
		},
	}

	select {
	case s.shardChans[shardFor(q.InfoHash, len(s.shardChans))] <- msg:
	case <-ctx.Done():
		s.agg.Counters.RequestsDropped.Add(1)
		return nil, ErrTrackerBusy
	}

	select {
	case out := <-reply:
		switch resp := out.resp.(type) {
		case protocol.AnnounceResponse:
			return &resp, nil
		case protocol.ErrorResponse:
			return nil, fmt.Errorf("tracker: %s", resp.Message)
		default:
			return nil, fmt.Errorf("tracker: unexpected response %T", out.resp)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scrape returns stats for every hash, in request order, hashing each one
// to its owning shard independently.
func (s *Server) Scrape(ctx context.Context, hashes []protocol.InfoHash) ([]protocol.ScrapeStats, error) {
	perShard := make(map[int]*scrapePayload)
	for i, h := range hashes {
		idx := shardFor(h, len(s.shardChans))
		p, ok := perShard[idx]
		if !ok {
			p = &scrapePayload{}
			perShard[idx] = p
		}
		p.hashes = append(p.hashes, h)
		p.indices = append(p.indices, i)
	}

	reply := make(chan outMessage, len(perShard))
	now := time.Now()
	for idx, p := range perShard {
		msg := shardRequest{
			kind:     kindScrape,
			received: now,
			out:      reply,
			scrape:   *p,
		}
		select {
		case s.shardChans[idx] <- msg:
		case <-ctx.Done():
			s.agg.Counters.RequestsDropped.Add(1)
			return nil, ErrTrackerBusy
		}
	}

	out := make([]protocol.ScrapeStats, len(hashes))
	for remaining := len(perShard); remaining > 0; remaining-- {
		select {
		case m := <-reply:
			frag := m.fragment
			for i, idx := range frag.indices {
				out[idx] = frag.stats[i]
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}
