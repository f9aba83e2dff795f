package tracker

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/connection"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/swarm"
)

// harness wires one socket worker to real state workers over a loopback
// socket, which exercises the full datagram path without the Server wrapper.
type harness struct {
	t      *testing.T
	agg    *stats.Aggregator
	worker *socketWorker
	conn   *net.UDPConn
	client *net.UDPConn
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.UDP.StateWorkers = 2
	cfg.UDP.RequestChannelSize = 64
	cfg.UDP.ResponseChannelSize = 64
	if mutate != nil {
		mutate(cfg)
	}

	logger := zaptest.NewLogger(t)
	agg := stats.NewAggregator(logger, cfg.UDP.StateWorkers)
	access, err := accesslist.New(logger, accesslist.ModeNone, "")
	require.NoError(t, err)
	validator, err := connection.NewValidator(cfg.Connection.BucketWidth)
	require.NoError(t, err)

	chans := make([]chan shardRequest, cfg.UDP.StateWorkers)
	for i := range chans {
		chans[i] = make(chan shardRequest, cfg.UDP.RequestChannelSize)
	}

	stop := make(chan struct{})
	var stateWG sync.WaitGroup
	opts := swarm.Options{
		DefaultNumWant:  cfg.Swarm.DefaultNumWant,
		MaxNumWant:      cfg.Swarm.MaxNumWant,
		PeerIdleTimeout: cfg.Swarm.PeerIdleTimeout,
		SweepBatch:      cfg.Swarm.SweepBatch,
	}
	for i := range chans {
		w := newStateWorker(logger, i, opts, chans[i], stop, access, agg,
			cfg.Swarm.AnnounceInterval, cfg.Swarm.SweepInterval)
		stateWG.Add(1)
		go func() {
			defer stateWG.Done()
			w.run()
		}()
	}

	conn, err := listenUDP("127.0.0.1:0", false)
	require.NoError(t, err)

	worker := newSocketWorker(logger, &cfg.UDP, conn, validator, agg, chans)

	ctx, cancel := context.WithCancel(context.Background())
	var readWG, respondWG sync.WaitGroup
	readWG.Add(1)
	go func() {
		defer readWG.Done()
		_ = worker.readLoop(ctx)
	}()
	respondWG.Add(1)
	go func() {
		defer respondWG.Done()
		worker.respondLoop()
	}()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		conn.SetReadDeadline(time.Now())
		readWG.Wait()
		close(stop)
		stateWG.Wait()
		close(worker.outbound)
		respondWG.Wait()
		conn.Close()
		client.Close()
	})

	return &harness{t: t, agg: agg, worker: worker, conn: conn, client: client}
}

// exchange sends one request and decodes the response.
func (h *harness) exchange(req protocol.Request) protocol.Response {
	h.t.Helper()
	h.write(req)

	buf := make([]byte, maxPacketSize)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := h.client.Read(buf)
	require.NoError(h.t, err, "expected a response")

	resp, err := protocol.DecodeResponse(buf[:n], false)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) write(req protocol.Request) {
	h.t.Helper()
	_, err := h.client.Write(protocol.EncodeRequest(nil, req))
	require.NoError(h.t, err)
}

// expectSilence asserts that no datagram comes back.
func (h *harness) expectSilence() {
	h.t.Helper()
	buf := make([]byte, maxPacketSize)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := h.client.Read(buf)
	require.Error(h.t, err, "expected no response")
}

func (h *harness) connect() uint64 {
	h.t.Helper()
	resp := h.exchange(protocol.ConnectRequest{TransactionID: 7})
	conn, ok := resp.(protocol.ConnectResponse)
	require.True(h.t, ok, "expected connect response, got %T", resp)
	require.Equal(h.t, uint32(7), conn.TransactionID)
	return conn.ConnectionID
}

func testHash(b byte) protocol.InfoHash {
	var h protocol.InfoHash
	for i := range h {
		h[i] = b
	}
	return h
}

func testPeerID(b byte) protocol.PeerID {
	var p protocol.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

func TestConnectAnnounceScrape(t *testing.T) {
	h := newHarness(t, nil)
	token := h.connect()
	hash := testHash(0xaa)

	// First peer, a seeder. It must not be offered itself.
	resp := h.exchange(protocol.AnnounceRequest{
		ConnectionID:  token,
		TransactionID: 10,
		InfoHash:      hash,
		PeerID:        testPeerID(1),
		Left:          0,
		Event:         protocol.EventStarted,
		NumWant:       -1,
		Port:          7001,
	})
	ann, ok := resp.(protocol.AnnounceResponse)
	require.True(t, ok, "expected announce response, got %T", resp)
	assert.Equal(t, uint32(10), ann.TransactionID)
	assert.Equal(t, uint32(1), ann.Seeders)
	assert.Equal(t, uint32(0), ann.Leechers)
	assert.NotZero(t, ann.Interval)
	assert.Empty(t, ann.Peers)

	// Second peer, a leecher. It should be handed the seeder.
	resp = h.exchange(protocol.AnnounceRequest{
		ConnectionID:  token,
		TransactionID: 11,
		InfoHash:      hash,
		PeerID:        testPeerID(2),
		Left:          5000,
		Event:         protocol.EventStarted,
		NumWant:       -1,
		Port:          7002,
	})
	ann, ok = resp.(protocol.AnnounceResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ann.Seeders)
	assert.Equal(t, uint32(1), ann.Leechers)
	require.Len(t, ann.Peers, 1)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ann.Peers[0].Addr())
	assert.Equal(t, uint16(7001), ann.Peers[0].Port())

	// Scrape sees both, and an unknown hash scrapes as zeros.
	resp = h.exchange(protocol.ScrapeRequest{
		ConnectionID:  token,
		TransactionID: 12,
		InfoHashes:    []protocol.InfoHash{hash, testHash(0xbb)},
	})
	scr, ok := resp.(protocol.ScrapeResponse)
	require.True(t, ok, "expected scrape response, got %T", resp)
	require.Len(t, scr.Stats, 2)
	assert.Equal(t, uint32(1), scr.Stats[0].Seeders)
	assert.Equal(t, uint32(1), scr.Stats[0].Leechers)
	assert.Zero(t, scr.Stats[1].Seeders)
	assert.Zero(t, scr.Stats[1].Leechers)
}

func TestMultiShardScrapeKeepsRequestOrder(t *testing.T) {
	h := newHarness(t, nil)
	token := h.connect()

	// Announce one seeder into eight swarms. The fixture is picked so the
	// hashes provably span both shards.
	var hashes []protocol.InfoHash
	shardsSeen := map[int]int{}
	for b := byte(1); len(hashes) < 8 && b < 255; b++ {
		hash := testHash(b)
		idx := swarm.ShardIndex(hash, 2)
		if shardsSeen[idx] >= 4 {
			continue
		}
		shardsSeen[idx]++
		hashes = append(hashes, hash)
	}
	for i := range hashes {
		resp := h.exchange(protocol.AnnounceRequest{
			ConnectionID:  token,
			TransactionID: uint32(20 + i),
			InfoHash:      hashes[i],
			PeerID:        testPeerID(byte(i + 1)),
			Left:          0,
			Event:         protocol.EventStarted,
			NumWant:       0,
			Port:          uint16(8000 + i),
		})
		_, ok := resp.(protocol.AnnounceResponse)
		require.True(t, ok)
	}
	require.Len(t, shardsSeen, 2, "fixture must span both shards")
	require.Len(t, hashes, 8)

	resp := h.exchange(protocol.ScrapeRequest{
		ConnectionID:  token,
		TransactionID: 30,
		InfoHashes:    hashes,
	})
	scr, ok := resp.(protocol.ScrapeResponse)
	require.True(t, ok, "expected scrape response, got %T", resp)
	require.Len(t, scr.Stats, len(hashes))
	for i, st := range scr.Stats {
		assert.Equal(t, uint32(1), st.Seeders, "hash %d", i)
		assert.Equal(t, uint32(0), st.Leechers, "hash %d", i)
	}
}

func TestGarbageIsDroppedWithoutReply(t *testing.T) {
	h := newHarness(t, nil)

	before := h.agg.Counters.DecodeErrors.Load()
	_, err := h.client.Write([]byte{0x41})
	require.NoError(t, err)
	h.expectSilence()
	assert.Equal(t, before+1, h.agg.Counters.DecodeErrors.Load())

	// Wrong magic on a full-size connect packet.
	pkt := make([]byte, protocol.ConnectRequestSize)
	pkt[0] = 0xff
	_, err = h.client.Write(pkt)
	require.NoError(t, err)
	h.expectSilence()
	assert.Equal(t, before+2, h.agg.Counters.DecodeErrors.Load())
}

func TestBadTokenAnsweredWithError(t *testing.T) {
	h := newHarness(t, nil) // default policy answers with an error

	resp := h.exchange(protocol.AnnounceRequest{
		ConnectionID:  0xdeadbeef,
		TransactionID: 40,
		InfoHash:      testHash(0xcc),
		PeerID:        testPeerID(9),
		Port:          7003,
	})
	errResp, ok := resp.(protocol.ErrorResponse)
	require.True(t, ok, "expected error response, got %T", resp)
	assert.Equal(t, uint32(40), errResp.TransactionID)
	assert.Contains(t, errResp.Message, "connection id")
	assert.Equal(t, uint64(1), h.agg.Counters.TokenFailures.Load())
}

func TestBadTokenDroppedSilently(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.UDP.RejectPolicy = config.RejectSilent
	})

	h.write(protocol.AnnounceRequest{
		ConnectionID:  0xdeadbeef,
		TransactionID: 41,
		InfoHash:      testHash(0xcc),
		PeerID:        testPeerID(9),
		Port:          7003,
	})
	h.expectSilence()
	assert.Equal(t, uint64(1), h.agg.Counters.TokenFailures.Load())
}

func TestDispatchDropNewest(t *testing.T) {
	cfg := config.Default()
	cfg.UDP.DropPolicy = config.DropNewest
	agg := stats.NewAggregator(zaptest.NewLogger(t), 1)
	w := &socketWorker{
		cfg:    &cfg.UDP,
		agg:    agg,
		shards: []chan shardRequest{make(chan shardRequest, 1)},
	}

	w.dispatch(0, shardRequest{transactionID: 1})
	w.dispatch(0, shardRequest{transactionID: 2})

	assert.Equal(t, uint64(1), agg.Counters.RequestsDropped.Load())
	got := <-w.shards[0]
	assert.Equal(t, uint32(1), got.transactionID, "oldest request survives")
}

func TestDispatchDropOldest(t *testing.T) {
	cfg := config.Default()
	cfg.UDP.DropPolicy = config.DropOldest
	agg := stats.NewAggregator(zaptest.NewLogger(t), 1)
	w := &socketWorker{
		cfg:    &cfg.UDP,
		agg:    agg,
		shards: []chan shardRequest{make(chan shardRequest, 1)},
	}

	w.dispatch(0, shardRequest{transactionID: 1})
	w.dispatch(0, shardRequest{transactionID: 2})

	assert.Equal(t, uint64(1), agg.Counters.RequestsDropped.Load())
	got := <-w.shards[0]
	assert.Equal(t, uint32(2), got.transactionID, "newest request survives")
}

func TestPendingScrapesReassembly(t *testing.T) {
	var p pendingScrapes
	p.init()

	dest := netip.MustParseAddrPort("127.0.0.1:9999")
	id, ok := p.insert(dest, time.Now(), 3, 2)
	require.True(t, ok)
	require.NotZero(t, id)

	// Fragments arrive out of request order.
	full, done := p.apply(&scrapeFragment{
		pendingID: id,
		indices:   []int{2},
		stats:     []protocol.ScrapeStats{{Seeders: 3}},
	})
	assert.False(t, done)
	assert.Nil(t, full)

	full, done = p.apply(&scrapeFragment{
		pendingID: id,
		indices:   []int{0, 1},
		stats:     []protocol.ScrapeStats{{Seeders: 1}, {Seeders: 2}},
	})
	require.True(t, done)
	require.Len(t, full, 3)
	assert.Equal(t, uint32(1), full[0].Seeders)
	assert.Equal(t, uint32(2), full[1].Seeders)
	assert.Equal(t, uint32(3), full[2].Seeders)

	// The entry is gone once assembled.
	_, done = p.apply(&scrapeFragment{pendingID: id, indices: []int{0}, stats: []protocol.ScrapeStats{{}}})
	assert.False(t, done)
}

func TestPendingScrapesEvictsExpiredWhenFull(t *testing.T) {
	var p pendingScrapes
	p.init()

	dest := netip.MustParseAddrPort("127.0.0.1:9999")
	old := time.Now().Add(-time.Minute)
	for i := 0; i < maxPendingScrapes; i++ {
		_, ok := p.insert(dest, old, 1, 2)
		require.True(t, ok)
	}

	// A fresh insert evicts the expired entries rather than refusing.
	id, ok := p.insert(dest, time.Now(), 1, 2)
	assert.True(t, ok)
	assert.NotZero(t, id)
	assert.Len(t, p.entries, 1)
}

func TestServerAnnounceAndScrapeAPI(t *testing.T) {
	cfg := config.Default()
	cfg.UDP.ListenAddrs = []string{"127.0.0.1:0"}
	cfg.UDP.StateWorkers = 2

	logger := zaptest.NewLogger(t)
	agg := stats.NewAggregator(logger, cfg.UDP.StateWorkers)
	access, err := accesslist.New(logger, accesslist.ModeNone, "")
	require.NoError(t, err)

	s, err := NewServer(logger, cfg, agg, access)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-runDone)
	}()

	hash := testHash(0xdd)
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	_, err = s.Announce(reqCtx, AnnounceQuery{
		InfoHash: hash,
		PeerID:   testPeerID(1),
		PeerAddr: netip.MustParseAddrPort("10.0.0.1:6881"),
		Left:     0,
		Event:    protocol.EventStarted,
		NumWant:  -1,
	})
	require.NoError(t, err)

	ann, err := s.Announce(reqCtx, AnnounceQuery{
		InfoHash: hash,
		PeerID:   testPeerID(2),
		PeerAddr: netip.MustParseAddrPort("10.0.0.2:6881"),
		Left:     9000,
		Event:    protocol.EventStarted,
		NumWant:  -1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ann.Seeders)
	require.Len(t, ann.Peers, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ann.Peers[0].Addr())

	st, err := s.Scrape(reqCtx, []protocol.InfoHash{hash, testHash(0xee)})
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, uint32(1), st[0].Seeders)
	assert.Equal(t, uint32(1), st[0].Leechers)
	assert.Zero(t, st[1].Seeders)
}
