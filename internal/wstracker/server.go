// Package wstracker serves the WebTorrent tracker dialect: JSON announces
// over WebSocket, with WebRTC offers and answers relayed between peers by
// peer ID. Offer and answer payloads are opaque to the tracker; it signs
// nothing and never terminates WebRTC. Browser peers have no routable
// UDP endpoint, so this frontend keeps its own swarm registry of live
// connections instead of feeding the UDP shards.
package wstracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
)

const announceIntervalSeconds = 120

// offerMessage is one WebRTC offer attached to an announce.
type offerMessage struct {
	OfferID string          `json:"offer_id"`
	Offer   json.RawMessage `json:"offer"`
}

// inMessage is anything a client may send.
type inMessage struct {
	Action   string `json:"action"`
	InfoHash string `json:"info_hash"`
	PeerID   string `json:"peer_id"`

	// Announce fields.
	Event   string         `json:"event,omitempty"`
	Left    *uint64        `json:"left,omitempty"`
	NumWant int            `json:"numwant,omitempty"`
	Offers  []offerMessage `json:"offers,omitempty"`

	// Answer relay fields.
	ToPeerID string          `json:"to_peer_id,omitempty"`
	OfferID  string          `json:"offer_id,omitempty"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

type client struct {
	conn *websocket.Conn

	// mu guards closed and the close of send. Relays from other
	// connections' read goroutines enqueue under the same lock, so a
	// send can never race the channel close during teardown.
	mu     sync.Mutex
	closed bool
	send   chan []byte

	// joined maps each swarm this connection announced into to the peer
	// ID it used there, for cleanup on disconnect. Touched only by the
	// owning read goroutine.
	joined map[protocol.InfoHash]protocol.PeerID
}

// enqueue queues a frame for the write pump without ever blocking. A full
// buffer drops the frame; a closed client ignores it.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// shutdown marks the client closed and ends the write pump. After it
// returns, enqueue is a no-op.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type wsSwarm struct {
	peers     map[protocol.PeerID]*client
	seeders   map[protocol.PeerID]struct{}
	completed uint32
}

// Server is the WebSocket tracker frontend.
type Server struct {
	logger *zap.Logger
	cfg    config.WebSocketConfig
	agg    *stats.Aggregator
	access *accesslist.List

	upgrader websocket.Upgrader

	mu      sync.Mutex
	swarms  map[protocol.InfoHash]*wsSwarm
	clients atomic.Int32
}

// NewServer builds the frontend.
func NewServer(logger *zap.Logger, cfg config.WebSocketConfig, agg *stats.Aggregator, access *accesslist.List) *Server {
	return &Server{
		logger: logger.Named("ws"),
		cfg:    cfg,
		agg:    agg,
		access: access,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The tracker is an open rendezvous point; origin checks
			// would only lock out the browsers it exists to serve.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		swarms: make(map[protocol.InfoHash]*wsSwarm),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket tracker listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.logger.Info("websocket tracker stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket tracker failed: %w", err)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot() {
		http.Error(w, "tracker full", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clients.Add(-1)
		return // Upgrade already wrote the handshake error
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 32),
		joined: make(map[protocol.InfoHash]protocol.PeerID),
	}

	go s.writePump(c)
	s.readPump(c)
}

// acquireSlot reserves a client slot, keeping concurrent upgrades under
// MaxClients.
func (s *Server) acquireSlot() bool {
	for {
		n := s.clients.Load()
		if int(n) >= s.cfg.MaxClients {
			return false
		}
		if s.clients.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.disconnect(c)
		c.shutdown()
		s.clients.Add(-1)
	}()

	c.conn.SetReadLimit(s.cfg.MaxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(c *client, data []byte) {
	var msg inMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.agg.Counters.DecodeErrors.Add(1)
		return
	}

	switch msg.Action {
	case "announce":
		if msg.Answer != nil {
			s.relayAnswer(c, msg)
			return
		}
		s.handleAnnounce(c, msg)
	case "scrape":
		s.handleScrape(c, data)
	default:
		s.agg.Counters.DecodeErrors.Add(1)
	}
}

func (s *Server) handleAnnounce(c *client, msg inMessage) {
	s.agg.Counters.WSAnnounces.Add(1)

	infoHash, ok := id20(msg.InfoHash)
	if !ok {
		s.sendError(c, "invalid info_hash")
		return
	}
	peerID, ok := id20(msg.PeerID)
	if !ok {
		s.sendError(c, "invalid peer_id")
		return
	}
	if !s.access.Permitted(protocol.InfoHash(infoHash)) {
		s.sendError(c, "torrent not authorized")
		return
	}

	hash := protocol.InfoHash(infoHash)
	pid := protocol.PeerID(peerID)

	s.mu.Lock()
	if msg.Event == "stopped" {
		s.removePeerLocked(hash, pid)
		delete(c.joined, hash)
		s.mu.Unlock()
		return
	}

	// A connection re-announcing into the same swarm under a new peer ID
	// abandons its previous identity there.
	if prev, ok := c.joined[hash]; ok && prev != pid {
		s.removePeerLocked(hash, prev)
	}

	sw, ok := s.swarms[hash]
	if !ok {
		sw = &wsSwarm{
			peers:   make(map[protocol.PeerID]*client),
			seeders: make(map[protocol.PeerID]struct{}),
		}
		s.swarms[hash] = sw
	}
	sw.peers[pid] = c
	c.joined[hash] = pid

	seeder := msg.Left != nil && *msg.Left == 0
	_, wasSeeder := sw.seeders[pid]
	if seeder {
		if msg.Event == "completed" && !wasSeeder {
			sw.completed++
		}
		sw.seeders[pid] = struct{}{}
	} else {
		delete(sw.seeders, pid)
	}

	complete := len(sw.seeders)
	incomplete := len(sw.peers) - complete

	// Pick relay targets while the lock is held; sends happen after.
	targets := make([]*client, 0, len(msg.Offers))
	for id, peer := range sw.peers {
		if len(targets) == len(msg.Offers) {
			break
		}
		if id == pid {
			continue
		}
		targets = append(targets, peer)
	}
	s.mu.Unlock()

	s.reply(c, map[string]interface{}{
		"action":     "announce",
		"interval":   announceIntervalSeconds,
		"info_hash":  msg.InfoHash,
		"complete":   complete,
		"incomplete": incomplete,
	})

	for i, target := range targets {
		s.reply(target, map[string]interface{}{
			"action":    "announce",
			"info_hash": msg.InfoHash,
			"peer_id":   msg.PeerID,
			"offer_id":  msg.Offers[i].OfferID,
			"offer":     msg.Offers[i].Offer,
		})
	}
}

func (s *Server) relayAnswer(c *client, msg inMessage) {
	infoHash, ok := id20(msg.InfoHash)
	if !ok {
		return
	}
	toPeer, ok := id20(msg.ToPeerID)
	if !ok {
		return
	}

	s.mu.Lock()
	var target *client
	if sw, ok := s.swarms[protocol.InfoHash(infoHash)]; ok {
		target = sw.peers[protocol.PeerID(toPeer)]
	}
	s.mu.Unlock()

	if target == nil {
		return // peer left between offer and answer
	}
	s.reply(target, map[string]interface{}{
		"action":    "announce",
		"info_hash": msg.InfoHash,
		"peer_id":   msg.PeerID,
		"offer_id":  msg.OfferID,
		"answer":    msg.Answer,
	})
}

// handleScrape re-parses the raw message because info_hash may be a single
// string or an array of strings in this dialect.
func (s *Server) handleScrape(c *client, data []byte) {
	var multi struct {
		InfoHash []string `json:"info_hash"`
	}
	var single struct {
		InfoHash string `json:"info_hash"`
	}

	var hashes []string
	if err := json.Unmarshal(data, &multi); err == nil && len(multi.InfoHash) > 0 {
		hashes = multi.InfoHash
	} else if err := json.Unmarshal(data, &single); err == nil && single.InfoHash != "" {
		hashes = []string{single.InfoHash}
	}

	files := make(map[string]interface{}, len(hashes))
	s.mu.Lock()
	for _, raw := range hashes {
		b, ok := id20(raw)
		if !ok {
			continue
		}
		entry := map[string]interface{}{"complete": 0, "incomplete": 0, "downloaded": 0}
		if sw, ok := s.swarms[protocol.InfoHash(b)]; ok {
			entry["complete"] = len(sw.seeders)
			entry["incomplete"] = len(sw.peers) - len(sw.seeders)
			entry["downloaded"] = int(sw.completed)
		}
		files[raw] = entry
	}
	s.mu.Unlock()

	s.reply(c, map[string]interface{}{
		"action": "scrape",
		"files":  files,
	})
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	for hash, pid := range c.joined {
		s.removePeerLocked(hash, pid)
	}
	s.mu.Unlock()
}

func (s *Server) removePeerLocked(hash protocol.InfoHash, pid protocol.PeerID) {
	sw, ok := s.swarms[hash]
	if !ok {
		return
	}
	delete(sw.peers, pid)
	delete(sw.seeders, pid)
	if len(sw.peers) == 0 {
		delete(s.swarms, hash)
	}
}

func (s *Server) sendError(c *client, reason string) {
	s.reply(c, map[string]interface{}{"failure reason": reason})
}

// reply never blocks the caller: a client whose send buffer is full is
// slow or gone, and its write pump will tear the connection down. Sends to
// a client mid-teardown are swallowed by enqueue.
func (s *Server) reply(c *client, body map[string]interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// id20 validates a JSON string field as a 20-byte binary identifier.
func id20(v string) ([20]byte, bool) {
	var out [20]byte
	if len(v) != 20 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}
