// Package httptracker serves the HTTP tracker dialect: announce and scrape
// over GET with compact bencoded responses. It feeds the same swarm state
// as the UDP engine by injecting requests through the tracker's shard
// channels; there is no second copy of swarm state.
package httptracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/gorilla/mux"
	bencode "github.com/jackpal/bencode-go"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/protocol"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/tracker"
)

const requestTimeout = 5 * time.Second

// Server is the HTTP tracker frontend.
type Server struct {
	logger          *zap.Logger
	cfg             config.HTTPConfig
	maxScrapeHashes int
	engine          *tracker.Server
	agg             *stats.Aggregator

	// scrapeCache holds encoded scrape responses for hot torrents; entries
	// age out after the configured TTL. Nil when caching is disabled.
	scrapeCache *bigcache.BigCache
}

// NewServer builds the frontend around the UDP engine's announce/scrape
// interface.
func NewServer(logger *zap.Logger, cfg config.HTTPConfig, maxScrapeHashes int, engine *tracker.Server, agg *stats.Aggregator) (*Server, error) {
	s := &Server{
		logger:          logger.Named("http"),
		cfg:             cfg,
		maxScrapeHashes: maxScrapeHashes,
		engine:          engine,
		agg:             agg,
	}

	if cfg.ScrapeCacheTTL > 0 {
		cacheCfg := bigcache.DefaultConfig(cfg.ScrapeCacheTTL)
		cacheCfg.Verbose = false
		cache, err := bigcache.New(context.Background(), cacheCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create scrape cache: %w", err)
		}
		s.scrapeCache = cache
	}
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/announce", s.handleAnnounce).Methods(http.MethodGet)
	router.HandleFunc("/scrape", s.handleScrape).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      gzhttp.GzipHandler(router),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http tracker listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.logger.Info("http tracker stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http tracker failed: %w", err)
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	s.agg.Counters.HTTPAnnounces.Add(1)
	q := r.URL.Query()

	infoHash, ok := binaryParam(q.Get("info_hash"))
	if !ok {
		s.failure(w, "invalid info_hash")
		return
	}
	peerIDRaw, ok := binaryParam(q.Get("peer_id"))
	if !ok {
		s.failure(w, "invalid peer_id")
		return
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil || port == 0 {
		s.failure(w, "invalid port")
		return
	}
	left, err := strconv.ParseUint(q.Get("left"), 10, 64)
	if err != nil {
		s.failure(w, "invalid left")
		return
	}

	event := protocol.EventNone
	switch q.Get("event") {
	case "":
	case "started":
		event = protocol.EventStarted
	case "stopped":
		event = protocol.EventStopped
	case "completed":
		event = protocol.EventCompleted
	default:
		s.failure(w, "invalid event")
		return
	}

	numWant := int32(-1)
	if nw := q.Get("numwant"); nw != "" {
		v, err := strconv.ParseInt(nw, 10, 32)
		if err != nil {
			s.failure(w, "invalid numwant")
			return
		}
		numWant = int32(v)
	}

	clientAddr, ok := remoteAddr(r)
	if !ok {
		s.failure(w, "unresolvable client address")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := s.engine.Announce(ctx, tracker.AnnounceQuery{
		InfoHash: protocol.InfoHashFromBytes(infoHash),
		PeerID:   protocol.PeerIDFromBytes(peerIDRaw),
		PeerAddr: netip.AddrPortFrom(clientAddr, uint16(port)),
		Left:     left,
		Event:    event,
		NumWant:  numWant,
		IPv6:     clientAddr.Is6(),
	})
	if err != nil {
		s.failure(w, trackerFailureReason(err))
		return
	}

	body := map[string]interface{}{
		"interval":   int64(resp.Interval),
		"complete":   int64(resp.Seeders),
		"incomplete": int64(resp.Leechers),
	}
	if resp.IPv6 {
		body["peers6"] = string(compactPeers(resp.Peers, true))
	} else {
		body["peers"] = string(compactPeers(resp.Peers, false))
	}
	s.bencode(w, body)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	s.agg.Counters.HTTPScrapes.Add(1)

	raw := r.URL.Query()["info_hash"]
	if len(raw) == 0 || len(raw) > s.maxScrapeHashes {
		s.failure(w, "between 1 and "+strconv.Itoa(s.maxScrapeHashes)+" info_hash parameters required")
		return
	}

	hashes := make([]protocol.InfoHash, 0, len(raw))
	cacheKey := make([]byte, 0, len(raw)*20)
	for _, v := range raw {
		b, ok := binaryParam(v)
		if !ok {
			s.failure(w, "invalid info_hash")
			return
		}
		hashes = append(hashes, protocol.InfoHashFromBytes(b))
		cacheKey = append(cacheKey, b...)
	}

	if s.scrapeCache != nil {
		if cached, err := s.scrapeCache.Get(string(cacheKey)); err == nil {
			s.writeBencoded(w, cached)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	statsList, err := s.engine.Scrape(ctx, hashes)
	if err != nil {
		s.failure(w, trackerFailureReason(err))
		return
	}

	files := make(map[string]interface{}, len(hashes))
	for i, h := range hashes {
		files[string(h[:])] = map[string]interface{}{
			"complete":   int64(statsList[i].Seeders),
			"downloaded": int64(statsList[i].Completed),
			"incomplete": int64(statsList[i].Leechers),
		}
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, map[string]interface{}{"files": files}); err != nil {
		s.logger.Error("failed to encode scrape response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.scrapeCache != nil {
		_ = s.scrapeCache.Set(string(cacheKey), buf.Bytes())
	}
	s.writeBencoded(w, buf.Bytes())
}

// failure answers with the tracker dialect's failure dictionary. HTTP-level
// status stays 200: tracker clients read the body, not the status code.
func (s *Server) failure(w http.ResponseWriter, reason string) {
	s.bencode(w, map[string]interface{}{"failure reason": reason})
}

func (s *Server) bencode(w http.ResponseWriter, body map[string]interface{}) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeBencoded(w, buf.Bytes())
}

func (s *Server) writeBencoded(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
	_, _ = w.Write(body)
}

// binaryParam validates a raw binary query value (already URL-decoded by
// net/url) as a 20-byte identifier.
func binaryParam(v string) ([]byte, bool) {
	if len(v) != 20 {
		return nil, false
	}
	return []byte(v), true
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// compactPeers packs peers per BEP 23 (IPv4, 6 bytes each) or BEP 7
// (IPv6, 18 bytes each).
func compactPeers(peers []netip.AddrPort, ipv6 bool) []byte {
	entry := 6
	if ipv6 {
		entry = 18
	}
	out := make([]byte, 0, len(peers)*entry)
	for _, p := range peers {
		addr := p.Addr().Unmap()
		if ipv6 {
			a := addr.As16()
			out = append(out, a[:]...)
		} else {
			a := addr.As4()
			out = append(out, a[:]...)
		}
		out = append(out, byte(p.Port()>>8), byte(p.Port()))
	}
	return out
}

func trackerFailureReason(err error) string {
	if errors.Is(err, tracker.ErrTrackerBusy) {
		return "tracker overloaded, retry later"
	}
	return err.Error()
}
