package httptracker

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/tracker"
)

func newTestFrontend(t *testing.T, cacheTTL time.Duration) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.UDP.ListenAddrs = []string{"127.0.0.1:0"}
	cfg.UDP.StateWorkers = 2
	cfg.HTTP.ScrapeCacheTTL = cacheTTL

	logger := zaptest.NewLogger(t)
	agg := stats.NewAggregator(logger, cfg.UDP.StateWorkers)
	access, err := accesslist.New(logger, accesslist.ModeNone, "")
	require.NoError(t, err)

	engine, err := tracker.NewServer(logger, cfg, agg, access)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-runDone)
	})

	s, err := NewServer(logger, cfg.HTTP, cfg.UDP.MaxScrapeHashes, engine, agg)
	require.NoError(t, err)
	return s
}

const (
	hashA  = "aaaaaaaaaaaaaaaaaaaa"
	peerA  = "-SZ0100-aaaaaaaaaaaa"
	peerB  = "-SZ0100-bbbbbbbbbbbb"
	hashZZ = "zzzzzzzzzzzzzzzzzzzz"
)

func announceURL(hash, peer string, port int, extra url.Values) string {
	q := url.Values{}
	q.Set("info_hash", hash)
	q.Set("peer_id", peer)
	q.Set("port", strconv.Itoa(port))
	q.Set("left", "0")
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	return "/announce?" + q.Encode()
}

func announce(t *testing.T, s *Server, target string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	s.handleAnnounce(rec, req)
	return decodeBody(t, rec)
}

func scrape(t *testing.T, s *Server, target string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	s.handleScrape(rec, req)
	return decodeBody(t, rec)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	require.Equal(t, 200, rec.Code)
	decoded, err := bencode.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	body, ok := decoded.(map[string]interface{})
	require.True(t, ok, "expected a bencoded dictionary")
	return body
}

func TestAnnounceReturnsCompactPeers(t *testing.T) {
	s := newTestFrontend(t, 0)

	first := announce(t, s, announceURL(hashA, peerA, 7001, url.Values{"event": {"started"}}))
	assert.NotContains(t, first, "failure reason")
	assert.EqualValues(t, 1, first["complete"])
	assert.EqualValues(t, 0, first["incomplete"])
	assert.NotZero(t, first["interval"])
	assert.Empty(t, first["peers"], "first peer sees nobody")

	second := announce(t, s, announceURL(hashA, peerB, 7002,
		url.Values{"event": {"started"}, "left": {"4000"}, "numwant": {"10"}}))
	assert.EqualValues(t, 1, second["complete"])
	assert.EqualValues(t, 1, second["incomplete"])

	peers, ok := second["peers"].(string)
	require.True(t, ok, "expected compact peers string")
	require.Len(t, peers, 6)
	// httptest requests arrive from 192.0.2.1; the announced port is 7001.
	assert.Equal(t, "\xc0\x00\x02\x01", peers[:4])
	assert.Equal(t, uint16(7001), uint16(peers[4])<<8|uint16(peers[5]))
}

func TestAnnounceRejectsBadParams(t *testing.T) {
	s := newTestFrontend(t, 0)

	cases := []struct {
		name   string
		target string
	}{
		{"short info_hash", announceURL("tooshort", peerA, 7001, nil)},
		{"short peer_id", announceURL(hashA, "x", 7001, nil)},
		{"zero port", announceURL(hashA, peerA, 0, nil)},
		{"bad event", announceURL(hashA, peerA, 7001, url.Values{"event": {"paused"}})},
		{"bad numwant", announceURL(hashA, peerA, 7001, url.Values{"numwant": {"many"}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := announce(t, s, tc.target)
			assert.Contains(t, body, "failure reason")
		})
	}
}

func TestScrapeReportsCounts(t *testing.T) {
	s := newTestFrontend(t, 0)

	announce(t, s, announceURL(hashA, peerA, 7001, url.Values{"event": {"started"}}))

	q := url.Values{}
	q.Add("info_hash", hashA)
	q.Add("info_hash", hashZZ)
	body := scrape(t, s, "/scrape?"+q.Encode())

	files, ok := body["files"].(map[string]interface{})
	require.True(t, ok)

	known, ok := files[hashA].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, known["complete"])
	assert.EqualValues(t, 0, known["incomplete"])

	unknown, ok := files[hashZZ].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 0, unknown["complete"])
}

func TestScrapeRequiresInfoHash(t *testing.T) {
	s := newTestFrontend(t, 0)
	body := scrape(t, s, "/scrape")
	assert.Contains(t, body, "failure reason")
}

func TestScrapeCacheServesRepeatQueries(t *testing.T) {
	s := newTestFrontend(t, 30*time.Second)

	announce(t, s, announceURL(hashA, peerA, 7001, url.Values{"event": {"started"}}))

	target := "/scrape?" + url.Values{"info_hash": {hashA}}.Encode()
	first := scrape(t, s, target)
	require.NotNil(t, s.scrapeCache)
	assert.Equal(t, 1, s.scrapeCache.Len())

	// A second seeder joins, but the cached answer is still served.
	announce(t, s, announceURL(hashA, peerB, 7002, url.Values{"event": {"started"}}))
	second := scrape(t, s, target)
	assert.Equal(t, first, second)
}
