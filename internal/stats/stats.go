// Package stats collects tracker counters and latency observations from
// every worker without blocking the hot path, and periodically emits a
// snapshot. Counters are cumulative and never reset on read.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Counters are the hot-path counters. Workers increment them with atomic
// adds; readers see a consistent-enough view without stopping writers.
type Counters struct {
	ConnectRequests  atomic.Uint64
	AnnounceRequests atomic.Uint64
	ScrapeRequests   atomic.Uint64

	ResponsesSent  atomic.Uint64
	ErrorResponses atomic.Uint64

	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64

	DecodeErrors    atomic.Uint64
	TokenFailures   atomic.Uint64
	RequestsDropped atomic.Uint64
	SendErrors      atomic.Uint64

	HTTPAnnounces atomic.Uint64
	HTTPScrapes   atomic.Uint64
	WSAnnounces   atomic.Uint64
}

// ShardGauges is the per-shard state published by its owning worker after
// each sweep pass, so readers never touch shard maps.
type ShardGauges struct {
	Torrents atomic.Int64
	Peers    atomic.Int64
}

// Snapshot is a point-in-time copy of everything the aggregator tracks.
type Snapshot struct {
	InstanceID string
	Taken      time.Time

	ConnectRequests  uint64
	AnnounceRequests uint64
	ScrapeRequests   uint64
	ResponsesSent    uint64
	ErrorResponses   uint64
	BytesIn          uint64
	BytesOut         uint64
	DecodeErrors     uint64
	TokenFailures    uint64
	RequestsDropped  uint64
	SendErrors       uint64

	Torrents int64
	Peers    int64
}

// Aggregator owns the counters, the per-shard gauges and the Prometheus
// registry. One instance per process.
type Aggregator struct {
	logger     *zap.Logger
	instanceID string

	Counters Counters
	shards   []*ShardGauges

	registry *prometheus.Registry
	latency  prometheus.Histogram
}

// NewAggregator builds the aggregator for the given shard count.
func NewAggregator(logger *zap.Logger, shards int) *Aggregator {
	a := &Aggregator{
		logger:     logger,
		instanceID: uuid.NewString(),
		shards:     make([]*ShardGauges, shards),
		registry:   prometheus.NewRegistry(),
	}
	for i := range a.shards {
		a.shards[i] = &ShardGauges{}
	}

	a.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sazanami",
		Subsystem: "udp",
		Name:      "request_duration_seconds",
		Help:      "Time from datagram receipt to response send.",
		Buckets:   prometheus.ExponentialBuckets(10e-6, 2, 16),
	})
	a.registry.MustRegister(a.latency)
	a.registerCounters()

	return a
}

// InstanceID identifies this process in logs and snapshots.
func (a *Aggregator) InstanceID() string { return a.instanceID }

// Registry exposes the Prometheus registry for the metrics endpoint.
func (a *Aggregator) Registry() *prometheus.Registry { return a.registry }

// Shard returns the gauge set owned by one state worker.
func (a *Aggregator) Shard(i int) *ShardGauges { return a.shards[i] }

// ObserveLatency records one request's receipt-to-send duration.
func (a *Aggregator) ObserveLatency(d time.Duration) {
	a.latency.Observe(d.Seconds())
}

// TakeSnapshot copies the current counter values. Increments that land
// mid-copy show up in the next snapshot; nothing is lost because counters
// are cumulative.
func (a *Aggregator) TakeSnapshot() Snapshot {
	s := Snapshot{
		InstanceID:       a.instanceID,
		Taken:            time.Now(),
		ConnectRequests:  a.Counters.ConnectRequests.Load(),
		AnnounceRequests: a.Counters.AnnounceRequests.Load(),
		ScrapeRequests:   a.Counters.ScrapeRequests.Load(),
		ResponsesSent:    a.Counters.ResponsesSent.Load(),
		ErrorResponses:   a.Counters.ErrorResponses.Load(),
		BytesIn:          a.Counters.BytesIn.Load(),
		BytesOut:         a.Counters.BytesOut.Load(),
		DecodeErrors:     a.Counters.DecodeErrors.Load(),
		TokenFailures:    a.Counters.TokenFailures.Load(),
		RequestsDropped:  a.Counters.RequestsDropped.Load(),
		SendErrors:       a.Counters.SendErrors.Load(),
	}
	for _, g := range a.shards {
		s.Torrents += g.Torrents.Load()
		s.Peers += g.Peers.Load()
	}
	return s
}

// Run emits a snapshot log line every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.TakeSnapshot()
			a.logger.Info("tracker snapshot",
				zap.String("instance", s.InstanceID),
				zap.Uint64("connect", s.ConnectRequests),
				zap.Uint64("announce", s.AnnounceRequests),
				zap.Uint64("scrape", s.ScrapeRequests),
				zap.Uint64("responses", s.ResponsesSent),
				zap.Uint64("decode_errors", s.DecodeErrors),
				zap.Uint64("token_failures", s.TokenFailures),
				zap.Uint64("dropped", s.RequestsDropped),
				zap.Int64("torrents", s.Torrents),
				zap.Int64("peers", s.Peers),
				zap.String("in", humanize.Bytes(s.BytesIn)),
				zap.String("out", humanize.Bytes(s.BytesOut)),
			)
		}
	}
}

func (a *Aggregator) registerCounters() {
	counter := func(name, help string, v *atomic.Uint64) {
		a.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sazanami",
			Subsystem: "udp",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) }))
	}

	counter("connect_requests_total", "Connect requests handled.", &a.Counters.ConnectRequests)
	counter("announce_requests_total", "Announce requests routed to shards.", &a.Counters.AnnounceRequests)
	counter("scrape_requests_total", "Scrape requests routed to shards.", &a.Counters.ScrapeRequests)
	counter("responses_sent_total", "Responses written to sockets.", &a.Counters.ResponsesSent)
	counter("error_responses_total", "Error responses written to sockets.", &a.Counters.ErrorResponses)
	counter("bytes_in_total", "Datagram bytes received.", &a.Counters.BytesIn)
	counter("bytes_out_total", "Datagram bytes sent.", &a.Counters.BytesOut)
	counter("decode_errors_total", "Datagrams dropped as undecodable.", &a.Counters.DecodeErrors)
	counter("token_failures_total", "Requests with an invalid connection token.", &a.Counters.TokenFailures)
	counter("requests_dropped_total", "Requests dropped on full shard channels.", &a.Counters.RequestsDropped)
	counter("send_errors_total", "Transient socket send failures.", &a.Counters.SendErrors)

	transport := func(subsystem, name, help string, v *atomic.Uint64) {
		a.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sazanami",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) }))
	}
	transport("http", "announces_total", "Announces served over HTTP.", &a.Counters.HTTPAnnounces)
	transport("http", "scrapes_total", "Scrapes served over HTTP.", &a.Counters.HTTPScrapes)
	transport("ws", "announces_total", "Announces served over WebSocket.", &a.Counters.WSAnnounces)

	a.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sazanami",
		Name:      "torrents",
		Help:      "Live swarms across all shards.",
	}, func() float64 {
		var n int64
		for _, g := range a.shards {
			n += g.Torrents.Load()
		}
		return float64(n)
	}))
	a.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sazanami",
		Name:      "peers",
		Help:      "Peers across all shards.",
	}, func() float64 {
		var n int64
		for _, g := range a.shards {
			n += g.Peers.Load()
		}
		return float64(n)
	}))
}
