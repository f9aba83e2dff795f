package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sazanami-p2p/sazanami/internal/logging"
)

// DropPolicy selects what happens when a shard's inbound channel is full.
type DropPolicy string

const (
	// DropNewest discards the request that failed to enqueue.
	DropNewest DropPolicy = "newest"
	// DropOldest evicts the head of the queue and retries the enqueue once.
	DropOldest DropPolicy = "oldest"
)

// RejectPolicy selects the answer to a request carrying an invalid
// connection token.
type RejectPolicy string

const (
	// RejectSilent drops the request without a reply.
	RejectSilent RejectPolicy = "drop"
	// RejectError answers with an error response.
	RejectError RejectPolicy = "error"
)

// Config is the whole tracker configuration.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	UDP        UDPConfig        `yaml:"udp"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Connection ConnectionConfig `yaml:"connection"`
	AccessList AccessListConfig `yaml:"access_list"`
	HTTP       HTTPConfig       `yaml:"http"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// UDPConfig configures the UDP tracker engine.
type UDPConfig struct {
	// Addresses to bind. Family is inferred per address; responses always
	// use the family of the socket the request arrived on.
	ListenAddrs []string `yaml:"listen_addrs"`
	// SocketWorkers is the number of workers per bound address. Values
	// above 1 require SO_REUSEPORT support from the platform.
	SocketWorkers int `yaml:"socket_workers"`
	// StateWorkers is the shard count. The torrent space is partitioned
	// across exactly this many independently owned shards.
	StateWorkers int `yaml:"state_workers"`
	// RequestChannelSize is the capacity of each shard's inbound channel.
	RequestChannelSize int `yaml:"request_channel_size"`
	// ResponseChannelSize is the capacity of each socket worker's outbound
	// channel.
	ResponseChannelSize int `yaml:"response_channel_size"`
	// ReadBatch bounds the datagrams handled per wakeup before the worker
	// yields.
	ReadBatch int `yaml:"read_batch"`
	// DropPolicy applies when a shard channel is full.
	DropPolicy DropPolicy `yaml:"drop_policy"`
	// RejectPolicy applies to failed token validation.
	RejectPolicy RejectPolicy `yaml:"reject_policy"`
	// AllowIPOverride honours a nonzero ip field in IPv4 announces.
	AllowIPOverride bool `yaml:"allow_ip_override"`
	// MaxScrapeHashes bounds info-hashes per scrape request; longer
	// requests are decode errors.
	MaxScrapeHashes int `yaml:"max_scrape_hashes"`
}

// SwarmConfig configures swarm bookkeeping shared by all transports.
type SwarmConfig struct {
	// PeerIdleTimeout is how long a peer survives without re-announcing.
	PeerIdleTimeout time.Duration `yaml:"peer_idle_timeout"`
	// SweepInterval is the pause between expiry sweep slices.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SweepBatch bounds the torrents examined per sweep slice.
	SweepBatch int `yaml:"sweep_batch"`
	// AnnounceInterval is returned to clients as the re-announce period.
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	// DefaultNumWant applies when a client sends num_want = -1.
	DefaultNumWant int `yaml:"default_num_want"`
	// MaxNumWant clamps explicit num_want requests.
	MaxNumWant int `yaml:"max_num_want"`
}

// ConnectionConfig configures the anti-spoof connection tokens.
type ConnectionConfig struct {
	// BucketWidth is the token time-bucket width. A token stays valid for
	// the bucket it was issued in plus the following bucket.
	BucketWidth time.Duration `yaml:"bucket_width"`
}

// AccessListConfig configures the optional info-hash allow/deny list.
type AccessListConfig struct {
	// Mode is "none", "allow" or "deny".
	Mode string `yaml:"mode"`
	// Path points at a file of hex-encoded info-hashes, one per line.
	// The file is watched and reloaded on change.
	Path string `yaml:"path"`
}

// HTTPConfig configures the HTTP tracker frontend.
type HTTPConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	// ScrapeCacheTTL is how long bencoded scrape responses may be served
	// from cache. Zero disables the cache.
	ScrapeCacheTTL  time.Duration `yaml:"scrape_cache_ttl"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig configures the WebTorrent signaling frontend.
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	MaxClients      int           `yaml:"max_clients"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint and snapshot logging.
type MetricsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ListenAddr       string        `yaml:"listen_addr"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		UDP: UDPConfig{
			ListenAddrs:         []string{"0.0.0.0:6969"},
			SocketWorkers:       1,
			StateWorkers:        4,
			RequestChannelSize:  4096,
			ResponseChannelSize: 4096,
			ReadBatch:           64,
			DropPolicy:          DropNewest,
			RejectPolicy:        RejectError,
			AllowIPOverride:     false,
			MaxScrapeHashes:     70,
		},
		Swarm: SwarmConfig{
			PeerIdleTimeout:  45 * time.Minute,
			SweepInterval:    30 * time.Second,
			SweepBatch:       512,
			AnnounceInterval: 15 * time.Minute,
			DefaultNumWant:   50,
			MaxNumWant:       100,
		},
		Connection: ConnectionConfig{
			BucketWidth: 2 * time.Minute,
		},
		AccessList: AccessListConfig{
			Mode: "none",
		},
		HTTP: HTTPConfig{
			Enabled:         false,
			ListenAddr:      "0.0.0.0:6970",
			ScrapeCacheTTL:  30 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled:         false,
			ListenAddr:      "0.0.0.0:6971",
			MaxClients:      10000,
			MaxMessageSize:  64 * 1024,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			ListenAddr:       "127.0.0.1:9591",
			SnapshotInterval: time.Minute,
		},
	}
}

// Load reads a YAML config file on top of the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every field the workers rely on at startup.
func (c *Config) Validate() error {
	var errs error

	if len(c.UDP.ListenAddrs) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("udp.listen_addrs must not be empty"))
	}
	if c.UDP.SocketWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("udp.socket_workers must be >= 1"))
	}
	if c.UDP.StateWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("udp.state_workers must be >= 1"))
	}
	if c.UDP.RequestChannelSize < 1 || c.UDP.ResponseChannelSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("udp channel sizes must be >= 1"))
	}
	if c.UDP.ReadBatch < 1 {
		errs = multierr.Append(errs, fmt.Errorf("udp.read_batch must be >= 1"))
	}
	switch c.UDP.DropPolicy {
	case DropNewest, DropOldest:
	default:
		errs = multierr.Append(errs, fmt.Errorf("udp.drop_policy must be %q or %q", DropNewest, DropOldest))
	}
	switch c.UDP.RejectPolicy {
	case RejectSilent, RejectError:
	default:
		errs = multierr.Append(errs, fmt.Errorf("udp.reject_policy must be %q or %q", RejectSilent, RejectError))
	}
	if c.UDP.MaxScrapeHashes < 1 || c.UDP.MaxScrapeHashes > 74 {
		// 74 hashes is the most that fits a scrape response in 1480 bytes.
		errs = multierr.Append(errs, fmt.Errorf("udp.max_scrape_hashes must be in [1, 74]"))
	}

	if c.Swarm.PeerIdleTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("swarm.peer_idle_timeout must be positive"))
	}
	if c.Swarm.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("swarm.sweep_interval must be positive"))
	}
	if c.Swarm.SweepBatch < 1 {
		errs = multierr.Append(errs, fmt.Errorf("swarm.sweep_batch must be >= 1"))
	}
	if c.Swarm.AnnounceInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("swarm.announce_interval must be positive"))
	}
	if c.Swarm.DefaultNumWant < 0 || c.Swarm.MaxNumWant < 1 {
		errs = multierr.Append(errs, fmt.Errorf("swarm num_want bounds are invalid"))
	}
	if c.Swarm.DefaultNumWant > c.Swarm.MaxNumWant {
		errs = multierr.Append(errs, fmt.Errorf("swarm.default_num_want must not exceed swarm.max_num_want"))
	}

	if c.Connection.BucketWidth < time.Second {
		errs = multierr.Append(errs, fmt.Errorf("connection.bucket_width must be at least 1s"))
	}

	switch c.AccessList.Mode {
	case "", "none":
	case "allow", "deny":
		if c.AccessList.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("access_list.path is required in %q mode", c.AccessList.Mode))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("access_list.mode must be none, allow or deny"))
	}

	return errs
}
