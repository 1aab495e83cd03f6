package engine

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of the engine, connection manager, and
// announcer. Zero-valued fields are filled in from DefaultConfig by
// LoadConfig when a config file is absent or incomplete.
type Config struct {
	// ListenPort is the TCP port the connection manager's listener binds
	// to on 0.0.0.0.
	ListenPort int `yaml:"listen_port"`

	// MaxTotalConnections caps established sessions plus outgoing dials
	// that have not yet completed their handshake, across all torrents.
	MaxTotalConnections int `yaml:"max_total_connections"`
	// MaxConnectionsPerTorrent caps the same count for a single torrent.
	MaxConnectionsPerTorrent int `yaml:"max_connections_per_torrent"`

	// KeepAliveInterval is the nominal keep-alive period. With grace =
	// KeepAliveTimeout - KeepAliveInterval, the connection manager enqueues
	// a keep-alive once nothing has been sent for KeepAliveInterval - grace
	// (110s with the defaults).
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// KeepAliveTimeout is how long since the last received byte before a
	// connection is considered dead.
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
	// HandshakeTimeout bounds how long an outgoing dial's TCP connect may
	// take. The handshake exchange that follows has no timeout of its own.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// PeerSnubTimeout is how long a requested block may go undelivered
	// before its session is marked snubbed (§4.8.7 supplemental feature).
	PeerSnubTimeout time.Duration `yaml:"peer_snub_timeout"`
	// StatsTickInterval is the period of the Engine's own timer, which ages
	// the per-torrent speed averages and checks for snubbed sessions. The
	// connection manager's stats tick is fixed at one second.
	StatsTickInterval time.Duration `yaml:"stats_tick_interval"`
}

// DefaultConfig matches spec.md §6's defaults plus the timing knobs its
// prose implies (120s keep-alive interval, ±10s grace).
var DefaultConfig = Config{
	ListenPort:               27007,
	MaxTotalConnections:      100,
	MaxConnectionsPerTorrent: 10,
	KeepAliveInterval:        120 * time.Second,
	KeepAliveTimeout:         130 * time.Second,
	HandshakeTimeout:         30 * time.Second,
	PeerSnubTimeout:          30 * time.Second,
	StatsTickInterval:        time.Second,
}

// LoadConfig reads filename as YAML over a DefaultConfig base; a missing
// file is not an error; it yields DefaultConfig unchanged.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
