package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/utils"
)

// Config represents the configuration of the routemesh daemon
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Bandwidth BandwidthConfig `yaml:"bandwidth"`
	Routing   RoutingConfig   `yaml:"routing"`
	Retry     RetryConfig     `yaml:"retry"`
	DNS       DNSConfig       `yaml:"dns"`
}

type NodeConfig struct {
	// ID is generated and persisted in StateFile when empty
	ID        string `yaml:"id"`
	Hostname  string `yaml:"hostname"`
	StateFile string `yaml:"state_file"`
}

type ServerConfig struct {
	BindAddress        string  `yaml:"bind_address"`
	Port               int     `yaml:"port"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

type DiscoveryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	PeerTimeout      time.Duration `yaml:"peer_timeout"`
	OfflineRetention time.Duration `yaml:"offline_retention"`
	MulticastGroup   string        `yaml:"multicast_group"`
	MulticastPort    int           `yaml:"multicast_port"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	GossipCacheSize  int           `yaml:"gossip_cache_size"`
	GossipRefresh    bool          `yaml:"gossip_refresh"`
	// PeerBindAddress and PeerPort are the listener peers pull from and
	// open bandwidth endpoints on. It is advertised in announcements.
	PeerBindAddress string `yaml:"peer_bind_address"`
	PeerPort        int    `yaml:"peer_port"`
	// WireGuardSeeds and VPNScan send unicast announcements to peers
	// outside the multicast domain
	WireGuardSeeds bool          `yaml:"wireguard_seeds"`
	VPNScan        bool          `yaml:"vpn_scan"`
	SeedInterval   time.Duration `yaml:"seed_interval"`
}

type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Jitter           float64       `yaml:"jitter"`
	ProbePort        int           `yaml:"probe_port"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

type BandwidthConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	Port            int           `yaml:"port"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

type RoutingConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// StaticFile replaces the OS routing table with a YAML route list
	StaticFile string `yaml:"static_file"`
	Watch      bool   `yaml:"watch"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type DNSConfig struct {
	// Servers are host or host:port; empty means /etc/resolv.conf
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewDefaultConfig creates a new config with default values
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Node: NodeConfig{
			StateFile: DefaultStateFile,
		},
		Server: ServerConfig{
			BindAddress:        "127.0.0.1",
			Port:               8080,
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
		},
		Discovery: DiscoveryConfig{
			Enabled:          true,
			Interval:         30 * time.Second,
			PeerTimeout:      90 * time.Second,
			OfflineRetention: 10 * time.Minute,
			MulticastGroup:   "239.255.42.1",
			MulticastPort:    5678,
			ReapInterval:     10 * time.Second,
			GossipCacheSize:  1024,
			GossipRefresh:    true,
			PeerBindAddress:  "0.0.0.0",
			PeerPort:         8081,
			SeedInterval:     5 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:          true,
			PingInterval:     60 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 3,
			Jitter:           0.2,
			ProbePort:        5679,
			MaxConcurrent:    64,
		},
		Bandwidth: BandwidthConfig{
			DefaultDuration: 10 * time.Second,
			MaxDuration:     60 * time.Second,
			Port:            9090,
			MaxConcurrent:   4,
		},
		Routing: RoutingConfig{
			RefreshInterval: 60 * time.Second,
			Watch:           true,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
		DNS: DNSConfig{
			Timeout: 2 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path or a
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the config for values the daemon cannot run with
func (c *Config) Validate() error {
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if net.ParseIP(c.Server.BindAddress) == nil {
		return fmt.Errorf("invalid server.bind_address: %q", c.Server.BindAddress)
	}
	if c.Server.RateLimitPerSecond <= 0 || c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server rate limit must be positive")
	}

	d := c.Discovery
	if d.Interval <= 0 || d.ReapInterval <= 0 || d.OfflineRetention <= 0 {
		return fmt.Errorf("discovery intervals must be positive")
	}
	if d.PeerTimeout <= d.Interval {
		return fmt.Errorf("discovery.peer_timeout (%s) must exceed discovery.interval (%s)", d.PeerTimeout, d.Interval)
	}
	group, err := netip.ParseAddr(d.MulticastGroup)
	if err != nil || !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("discovery.multicast_group %q is not an IPv4 multicast address", d.MulticastGroup)
	}
	if err := validPort("discovery.multicast_port", d.MulticastPort); err != nil {
		return err
	}
	if d.GossipCacheSize <= 0 {
		return fmt.Errorf("discovery.gossip_cache_size must be positive")
	}
	if (d.WireGuardSeeds || d.VPNScan) && d.SeedInterval <= 0 {
		return fmt.Errorf("discovery.seed_interval must be positive")
	}
	peerIP, err := netip.ParseAddr(d.PeerBindAddress)
	if err != nil {
		return fmt.Errorf("invalid discovery.peer_bind_address: %q", d.PeerBindAddress)
	}
	if d.Enabled && peerIP.IsLoopback() {
		return fmt.Errorf("discovery.peer_bind_address %s is loopback, peers could not reach it", d.PeerBindAddress)
	}
	if err := validPort("discovery.peer_port", d.PeerPort); err != nil {
		return err
	}
	if d.PeerPort == c.Server.Port && d.PeerBindAddress != c.Server.BindAddress {
		return fmt.Errorf("discovery.peer_port %d is taken by server.port on %s", d.PeerPort, c.Server.BindAddress)
	}

	h := c.Health
	if h.PingInterval <= 0 || h.ProbeTimeout <= 0 {
		return fmt.Errorf("health intervals must be positive")
	}
	if h.FailureThreshold <= 0 || h.MaxConcurrent <= 0 {
		return fmt.Errorf("health.failure_threshold and health.max_concurrent must be positive")
	}
	if h.Jitter < 0 || h.Jitter >= 1 {
		return fmt.Errorf("health.jitter must be in [0,1), got %v", h.Jitter)
	}
	if err := validPort("health.probe_port", h.ProbePort); err != nil {
		return err
	}

	b := c.Bandwidth
	if b.DefaultDuration <= 0 || b.MaxDuration <= 0 {
		return fmt.Errorf("bandwidth durations must be positive")
	}
	if b.DefaultDuration > b.MaxDuration {
		return fmt.Errorf("bandwidth.default_duration (%s) exceeds bandwidth.max_duration (%s)", b.DefaultDuration, b.MaxDuration)
	}
	if err := validPort("bandwidth.port", b.Port); err != nil {
		return err
	}
	if b.MaxConcurrent <= 0 {
		return fmt.Errorf("bandwidth.max_concurrent must be positive")
	}

	if c.Routing.RefreshInterval <= 0 {
		return fmt.Errorf("routing.refresh_interval must be positive")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.InitialDelay <= 0 || c.Retry.Multiplier < 1 {
		return fmt.Errorf("invalid retry settings")
	}
	if _, err := NormalizeDNSServers(c.DNS.Servers); err != nil {
		return err
	}
	if c.DNS.Timeout <= 0 {
		return fmt.Errorf("dns.timeout must be positive")
	}
	return nil
}

// Backoff converts the retry section for utils.Retry
func (c *Config) Backoff() utils.Backoff {
	return utils.Backoff{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       utils.DefaultBackoff.Jitter,
	}
}

// ListenAddress is the HTTP listen address
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.Port))
}

// PeerListenAddress is the address the peer routes are served on
func (c *Config) PeerListenAddress() string {
	return net.JoinHostPort(c.Discovery.PeerBindAddress, strconv.Itoa(c.Discovery.PeerPort))
}

// ApplyEnv overrides values from ROUTEMESH_* environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	intVar := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := parseSecondsOrDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flagVar := func(name string, dst *bool, value bool) {
		if v, ok := lookup(name); ok {
			set, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			if set {
				*dst = value
			}
		}
	}

	if v, ok := lookup("ROUTEMESH_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	intVar("ROUTEMESH_PORT", &c.Server.Port)
	intVar("ROUTEMESH_PEER_PORT", &c.Discovery.PeerPort)
	if v, ok := lookup("ROUTEMESH_PEER_BIND_ADDRESS"); ok {
		c.Discovery.PeerBindAddress = v
	}
	durVar("ROUTEMESH_DISCOVERY_INTERVAL", &c.Discovery.Interval)
	durVar("ROUTEMESH_PEER_TIMEOUT", &c.Discovery.PeerTimeout)
	durVar("ROUTEMESH_PING_INTERVAL", &c.Health.PingInterval)
	durVar("ROUTEMESH_BANDWIDTH_DURATION", &c.Bandwidth.DefaultDuration)
	intVar("ROUTEMESH_BANDWIDTH_PORT", &c.Bandwidth.Port)
	flagVar("ROUTEMESH_NO_DISCOVERY", &c.Discovery.Enabled, false)
	flagVar("ROUTEMESH_NO_PING", &c.Health.Enabled, false)
	flagVar("ROUTEMESH_WIREGUARD_SEEDS", &c.Discovery.WireGuardSeeds, true)
	flagVar("ROUTEMESH_VPN_SCAN", &c.Discovery.VPNScan, true)
	return multierr.Combine(errs...)
}

// parseSecondsOrDuration accepts "30" as seconds as well as "30s"
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}
