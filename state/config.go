package state

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// ErrConfig wraps any malformed-config condition. Fatal at startup.
var ErrConfig = errors.New("config error")

// Duration is a time.Duration that round-trips through yaml as a string like
// "2s" or "500ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the node-local configuration file.
type Config struct {
	ListenAddress     string           `yaml:"listen_address,omitempty"`
	SeedPeers         []netip.AddrPort `yaml:"seed_peers,omitempty"`
	HeartbeatInterval Duration         `yaml:"heartbeat_interval,omitempty"`
	GossipInterval    Duration         `yaml:"gossip_interval,omitempty"`
	RouteTTL          Duration         `yaml:"route_ttl,omitempty"`
	RelayEnabled      *bool            `yaml:"relay_enabled,omitempty"`
	KeyPath           string           `yaml:"key_path,omitempty"`
	LogPath           string           `yaml:"log_path,omitempty"`
	TopologyCachePath string           `yaml:"topology_cache_path,omitempty"`
	IPCPath           string           `yaml:"ipc_path,omitempty"`
	// KnownPeers optionally pins peer public keys ahead of first contact.
	KnownPeers []WeftPublicKey `yaml:"known_peers,omitempty"`
}

func DefaultConfig() Config {
	relay := true
	return Config{
		ListenAddress:     fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		HeartbeatInterval: Duration(HeartbeatInterval),
		GossipInterval:    Duration(GossipInterval),
		RouteTTL:          Duration(RouteExpiryTime),
		RelayEnabled:      &relay,
		KeyPath:           DefaultKeyPath,
		IPCPath:           DefaultIPCPath,
	}
}

var (
	DefaultConfigPath = "/etc/weft/config.yaml"
	DefaultKeyPath    = "/etc/weft/identity.key"
	DefaultIPCPath    = "/var/run/weft.sock"
)

// LoadConfig reads the config file at path. A missing file falls back to
// defaults; a malformed file is a fatal startup error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if err := ConfigValidator(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes cfg back to path, used by `weft connect`.
func SaveConfig(path string, cfg Config) error {
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

func ConfigValidator(cfg *Config) error {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	}
	if _, err := netip.ParseAddrPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("%w: invalid listen_address %q: %v", ErrConfig, cfg.ListenAddress, err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = Duration(HeartbeatInterval)
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = Duration(GossipInterval)
	}
	if cfg.GossipInterval < cfg.HeartbeatInterval {
		return fmt.Errorf("%w: gossip_interval must not be shorter than heartbeat_interval", ErrConfig)
	}
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = Duration(RouteExpiryTime)
	}
	if cfg.RelayEnabled == nil {
		relay := true
		cfg.RelayEnabled = &relay
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = DefaultKeyPath
	}
	if cfg.IPCPath == "" {
		cfg.IPCPath = DefaultIPCPath
	}
	for _, seed := range cfg.SeedPeers {
		if !seed.IsValid() {
			return fmt.Errorf("%w: invalid seed peer %s", ErrConfig, seed)
		}
	}
	return nil
}

func (c *Config) Relay() bool {
	return c.RelayEnabled != nil && *c.RelayEnabled
}
