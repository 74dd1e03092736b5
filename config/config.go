package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fosrl/relay/relay"
)

const (
	DefaultListenAddr    = "127.0.0.1:31416"
	DefaultAdminAddr     = "127.0.0.1:2112"
	DefaultLogLevel      = "INFO"
	DefaultSweepInterval = time.Second
)

// Config is the on-disk configuration. Every field has a usable default so
// the relay runs with no config file at all.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	AdminAddr     string        `yaml:"admin_addr"`
	LogLevel      string        `yaml:"log_level"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Buffers  Buffers   `yaml:"buffers"`
	Timeouts Timeouts  `yaml:"timeouts"`
	Rewrites []Rewrite `yaml:"rewrites"`
}

// Buffers sets the per-flow and per-client buffer budgets in bytes.
type Buffers struct {
	DatagramBytes int `yaml:"datagram_bytes"`
	StreamBytes   int `yaml:"stream_bytes"`
	ClientBytes   int `yaml:"client_bytes"`
}

// Timeouts sets the idle thresholds after which a flow is swept.
type Timeouts struct {
	Icmp time.Duration `yaml:"icmp"`
	Udp  time.Duration `yaml:"udp"`
	Tcp  time.Duration `yaml:"tcp"`
}

// Rewrite redirects destinations within Prefix to Target.
type Rewrite struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

// Default returns the stock configuration.
func Default() Config {
	defaults := relay.DefaultSettings()
	return Config{
		ListenAddr:    DefaultListenAddr,
		AdminAddr:     DefaultAdminAddr,
		LogLevel:      DefaultLogLevel,
		SweepInterval: DefaultSweepInterval,
		Buffers: Buffers{
			DatagramBytes: defaults.DatagramBufferCapacity,
			StreamBytes:   defaults.StreamBufferCapacity,
			ClientBytes:   defaults.ClientBufferCapacity,
		},
		Timeouts: Timeouts{
			Icmp: defaults.IcmpIdleTimeout,
			Udp:  defaults.UdpIdleTimeout,
			Tcp:  defaults.TcpIdleTimeout,
		},
	}
}

// Load reads the YAML file at path, overlays environment variables, and
// validates the result. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the environment variables that make sense to flip per
// deployment without editing the file.
//
//	RELAY_LISTEN_ADDR
//	RELAY_ADMIN_ADDR
//	RELAY_LOG_LEVEL
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("RELAY_ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.Buffers.DatagramBytes <= 0 || c.Buffers.StreamBytes <= 0 || c.Buffers.ClientBytes <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if c.Timeouts.Icmp <= 0 || c.Timeouts.Udp <= 0 || c.Timeouts.Tcp <= 0 {
		return fmt.Errorf("idle timeouts must be positive")
	}
	for _, r := range c.Rewrites {
		if _, err := netip.ParsePrefix(r.Prefix); err != nil {
			return fmt.Errorf("rewrite prefix %q: %w", r.Prefix, err)
		}
		if _, err := netip.ParseAddr(r.Target); err != nil {
			return fmt.Errorf("rewrite target %q: %w", r.Target, err)
		}
	}
	return nil
}

// ListenAddrPort returns the validated tunnel listen address.
func (c *Config) ListenAddrPort() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(c.ListenAddr)
	return ap
}

// Settings converts the file form into the relay's runtime settings.
func (c *Config) Settings() *relay.Settings {
	rules := make([]relay.RewriteRule, 0, len(c.Rewrites))
	for _, r := range c.Rewrites {
		prefix, _ := netip.ParsePrefix(r.Prefix)
		target, _ := netip.ParseAddr(r.Target)
		rules = append(rules, relay.RewriteRule{Prefix: prefix, Target: target})
	}
	return &relay.Settings{
		DatagramBufferCapacity: c.Buffers.DatagramBytes,
		StreamBufferCapacity:   c.Buffers.StreamBytes,
		ClientBufferCapacity:   c.Buffers.ClientBytes,
		IcmpIdleTimeout:        c.Timeouts.Icmp,
		UdpIdleTimeout:         c.Timeouts.Udp,
		TcpIdleTimeout:         c.Timeouts.Tcp,
		RewriteRules:           rules,
	}
}
