// Package config loads server profiles from a YAML file, with environment
// variable overrides for the settings that commonly differ per machine.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/rcoder/rcoder"
)

const (
	defaultPort               = 443
	defaultTimeoutSeconds     = 60
	defaultRestartWaitSeconds = 60
	defaultMonitoringSeconds  = 30
)

// Config is the top-level configuration file shape.
type Config struct {
	// DefaultServer names the profile used when a command does not name
	// one.
	DefaultServer string `yaml:"default_server"`

	Servers map[string]ServerConfig `yaml:"servers"`
}

// ServerConfig is one server entry as written in the file. Durations are
// plain seconds.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	UseHTTPSDisguise bool   `yaml:"use_https_disguise"`

	// ProxyServer is the single-hop shorthand; ProxyChain wins when both
	// are set.
	ProxyServer *ProxyAddr  `yaml:"proxy_server"`
	ProxyChain  []ProxyAddr `yaml:"proxy_chain"`

	TimeoutSeconds            int `yaml:"timeout_seconds"`
	RestartMaxWaitSeconds     int `yaml:"restart_max_wait_seconds"`
	MonitoringIntervalSeconds int `yaml:"monitoring_interval_seconds"`
}

// ProxyAddr is a relay address. In YAML it may be written either as a
// mapping {host: h, port: p} or as a two-element [host, port] tuple.
type ProxyAddr struct {
	Host string
	Port int
}

func (p *ProxyAddr) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var tuple []yaml.Node
		if err := value.Decode(&tuple); err != nil {
			return err
		}
		if len(tuple) != 2 {
			return fmt.Errorf("proxy address tuple must be [host, port], got %d elements", len(tuple))
		}
		if err := tuple[0].Decode(&p.Host); err != nil {
			return fmt.Errorf("proxy address host: %w", err)
		}
		if err := tuple[1].Decode(&p.Port); err != nil {
			return fmt.Errorf("proxy address port: %w", err)
		}
		return nil
	case yaml.MappingNode:
		var m struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		}
		if err := value.Decode(&m); err != nil {
			return err
		}
		p.Host = m.Host
		p.Port = m.Port
		return nil
	default:
		return fmt.Errorf("proxy address must be a [host, port] tuple or a mapping")
	}
}

// envOverrides are settings that override the file through the
// environment, prefixed RCODER_ (e.g. RCODER_DEFAULT_SERVER).
type envOverrides struct {
	DefaultServer string `envconfig:"DEFAULT_SERVER"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML and applies environment overrides.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("rcoder", &env); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if env.DefaultServer != "" {
		cfg.DefaultServer = env.DefaultServer
	}

	for name, sc := range cfg.Servers {
		if sc.Host == "" {
			return nil, fmt.Errorf("server %q: host is required", name)
		}
	}
	if cfg.DefaultServer != "" {
		if _, ok := cfg.Servers[cfg.DefaultServer]; !ok {
			return nil, fmt.Errorf("default server %q is not defined", cfg.DefaultServer)
		}
	}
	return &cfg, nil
}

// Profile resolves one server entry into a fully defaulted profile.
func (c *Config) Profile(name string) (rcoder.ServerProfile, error) {
	if name == "" {
		name = c.DefaultServer
	}
	sc, ok := c.Servers[name]
	if !ok {
		return rcoder.ServerProfile{}, fmt.Errorf("unknown server %q", name)
	}

	p := rcoder.ServerProfile{
		Name:               name,
		Host:               sc.Host,
		Port:               withDefault(sc.Port, defaultPort),
		UseHTTPSDisguise:   sc.UseHTTPSDisguise,
		Timeout:            time.Duration(withDefault(sc.TimeoutSeconds, defaultTimeoutSeconds)) * time.Second,
		RestartMaxWait:     time.Duration(withDefault(sc.RestartMaxWaitSeconds, defaultRestartWaitSeconds)) * time.Second,
		MonitoringInterval: time.Duration(withDefault(sc.MonitoringIntervalSeconds, defaultMonitoringSeconds)) * time.Second,
	}

	chain := sc.ProxyChain
	if len(chain) == 0 && sc.ProxyServer != nil {
		chain = []ProxyAddr{*sc.ProxyServer}
	}
	for _, hop := range chain {
		p.ProxyChain = append(p.ProxyChain, rcoder.HostPort{Host: hop.Host, Port: hop.Port})
	}
	return p, nil
}

// Profiles resolves every configured server, sorted by name.
func (c *Config) Profiles() ([]rcoder.ServerProfile, error) {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]rcoder.ServerProfile, 0, len(names))
	for _, name := range names {
		p, err := c.Profile(name)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
