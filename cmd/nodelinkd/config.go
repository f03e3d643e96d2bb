package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/relaymesh/nodelink/wire"
)

// CloudConfig configures the Master's command-bridge connection to the
// cloud queue. An empty URL disables the bridge entirely.
type CloudConfig struct {
	URL         string           `yaml:"url"`
	BearerToken string           `yaml:"bearer_token"`
	APIKey      string           `yaml:"apikey"`
	DeviceID    string           `yaml:"device_id"`
	RelayMap    map[uint8]string `yaml:"relay_map"` // relay index -> peer address
}

// Config is the daemon configuration, read from YAML with flags layered on
// top.
type Config struct {
	Role           string        `yaml:"role"` // "master" or "slave"
	DeviceName     string        `yaml:"device_name"`
	Address        string        `yaml:"address"` // colon-hex 6-byte radio address
	Channel        uint8         `yaml:"channel"`
	StatePath      string        `yaml:"state_path"` // ini-backed persistent store
	TransportPort  int           `yaml:"transport_port"`
	MonitoringPort int           `yaml:"monitoring_port"`
	SerialPort     string        `yaml:"serial_port"` // optional operator console port
	ScrapeInterval time.Duration `yaml:"scrape_interval"`
	Cloud          CloudConfig   `yaml:"cloud"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		Role:           "slave",
		DeviceName:     "nodelink",
		Channel:        1,
		StatePath:      "/var/lib/nodelink/state.ini",
		TransportPort:  7000,
		MonitoringPort: 4269,
		ScrapeInterval: 10 * time.Second,
	}
}

// ReadConfig reads a Config from a YAML file, layered over defaults.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.Role != "master" && c.Role != "slave" {
		return fmt.Errorf("role must be %q or %q, got %q", "master", "slave", c.Role)
	}
	if c.Channel < 1 || c.Channel > 13 {
		return fmt.Errorf("channel must be in 1..13, got %d", c.Channel)
	}
	if _, err := parseAddress(c.Address); err != nil {
		return err
	}
	return nil
}

// parseAddress parses a colon-hex radio address ("02:11:22:33:44:55").
func parseAddress(s string) (wire.Address, error) {
	var a wire.Address
	parts := strings.Split(s, ":")
	if len(parts) != wire.AddressLen {
		return a, fmt.Errorf("address %q: want %d colon-separated bytes", s, wire.AddressLen)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return a, fmt.Errorf("address %q: bad byte %q", s, p)
		}
		a[i] = b[0]
	}
	return a, nil
}

// relayMap resolves the configured relay_map addresses (SPEC_FULL §7.3:
// explicit per-relay peer mapping, broadcast fallback for unmapped rows).
func (c *Config) relayMap() (map[uint8]wire.Address, error) {
	if len(c.Cloud.RelayMap) == 0 {
		return nil, nil
	}
	out := make(map[uint8]wire.Address, len(c.Cloud.RelayMap))
	for idx, addr := range c.Cloud.RelayMap {
		a, err := parseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("relay_map[%d]: %w", idx, err)
		}
		out[idx] = a
	}
	return out, nil
}
