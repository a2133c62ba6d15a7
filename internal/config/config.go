package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DeviceDescription matches one entry of config.json's "DeviceDescriptions"
// array: devices whose USB serial number starts with Prefix are identified
// as Name, optionally reprogrammed with Bitfile on arrival, and have
// Watchlist registers tracked for change notification.
type DeviceDescription struct {
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Bitfile   string    `json:"bitfile"`
	Watchlist []RegAddr `json:"watchlist"`
}

// RegAddr names a single (addr, port) register pair in a watchlist entry.
// It decodes from a 2-element JSON array [addr, port], matching
// Config.cpp's v[0].int_value()/v[1].int_value() watchlist parsing.
type RegAddr struct {
	Addr uint8
	Port uint8
}

// UnmarshalJSON decodes a watchlist entry from its wire shape, [addr, port].
func (r *RegAddr) UnmarshalJSON(data []byte) error {
	var pair [2]uint8
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("watchlist entry: expected [addr, port]: %w", err)
	}
	r.Addr = pair[0]
	r.Port = pair[1]
	return nil
}

// ServerConfig holds the "Server" section of config.json.
type ServerConfig struct {
	Port int `json:"port"`
}

// Config is the top-level shape of config.json.
type Config struct {
	Server             ServerConfig        `json:"Server"`
	DeviceDescriptions []DeviceDescription `json:"DeviceDescriptions"`
}

// Load reads and parses the config file at path. Unlike the legacy loader
// this replaced, it actually uses the path it is given rather than a
// hardcoded filename.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		return nil, fmt.Errorf("config: %s: Server.port must be set", path)
	}
	for i, d := range cfg.DeviceDescriptions {
		if d.Name == "" {
			return nil, fmt.Errorf("config: %s: DeviceDescriptions[%d] missing name", path, i)
		}
		if d.Prefix == "" {
			return nil, fmt.Errorf("config: %s: DeviceDescriptions[%d] missing prefix", path, i)
		}
	}
	return &cfg, nil
}

// DescriptionForSerial returns the first DeviceDescription whose Prefix is a
// prefix of serial, matching the original's serial-prefix matching rule.
// Descriptions are tried in config file order; the first match wins.
func (c *Config) DescriptionForSerial(serial string) (DeviceDescription, bool) {
	for _, d := range c.DeviceDescriptions {
		if len(serial) >= len(d.Prefix) && serial[:len(d.Prefix)] == d.Prefix {
			return d, true
		}
	}
	return DeviceDescription{}, false
}
