//go:build !tinygo

package sx1262

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the on-disk configuration of a node: region selection plus
// optional hardware and channel-access overrides. Zero fields take
// defaults, the way the Config constructors do.
type NodeConfig struct {
	// Region identifier: EU868, US915, AU915 or AS923.
	Region string `yaml:"region"`

	// SPIPath is the SPI bus device (default "/dev/spidev0.0").
	SPIPath string `yaml:"spi_path"`
	// SPIClockHz is the SPI clock (default 2 MHz; the SX1262 allows 16).
	SPIClockHz int `yaml:"spi_clock_hz"`
	// ResetPin, BusyPin and DIO1Pin are BCM GPIO numbers.
	// DIO1Pin 0 selects the polling fallback instead of interrupts.
	ResetPin int `yaml:"reset_pin"`
	BusyPin  int `yaml:"busy_pin"`
	DIO1Pin  int `yaml:"dio1_pin"`

	// Channel access overrides; zero keeps the region default.
	RSSIThresholdDBm int `yaml:"rssi_threshold_dbm"`
	SlotMs           int `yaml:"slot_ms"`
	MaxBackoffExp    int `yaml:"max_backoff_exp"`
	MaxRetries       int `yaml:"max_retries"`

	// RxPollMs is the receive window length per loop iteration
	// (default 50 ms).
	RxPollMs int `yaml:"rx_poll_ms"`
}

// LoadNodeConfig reads a YAML node configuration and applies defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() error {
	if c.Region == "" {
		c.Region = RegionEU868.String()
	}
	if _, err := ParseRegion(c.Region); err != nil {
		return err
	}
	if c.SPIPath == "" {
		c.SPIPath = "/dev/spidev0.0"
	}
	if c.SPIClockHz == 0 {
		c.SPIClockHz = 2_000_000
	}
	if c.RxPollMs == 0 {
		c.RxPollMs = 50
	}
	return nil
}

// ParsedRegion returns the configured region. Valid after LoadNodeConfig.
func (c *NodeConfig) ParsedRegion() Region {
	r, _ := ParseRegion(c.Region)
	return r
}

// ChannelAccess merges the file's overrides over the region defaults.
func (c *NodeConfig) ChannelAccess() ChannelAccessConfig {
	cfg := c.ParsedRegion().DefaultChannelAccess()
	if c.RSSIThresholdDBm != 0 {
		cfg.RSSIThresholdDBm = c.RSSIThresholdDBm
	}
	if c.SlotMs != 0 {
		cfg.SlotDuration = time.Duration(c.SlotMs) * time.Millisecond
	}
	if c.MaxBackoffExp != 0 {
		cfg.MaxBackoffExp = c.MaxBackoffExp
	}
	if c.MaxRetries != 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	return cfg
}
