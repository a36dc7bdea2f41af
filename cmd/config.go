// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/Thermoquad/minlink/pkg/hotplug"
	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when --config is not given
const DefaultConfigPath = "/etc/minlink/config.yaml"

// Config holds everything a minlink session needs besides the command line
type Config struct {
	Serial         SerialConfig    `yaml:"serial"`
	Transport      minproto.Config `yaml:"transport"`
	PollIntervalMs int             `yaml:"poll_interval_ms"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// Match selects the device by path or "usb:VID:PID[:SERIAL]"; defaults to Port
	Match          string `yaml:"match"`
	ScanIntervalMs int    `yaml:"scan_interval_ms"`
}

type WebSocketConfig struct {
	Listen string `yaml:"listen"` // empty disables the bridge
	Path   string `yaml:"path"`
}

type MQTTConfig struct {
	URL string `yaml:"url"` // empty disables the bridge
}

// DefaultConfig returns a config with the MIN reference tunables
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Baud:           115200,
			ScanIntervalMs: int(hotplug.DefaultInterval / time.Millisecond),
		},
		Transport:      minproto.DefaultConfig(),
		PollIntervalMs: int(minproto.DefaultPollInterval / time.Millisecond),
		WebSocket: WebSocketConfig{
			Path: "/min",
		},
	}
}

// LoadConfig reads config from a YAML file and applies environment overrides.
// A missing file at the default path falls back to defaults; a missing file
// that was asked for explicitly is an error.
func LoadConfig(path string, explicit bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		glog.V(1).Infof("No config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		glog.V(1).Infof("Loaded config from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: MIN_PORT, MIN_BAUD, MIN_POLL_MS, MIN_WS_LISTEN, MIN_MQTT_URL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MIN_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("MIN_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
	if v := os.Getenv("MIN_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalMs = n
		}
	}
	if v := os.Getenv("MIN_WS_LISTEN"); v != "" {
		c.WebSocket.Listen = v
	}
	if v := os.Getenv("MIN_MQTT_URL"); v != "" {
		c.MQTT.URL = v
	}
}

// Validate checks the values a session cannot start without
func (c *Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud %d must be positive", c.Serial.Baud)
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms %d must be positive", c.PollIntervalMs)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// PollInterval returns the session tick
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ScanInterval returns the hotplug scan period
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Serial.ScanIntervalMs) * time.Millisecond
}

// DeviceMatch returns the hotplug target, falling back to the port path
func (c *Config) DeviceMatch() string {
	if c.Serial.Match != "" {
		return c.Serial.Match
	}
	return c.Serial.Port
}
