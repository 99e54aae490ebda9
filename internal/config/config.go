package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// Config holds all daemon configuration.
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Listen    string           `yaml:"listen"`
	ChunkSize int              `yaml:"chunk_size"`
	Devices   []DeviceConfig   `yaml:"devices"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// DeviceConfig describes one peripheral and the adapter it runs on.
type DeviceConfig struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Driver        string           `yaml:"driver"` // "tinygo" or "gatt"
	Adapter       string           `yaml:"adapter"`
	Advertisement string           `yaml:"advertisement,omitempty"` // "0x"-prefixed hex or literal text
	RetryLimit    int              `yaml:"retry_limit"`             // 0 retries forever
	RetryInterval time.Duration    `yaml:"retry_interval"`
	DeviceInfo    DeviceInfoConfig `yaml:"device_info,omitempty"`
}

// DeviceInfoConfig feeds the Device Information service.
type DeviceInfoConfig struct {
	Vendor string `yaml:"vendor,omitempty"`
	Name   string `yaml:"name,omitempty"`
	Serial string `yaml:"serial,omitempty"`
}

// EndpointConfig binds one characteristic of a device to a node.
type EndpointConfig struct {
	ID             string `yaml:"id"`
	Device         string `yaml:"device"`
	Kind           string `yaml:"kind"` // "notify" or "in"
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// Endpoint kinds.
const (
	KindNotify = "notify"
	KindIn     = "in"
)

const (
	defaultDeviceID      = "default"
	defaultDriver        = "tinygo"
	defaultAdapter       = "hci0"
	defaultRetryInterval = time.Second
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blejsond")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with one unnamed device on hci0 and no endpoints.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Listen:    "127.0.0.1:8765",
		ChunkSize: protocol.DefaultChunkSize,
		Devices: []DeviceConfig{{
			ID:            defaultDeviceID,
			Driver:        defaultDriver,
			Adapter:       defaultAdapter,
			RetryInterval: defaultRetryInterval,
		}},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. An endpoint without an id gets a random one, and an
// endpoint without a device is attached to the only configured device.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = protocol.DefaultChunkSize
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Driver == "" {
			d.Driver = defaultDriver
		}
		if d.Adapter == "" {
			d.Adapter = defaultAdapter
		}
		if d.RetryInterval == 0 {
			d.RetryInterval = defaultRetryInterval
		}
	}
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Device == "" && len(c.Devices) == 1 {
			e.Device = c.Devices[0].ID
		}
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.ChunkSize < 2 {
		return fmt.Errorf("chunk_size must be >= 2, got %d", c.ChunkSize)
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("devices must not be empty")
	}

	devices := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id must not be empty", i)
		}
		if devices[d.ID] {
			return fmt.Errorf("devices[%d].id %q is not unique", i, d.ID)
		}
		devices[d.ID] = true

		switch d.Driver {
		case "tinygo", "gatt":
		default:
			return fmt.Errorf("devices[%d].driver must be \"tinygo\" or \"gatt\", got %q", i, d.Driver)
		}
		if d.RetryLimit < 0 {
			return fmt.Errorf("devices[%d].retry_limit must be >= 0", i)
		}
		if d.RetryInterval <= 0 {
			return fmt.Errorf("devices[%d].retry_interval must be > 0", i)
		}

		payload, err := d.AdvertisementBytes()
		if err != nil {
			return fmt.Errorf("devices[%d].advertisement: %w", i, err)
		}
		if len(payload) > 0 {
			name := d.Name
			if name == "" {
				name = ble.DefaultName
			}
			if _, err := protocol.EncodeEIR(name, payload); err != nil {
				return fmt.Errorf("devices[%d].advertisement: %w", i, err)
			}
		}
	}

	endpoints := make(map[string]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		if e.ID == "" {
			return fmt.Errorf("endpoints[%d].id must not be empty", i)
		}
		if endpoints[e.ID] {
			return fmt.Errorf("endpoints[%d].id %q is not unique", i, e.ID)
		}
		endpoints[e.ID] = true

		if !devices[e.Device] {
			return fmt.Errorf("endpoints[%d].device %q is not a configured device", i, e.Device)
		}
		switch e.Kind {
		case KindNotify, KindIn:
		default:
			return fmt.Errorf("endpoints[%d].kind must be \"notify\" or \"in\", got %q", i, e.Kind)
		}
		if !ValidUUID(e.Service) {
			return fmt.Errorf("endpoints[%d].service %q is not a 16-bit or 128-bit UUID", i, e.Service)
		}
		if !ValidUUID(e.Characteristic) {
			return fmt.Errorf("endpoints[%d].characteristic %q is not a 16-bit or 128-bit UUID", i, e.Characteristic)
		}
	}

	return nil
}

// Device returns the device with the given id.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// AdvertisementBytes decodes the custom advertisement payload. A "0x"
// prefix means hex; anything else is taken as literal bytes.
func (d DeviceConfig) AdvertisementBytes() ([]byte, error) {
	if d.Advertisement == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(d.Advertisement, "0x"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return b, nil
	}
	return []byte(d.Advertisement), nil
}

// ValidUUID reports whether s is a 16-bit UUID (4 hex digits) or a 128-bit
// UUID with or without dashes.
func ValidUUID(s string) bool {
	if len(s) == 4 {
		_, err := hex.DecodeString(s)
		return err == nil
	}
	if len(s) != 32 && len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	content := append([]byte("# blejsond configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
