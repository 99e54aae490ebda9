package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Listen != "127.0.0.1:8765" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, "127.0.0.1:8765")
	}
	if cfg.ChunkSize != 20 {
		t.Errorf("ChunkSize = %d, want 20", cfg.ChunkSize)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("Devices length = %d, want 1", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.Driver != "tinygo" || d.Adapter != "hci0" {
		t.Errorf("device = %s on %s, want tinygo on hci0", d.Driver, d.Adapter)
	}
	if d.RetryInterval != time.Second {
		t.Errorf("RetryInterval = %s, want 1s", d.RetryInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
log_level: debug
listen: ":9000"
chunk_size: 64
devices:
  - id: main
    name: Sensor Hub
    driver: gatt
    adapter: hci1
    retry_limit: 3
    retry_interval: 250ms
    device_info:
      vendor: ACME
      serial: "0001"
endpoints:
  - id: temp
    device: main
    kind: notify
    service: 19b10000-e8f2-537e-4f6c-d104768a1214
    characteristic: 19b10001-e8f2-537e-4f6c-d104768a1214
  - id: cmd
    device: main
    kind: in
    service: 19b10000-e8f2-537e-4f6c-d104768a1214
    characteristic: 19b10002e8f2537e4f6cd104768a1214
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9000")
	}
	if cfg.ChunkSize != 64 {
		t.Errorf("ChunkSize = %d, want 64", cfg.ChunkSize)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("Devices length = %d, want 1 (list replaces the default)", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.ID != "main" || d.Name != "Sensor Hub" || d.Driver != "gatt" || d.Adapter != "hci1" {
		t.Errorf("device = %+v", d)
	}
	if d.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want 3", d.RetryLimit)
	}
	if d.RetryInterval != 250*time.Millisecond {
		t.Errorf("RetryInterval = %s, want 250ms", d.RetryInterval)
	}
	if d.DeviceInfo.Vendor != "ACME" || d.DeviceInfo.Serial != "0001" || d.DeviceInfo.Name != "" {
		t.Errorf("DeviceInfo = %+v", d.DeviceInfo)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("Endpoints length = %d, want 2", len(cfg.Endpoints))
	}
	if cfg.Endpoints[1].Kind != KindIn {
		t.Errorf("Endpoints[1].Kind = %q, want %q", cfg.Endpoints[1].Kind, KindIn)
	}
}

func TestLoadFillsDeviceDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `
devices:
  - id: only
endpoints:
  - id: temp
    kind: notify
    service: "180f"
    characteristic: "2a19"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d := cfg.Devices[0]
	if d.Driver != "tinygo" {
		t.Errorf("Driver = %q, want tinygo", d.Driver)
	}
	if d.Adapter != "hci0" {
		t.Errorf("Adapter = %q, want hci0", d.Adapter)
	}
	if d.RetryInterval != time.Second {
		t.Errorf("RetryInterval = %s, want 1s", d.RetryInterval)
	}
	if cfg.Endpoints[0].Device != "only" {
		t.Errorf("Endpoints[0].Device = %q, want %q", cfg.Endpoints[0].Device, "only")
	}
	if cfg.Endpoints[0].ID != "temp" {
		t.Errorf("Endpoints[0].ID = %q, want %q", cfg.Endpoints[0].ID, "temp")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadGeneratesEndpointIDs(t *testing.T) {
	cfgPath := writeConfig(t, `
endpoints:
  - kind: notify
    service: "180f"
    characteristic: "2a19"
  - kind: in
    service: "180f"
    characteristic: "2a1a"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a, b := cfg.Endpoints[0].ID, cfg.Endpoints[1].ID
	if a == "" || b == "" || a == b {
		t.Errorf("generated ids = %q, %q; want two distinct ids", a, b)
	}
	if cfg.Endpoints[0].Device != "default" {
		t.Errorf("Endpoints[0].Device = %q, want %q", cfg.Endpoints[0].Device, "default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}
	dir, err := os.MkdirTemp(home, "blejsond-test-")
	if err != nil {
		t.Skip("home directory not writable")
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/" + filepath.Base(dir) + "/config.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "devices: [unterminated\n")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	withEndpoint := func(c *Config, e EndpointConfig) {
		c.Endpoints = append(c.Endpoints, e)
	}
	valid := EndpointConfig{ID: "e1", Device: "default", Kind: KindNotify, Service: "180f", Characteristic: "2a19"}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "valid endpoint",
			modify:  func(c *Config) { withEndpoint(c, valid) },
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "chunk size too small",
			modify:  func(c *Config) { c.ChunkSize = 1 },
			wantErr: true,
		},
		{
			name:    "no devices",
			modify:  func(c *Config) { c.Devices = nil },
			wantErr: true,
		},
		{
			name:    "empty device id",
			modify:  func(c *Config) { c.Devices[0].ID = "" },
			wantErr: true,
		},
		{
			name:    "duplicate device id",
			modify:  func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Devices[0].Driver = "corebluetooth" },
			wantErr: true,
		},
		{
			name:    "negative retry limit",
			modify:  func(c *Config) { c.Devices[0].RetryLimit = -1 },
			wantErr: true,
		},
		{
			name:    "zero retry interval",
			modify:  func(c *Config) { c.Devices[0].RetryInterval = 0 },
			wantErr: true,
		},
		{
			name:    "advertisement fits",
			modify:  func(c *Config) { c.Devices[0].Advertisement = "0x01020304" },
			wantErr: false,
		},
		{
			name:    "advertisement bad hex",
			modify:  func(c *Config) { c.Devices[0].Advertisement = "0xzz" },
			wantErr: true,
		},
		{
			name:    "advertisement too long",
			modify:  func(c *Config) { c.Devices[0].Advertisement = strings.Repeat("a", 28) },
			wantErr: true,
		},
		{
			name: "name too long for scan response",
			modify: func(c *Config) {
				c.Devices[0].Name = strings.Repeat("n", 30)
				c.Devices[0].Advertisement = "x"
			},
			wantErr: true,
		},
		{
			name: "duplicate endpoint id",
			modify: func(c *Config) {
				withEndpoint(c, valid)
				withEndpoint(c, valid)
			},
			wantErr: true,
		},
		{
			name: "endpoint on unknown device",
			modify: func(c *Config) {
				e := valid
				e.Device = "missing"
				withEndpoint(c, e)
			},
			wantErr: true,
		},
		{
			name: "unknown endpoint kind",
			modify: func(c *Config) {
				e := valid
				e.Kind = "read"
				withEndpoint(c, e)
			},
			wantErr: true,
		},
		{
			name: "bad service uuid",
			modify: func(c *Config) {
				e := valid
				e.Service = "18"
				withEndpoint(c, e)
			},
			wantErr: true,
		},
		{
			name: "bad characteristic uuid",
			modify: func(c *Config) {
				e := valid
				e.Characteristic = "not-a-uuid-at-all-not-a-uuid-at-all"
				withEndpoint(c, e)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidUUID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"180a", true},
		{"180A", true},
		{"19b10000-e8f2-537e-4f6c-d104768a1214", true},
		{"19B10000E8F2537E4F6CD104768A1214", true},
		{"18g0", false},
		{"180", false},
		{"", false},
		{"19b10000-e8f2-537e-4f6c", false},
	}
	for _, tt := range tests {
		if got := ValidUUID(tt.in); got != tt.want {
			t.Errorf("ValidUUID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAdvertisementBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"0x0a0b", "\x0a\x0b", false},
		{"hello", "hello", false},
		{"0x0", "", true},
	}
	for _, tt := range tests {
		got, err := DeviceConfig{Advertisement: tt.in}.AdvertisementBytes()
		if (err != nil) != tt.wantErr {
			t.Errorf("AdvertisementBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("AdvertisementBytes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDevice(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.Device("default"); !ok {
		t.Error("Device(default) should be found")
	}
	if _, ok := cfg.Device("other"); ok {
		t.Error("Device(other) should not be found")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blejsond", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blejsond") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8765" {
		t.Errorf("written config Listen = %q", cfg.Listen)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].RetryInterval != time.Second {
		t.Errorf("written config Devices = %+v", cfg.Devices)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blejsond")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
