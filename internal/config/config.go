package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kraken-controller/internal/effects"
	"kraken-controller/internal/kraken"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           string   `json:"port" yaml:"port"`
	WebFilesDir    string   `json:"web_files_dir" yaml:"web_files_dir"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DeviceConfig selects the cooler and tunes the control loops.
type DeviceConfig struct {
	Type      string `json:"type" yaml:"type"` // kraken-x or kraken-m22
	VendorID  uint16 `json:"vendor_id" yaml:"vendor_id"`
	ProductID uint16 `json:"product_id" yaml:"product_id"`
	Serial    string `json:"serial" yaml:"serial"`

	OverrideInterval string `json:"override_interval" yaml:"override_interval"`
	FirmwareTimeout  string `json:"firmware_timeout" yaml:"firmware_timeout"`
	PollInterval     string `json:"poll_interval" yaml:"poll_interval"`
	ReadTimeout      string `json:"read_timeout" yaml:"read_timeout"`
	RetryDelay       string `json:"retry_delay" yaml:"retry_delay"`

	WriteRateLimit float64 `json:"write_rate_limit" yaml:"write_rate_limit"`
	WriteRateBurst int     `json:"write_rate_burst" yaml:"write_rate_burst"`

	// Byte offsets of the RPM fields in the status report. Nil keeps the default.
	PumpRPMOffset *int `json:"pump_rpm_offset" yaml:"pump_rpm_offset"`
	FanRPMOffset  *int `json:"fan_rpm_offset" yaml:"fan_rpm_offset"`
}

// EffectConfig is a lighting effect in textual form.
type EffectConfig struct {
	Channel string   `json:"channel" yaml:"channel"`
	Mode    string   `json:"mode" yaml:"mode"`
	Speed   string   `json:"speed" yaml:"speed"`
	Colors  []string `json:"colors" yaml:"colors"`
}

// StartupConfig is applied once the device is connected. Zero speeds leave
// the firmware curve in charge.
type StartupConfig struct {
	PumpSpeed int            `json:"pump_speed" yaml:"pump_speed"`
	FanSpeed  int            `json:"fan_speed" yaml:"fan_speed"`
	Effects   []EffectConfig `json:"effects" yaml:"effects"`
}

// MQTTConfig holds the MQTT and Home Assistant discovery settings.
type MQTTConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Broker             string `json:"broker" yaml:"broker"` // tcp://IP:PORT
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	ClientID           string `json:"client_id" yaml:"client_id"`
	TopicPrefix        string `json:"topic_prefix" yaml:"topic_prefix"`
	HADiscoveryEnabled bool   `json:"ha_discovery_enabled" yaml:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `json:"ha_discovery_prefix" yaml:"ha_discovery_prefix"`
}

// Schedule runs Command whenever the cron Spec fires.
type Schedule struct {
	Spec    string `json:"spec" yaml:"spec"`
	Command string `json:"command" yaml:"command"`
}

// Config is the top-level configuration.
type Config struct {
	Device  DeviceConfig  `json:"device" yaml:"device"`
	Startup StartupConfig `json:"startup" yaml:"startup"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`

	PatternsDir string     `json:"patterns_dir" yaml:"patterns_dir"`
	Schedules   []Schedule `json:"schedules" yaml:"schedules"`
}

// Load reads the file at path, decodes it and applies defaults and
// validation. A missing file yields the defaults. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}
	defer file.Close()

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.Device.Type = strings.ToLower(strings.TrimSpace(c.Device.Type))
	c.Device.Serial = strings.TrimSpace(c.Device.Serial)
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Server.WebFilesDir = strings.TrimSpace(c.Server.WebFilesDir)
	c.PatternsDir = strings.TrimSpace(c.PatternsDir)

	for i := range c.Startup.Effects {
		e := &c.Startup.Effects[i]
		e.Channel = strings.ToLower(strings.TrimSpace(e.Channel))
		e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
		e.Speed = strings.ToLower(strings.TrimSpace(e.Speed))
	}
	for i := range c.Schedules {
		c.Schedules[i].Spec = strings.TrimSpace(c.Schedules[i].Spec)
		c.Schedules[i].Command = strings.TrimSpace(c.Schedules[i].Command)
	}
}

func (c *Config) setDefaults() {
	// Device
	if c.Device.Type == "" {
		c.Device.Type = "kraken-x"
	}
	if c.Device.VendorID == 0 {
		c.Device.VendorID = 0x1E71
	}
	if c.Device.ProductID == 0 {
		if dt, err := kraken.ParseDeviceType(c.Device.Type); err == nil && dt == kraken.KrakenM22 {
			c.Device.ProductID = 0x1715
		} else {
			c.Device.ProductID = 0x170E
		}
	}
	if c.Device.OverrideInterval == "" {
		c.Device.OverrideInterval = "5s"
	}
	if c.Device.FirmwareTimeout == "" {
		c.Device.FirmwareTimeout = "5s"
	}
	if c.Device.PollInterval == "" {
		c.Device.PollInterval = "2s"
	}
	if c.Device.ReadTimeout == "" {
		c.Device.ReadTimeout = "500ms"
	}
	if c.Device.RetryDelay == "" {
		c.Device.RetryDelay = "5s"
	}
	if c.Device.WriteRateLimit == 0 {
		c.Device.WriteRateLimit = 25.0
	}
	if c.Device.WriteRateBurst == 0 {
		c.Device.WriteRateBurst = 25
	}

	// Server
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.WebFilesDir == "" {
		c.Server.WebFilesDir = "./web"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080"}
	}

	// Files
	if c.PatternsDir == "" {
		c.PatternsDir = "patterns"
	}

	// MQTT
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "kraken-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "kraken"
	}
	if c.MQTT.HADiscoveryPrefix == "" {
		c.MQTT.HADiscoveryPrefix = "homeassistant"
	}
}

func (c *Config) validate() error {
	dt, err := kraken.ParseDeviceType(c.Device.Type)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	c.Device.Type = dt.String()

	// firmware_timeout may be zero, which waits for the first report without a bound.
	durations := []struct {
		name, value string
		allowZero   bool
	}{
		{"override_interval", c.Device.OverrideInterval, false},
		{"firmware_timeout", c.Device.FirmwareTimeout, true},
		{"poll_interval", c.Device.PollInterval, false},
		{"read_timeout", c.Device.ReadTimeout, false},
		{"retry_delay", c.Device.RetryDelay, false},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config error: '%s': %w", d.name, err)
		}
		if v < 0 || (v == 0 && !d.allowZero) {
			return fmt.Errorf("config error: '%s' must be positive", d.name)
		}
	}
	if c.Device.WriteRateLimit < 0 {
		return fmt.Errorf("config error: 'write_rate_limit' must be positive")
	}
	if c.Device.WriteRateBurst < 0 {
		return fmt.Errorf("config error: 'write_rate_burst' must be positive")
	}
	for name, off := range map[string]*int{"pump_rpm_offset": c.Device.PumpRPMOffset, "fan_rpm_offset": c.Device.FanRPMOffset} {
		if off != nil && (*off < 0 || *off > 62) {
			return fmt.Errorf("config error: '%s' out of range", name)
		}
	}

	if c.Device.Type == "kraken-m22" && (c.Startup.PumpSpeed != 0 || c.Startup.FanSpeed != 0) {
		return fmt.Errorf("config error: kraken-m22 has no pump or fan control")
	}
	if p := c.Startup.PumpSpeed; p != 0 && (p < 50 || p > 100) {
		return fmt.Errorf("config error: 'pump_speed' must be between 50 and 100, got %d", p)
	}
	if f := c.Startup.FanSpeed; f != 0 && (f < 25 || f > 100) {
		return fmt.Errorf("config error: 'fan_speed' must be between 25 and 100, got %d", f)
	}
	for i, e := range c.Startup.Effects {
		ch, err := kraken.ParseChannel(e.Channel)
		if err != nil {
			return fmt.Errorf("config error: startup effect %d: %w", i, err)
		}
		eff, err := effects.Parse(e.Mode, e.Speed, e.Colors)
		if err != nil {
			return fmt.Errorf("config error: startup effect %d: %w", i, err)
		}
		if err := eff.Check(dt, ch); err != nil {
			return fmt.Errorf("config error: startup effect %d: %w", i, err)
		}
	}
	for i, s := range c.Schedules {
		if s.Spec == "" || s.Command == "" {
			return fmt.Errorf("config error: schedule %d needs both 'spec' and 'command'", i)
		}
	}
	return nil
}

// Duration parses a duration field that has already passed validation.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
