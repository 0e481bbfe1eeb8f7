package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Variant  string        `yaml:"variant"` // "g1" or "activelook"
	Device   DeviceConfig  `yaml:"device"`
	Link     LinkConfig    `yaml:"link"`
	Display  DisplayConfig `yaml:"display"`
	Update   UpdateConfig  `yaml:"update"`
	Events   EventsConfig  `yaml:"events"`
	API      APIConfig     `yaml:"api"`
	Hotkey   HotkeyConfig  `yaml:"hotkey"`
	Audio    AudioConfig   `yaml:"audio"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig selects which glasses to connect to.
type DeviceConfig struct {
	NameFilter string `yaml:"name_filter"`
	// PairingID pins dual-arm glasses to one pair. Empty uses the last
	// paired identity, or the first pair found.
	PairingID  string `yaml:"pairing_id"`
	PairedFile string `yaml:"paired_file"`
}

// LinkConfig overrides BLE link timings. Zero values keep the variant
// defaults.
type LinkConfig struct {
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	Settle            time.Duration `yaml:"settle"`
	FragmentDelay     time.Duration `yaml:"fragment_delay"`
	AggregateDebounce time.Duration `yaml:"aggregate_debounce"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// DisplayConfig holds the settings applied on every connection.
type DisplayConfig struct {
	Brightness     int         `yaml:"brightness"` // 0-100
	AutoBrightness bool        `yaml:"auto_brightness"`
	HeadUpAngle    int         `yaml:"head_up_angle"` // degrees, 0 leaves the device setting
	MicOnConnect   bool        `yaml:"mic_on_connect"`
	Whitelist      []AppConfig `yaml:"whitelist"`
}

// AppConfig is one notification source allowed on the glasses.
type AppConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// UpdateConfig holds firmware update settings.
type UpdateConfig struct {
	CatalogueURL string        `yaml:"catalogue_url"`
	Token        string        `yaml:"token"`
	CacheDir     string        `yaml:"cache_dir"`
	MinBattery   int           `yaml:"min_battery"`
	BatteryWait  time.Duration `yaml:"battery_wait"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	ConfigName   string        `yaml:"config_name"`
}

// EventsConfig selects where driver events are published.
type EventsConfig struct {
	Log   bool        `yaml:"log"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis event bus settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// Commands subscribes to the command channel.
	Commands bool `yaml:"commands"`
}

// APIConfig holds the HTTP command server settings.
type APIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	MDNS     bool   `yaml:"mdns"`
	MDNSName string `yaml:"mdns_name"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	MicKeys       []string `yaml:"mic_keys"`
	Mode          string   `yaml:"mode"` // "hold" or "toggle"
	ClipboardKeys []string `yaml:"clipboard_keys"`
}

// AudioConfig holds microphone output settings.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint32 `yaml:"channels"`
	RecordDir  string `yaml:"record_dir"`
	Monitor    bool   `yaml:"monitor"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "glassbridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "glassbridge")

	return &Config{
		Variant: "g1",
		Device: DeviceConfig{
			PairedFile: filepath.Join(DefaultConfigDir(), "paired.yaml"),
		},
		Display: DisplayConfig{
			Brightness: 50,
			Whitelist:  []AppConfig{{ID: "com.augment.os", Name: "AugmentOS"}},
		},
		Update: UpdateConfig{
			CatalogueURL: "https://fw.activelook.net",
			CacheDir:     filepath.Join(dataDir, "firmware"),
			MinBattery:   10,
			BatteryWait:  time.Minute,
			AckTimeout:   5 * time.Second,
			ConfigName:   "ALooK",
		},
		Events: EventsConfig{
			Log: true,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "glasses",
			},
		},
		API: APIConfig{
			Listen:   "127.0.0.1:8088",
			MDNSName: "glassbridge",
		},
		Hotkey: HotkeyConfig{
			MicKeys:       []string{"ctrl", "shift", "m"},
			Mode:          "hold",
			ClipboardKeys: []string{"ctrl", "shift", "v"},
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.PairedFile = expandTilde(cfg.Device.PairedFile)
	cfg.Update.CacheDir = expandTilde(cfg.Update.CacheDir)
	cfg.Audio.RecordDir = expandTilde(cfg.Audio.RecordDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Variant {
	case "g1", "activelook":
	default:
		return fmt.Errorf("variant must be \"g1\" or \"activelook\", got %q", c.Variant)
	}

	if c.Device.PairingID != "" && strings.Trim(c.Device.PairingID, "0123456789") != "" {
		return fmt.Errorf("device.pairing_id must be numeric, got %q", c.Device.PairingID)
	}

	for name, d := range map[string]time.Duration{
		"link.scan_timeout":       c.Link.ScanTimeout,
		"link.connect_timeout":    c.Link.ConnectTimeout,
		"link.reconnect_base":     c.Link.ReconnectBase,
		"link.reconnect_max":      c.Link.ReconnectMax,
		"link.settle":             c.Link.Settle,
		"link.fragment_delay":     c.Link.FragmentDelay,
		"link.heartbeat_interval": c.Link.HeartbeatInterval,
		"link.request_timeout":    c.Link.RequestTimeout,
		"update.battery_wait":     c.Update.BatteryWait,
		"update.ack_timeout":      c.Update.AckTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if c.Link.ReconnectMax > 0 && c.Link.ReconnectBase > c.Link.ReconnectMax {
		return fmt.Errorf("link.reconnect_base (%v) must not exceed link.reconnect_max (%v)", c.Link.ReconnectBase, c.Link.ReconnectMax)
	}

	if c.Display.Brightness < 0 || c.Display.Brightness > 100 {
		return fmt.Errorf("display.brightness must be between 0 and 100, got %d", c.Display.Brightness)
	}
	if c.Display.HeadUpAngle < 0 || c.Display.HeadUpAngle > 60 {
		return fmt.Errorf("display.head_up_angle must be between 0 and 60, got %d", c.Display.HeadUpAngle)
	}
	for i, app := range c.Display.Whitelist {
		if app.ID == "" {
			return fmt.Errorf("display.whitelist[%d].id must not be empty", i)
		}
	}

	if c.Update.MinBattery < 0 || c.Update.MinBattery > 100 {
		return fmt.Errorf("update.min_battery must be between 0 and 100, got %d", c.Update.MinBattery)
	}
	if c.Update.CatalogueURL != "" {
		u, err := url.Parse(c.Update.CatalogueURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("update.catalogue_url must be an absolute URL, got %q", c.Update.CatalogueURL)
		}
	}

	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		return fmt.Errorf("events.redis.addr must not be empty when redis is enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty when the api is enabled")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}

	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# glassbridge configuration\n# See https://github.com/chaz8081/glassbridge for all options.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
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
