// Package daemon holds airbridged's configuration, logging and module
// supervision.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/airbridge/internal/adapters/workpool"
	"github.com/mikey-austin/airbridge/internal/modules/bridge"
	"github.com/mikey-austin/airbridge/internal/modules/discovery"
	"github.com/mikey-austin/airbridge/internal/upnp"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

// Config is the top-level configuration for airbridged.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Discovery    DiscoveryConfig    `toml:"discovery"`
	AirPlay      AirPlayConfig      `toml:"airplay"`
	Content      ContentConfig      `toml:"content"`
	MQTT         MQTTConfig         `toml:"mqtt"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// ServerConfig defines process wide settings.
type ServerConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogOutput string `toml:"log_output"`
	LogSource bool   `toml:"log_source"`
	LogUTC    bool   `toml:"log_utc"`
	// Interface names the network interface for SSDP. Empty uses all.
	Interface string `toml:"interface"`
	// AdvertiseHost is the address renderers use to reach the bridge.
	// Empty picks the default route's address.
	AdvertiseHost string `toml:"advertise_host"`
}

// DiscoveryConfig tunes SSDP discovery and device builds.
type DiscoveryConfig struct {
	SearchInterval Duration `toml:"search_interval"`
	SearchMX       int      `toml:"search_mx"`
	SearchStagger  Duration `toml:"search_stagger"`
	FetchTimeout   Duration `toml:"fetch_timeout"`
	Workers        int      `toml:"workers"`
	IgnoreTTL      Duration `toml:"ignore_ttl"`
	// SearchTypes are the NT/ST values besides upnp:rootdevice that start
	// a device build.
	SearchTypes      []string `toml:"search_types"`
	DeviceTypes      []string `toml:"device_types"`
	RequiredServices []string `toml:"required_services"`
}

// AirPlayConfig configures the per renderer receivers.
type AirPlayConfig struct {
	BasePort    int      `toml:"base_port"`
	NamePrefix  string   `toml:"name_prefix"`
	PublishMDNS bool     `toml:"publish_mdns"`
	SessionTTL  Duration `toml:"session_ttl"`
}

// ContentConfig configures the photo server.
type ContentConfig struct {
	Listen  string `toml:"listen"`
	Metrics bool   `toml:"metrics"`
}

// MQTTConfig configures presence publishing.
type MQTTConfig struct {
	Enabled   bool   `toml:"enabled"`
	Broker    string `toml:"broker"`
	TopicBase string `toml:"topic_base"`
	ClientID  string `toml:"client_id"`
	NodeID    string `toml:"node_id"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
	TLSCA     string `toml:"tls_ca"`
	TLSCert   string `toml:"tls_cert"`
	TLSKey    string `toml:"tls_key"`
	Debug     bool   `toml:"debug"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	disc := discovery.DefaultConfig()
	return Config{
		Server: ServerConfig{
			LogLevel:  "info",
			LogFormat: "text",
			LogOutput: "stdout",
		},
		Discovery: DiscoveryConfig{
			SearchInterval: Duration{disc.SearchInterval},
			SearchMX:       disc.SearchMX,
			SearchStagger:  Duration{disc.SearchStagger},
			FetchTimeout:   Duration{5 * time.Second},
			Workers:        workpool.DefaultSize,
			SearchTypes: []string{
				upnp.DeviceTypeMediaRenderer,
				upnp.ServiceTypeAVTransport,
				upnp.ServiceTypeConnectionManager,
				upnp.ServiceTypeRenderingControl,
			},
			DeviceTypes:      disc.DeviceTypes,
			RequiredServices: disc.RequiredServices,
		},
		AirPlay: AirPlayConfig{
			BasePort:    bridge.DefaultBasePort,
			PublishMDNS: true,
		},
		Content: ContentConfig{Listen: ":0"},
		MQTT:    MQTTConfig{TopicBase: airbridge.BaseTopic},
		EmbeddedMQTT: EmbeddedMQTTConfig{
			Listen: "127.0.0.1:1883",
		},
	}
}

// LoadConfig decodes path over the defaults. A missing file is only an error
// when the path was given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.AirPlay.BasePort <= 0 || c.AirPlay.BasePort > 65535 {
		return fmt.Errorf("airplay.base_port %d out of range", c.AirPlay.BasePort)
	}
	if c.Discovery.SearchMX < 1 {
		return fmt.Errorf("discovery.search_mx must be at least 1")
	}
	if c.Discovery.SearchInterval.Duration <= 0 {
		return errors.New("discovery.search_interval must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" && !c.EmbeddedMQTT.Enabled {
		return errors.New("mqtt.broker is required unless embedded_mqtt is enabled")
	}
	return nil
}

// DiscoveryOptions maps the [discovery] section onto the coordinator config.
func (c Config) DiscoveryOptions() discovery.Config {
	return discovery.Config{
		SearchTypes:      c.Discovery.SearchTypes,
		DeviceTypes:      c.Discovery.DeviceTypes,
		RequiredServices: c.Discovery.RequiredServices,
		SearchInterval:   c.Discovery.SearchInterval.Duration,
		SearchMX:         c.Discovery.SearchMX,
		SearchStagger:    c.Discovery.SearchStagger.Duration,
		IgnoreTTL:        c.Discovery.IgnoreTTL.Duration,
	}
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "airbridge", "airbridged.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "airbridge", "airbridged.toml"), nil
}
