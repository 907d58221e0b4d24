package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
	Adapter   string         `yaml:"adapter"`
	Proxy     ProxyConfig    `yaml:"proxy"`
	Server    ServerConfig   `yaml:"server"`
	Client    ClientConfig   `yaml:"client"`
	PBGATT    PBGATTConfig   `yaml:"pb_gatt"`
	Subnets   []SubnetConfig `yaml:"subnets"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
}

// ProxyConfig sizes the role table and its timers.
type ProxyConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	FilterSize     int           `yaml:"filter_size"`
	MsgLen         int           `yaml:"msg_len"`
	SARTimeout     time.Duration `yaml:"sar_timeout"`
	Tick           time.Duration `yaml:"tick"`
	QueueSize      int           `yaml:"queue_size"`
}

// ServerConfig holds Proxy Server and advertising settings.
type ServerConfig struct {
	GATTProxy           bool          `yaml:"gatt_proxy"`
	PBGATT              bool          `yaml:"pb_gatt"`
	PrivateProxy        bool          `yaml:"private_proxy"`
	PrimaryAddr         uint16        `yaml:"primary_addr"`
	DeviceUUID          string        `yaml:"device_uuid"`
	OOBInfo             uint16        `yaml:"oob_info"`
	NodeIdentityTimeout time.Duration `yaml:"node_identity_timeout"`
	FastAdvDuration     time.Duration `yaml:"fast_adv_duration"`
	FastInterval        time.Duration `yaml:"fast_interval"`
	SlowInterval        time.Duration `yaml:"slow_interval"`
	ProxyInterval       time.Duration `yaml:"proxy_interval"`
}

// ClientConfig holds Proxy Client settings.
type ClientConfig struct {
	AllowAny       bool          `yaml:"allow_any"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	NetIdx         []uint16      `yaml:"net_idx"`
}

// PBGATTConfig holds the provisioning link protocol timer.
type PBGATTConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SubnetConfig is one network key, hex encoded.
type SubnetConfig struct {
	NetIdx    uint16 `yaml:"net_idx"`
	NetKey    string `yaml:"net_key"`
	NewNetKey string `yaml:"new_net_key"`
}

// MQTTConfig configures the network-layer bridge. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshproxy")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Adapter:   "hci0",
		Proxy: ProxyConfig{
			MaxConnections: 3,
			FilterSize:     16,
			MsgLen:         66,
			SARTimeout:     20 * time.Second,
			Tick:           250 * time.Millisecond,
			QueueSize:      16,
		},
		Server: ServerConfig{
			GATTProxy:           true,
			PBGATT:              true,
			PrimaryAddr:         0x0001,
			NodeIdentityTimeout: 60 * time.Second,
			FastAdvDuration:     60 * time.Second,
			FastInterval:        20 * time.Millisecond,
			SlowInterval:        time.Second,
			ProxyInterval:       time.Second,
		},
		Client: ClientConfig{
			ConnectTimeout: 10 * time.Second,
			NetIdx:         []uint16{0},
		},
		PBGATT: PBGATTConfig{
			Timeout: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "meshproxy",
			TopicPrefix: "mesh",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Proxy.MaxConnections < 1 {
		return fmt.Errorf("proxy.max_connections must be >= 1")
	}
	if c.Proxy.FilterSize < 1 {
		return fmt.Errorf("proxy.filter_size must be >= 1")
	}
	if c.Proxy.MsgLen < 1 {
		return fmt.Errorf("proxy.msg_len must be >= 1")
	}
	if c.Proxy.QueueSize < 1 {
		return fmt.Errorf("proxy.queue_size must be >= 1")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"proxy.sar_timeout", c.Proxy.SARTimeout},
		{"proxy.tick", c.Proxy.Tick},
		{"server.node_identity_timeout", c.Server.NodeIdentityTimeout},
		{"server.fast_interval", c.Server.FastInterval},
		{"server.slow_interval", c.Server.SlowInterval},
		{"server.proxy_interval", c.Server.ProxyInterval},
		{"client.connect_timeout", c.Client.ConnectTimeout},
		{"pb_gatt.timeout", c.PBGATT.Timeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.Server.FastAdvDuration < 0 {
		return fmt.Errorf("server.fast_adv_duration must be >= 0")
	}

	if c.Server.DeviceUUID != "" {
		if _, err := uuid.Parse(c.Server.DeviceUUID); err != nil {
			return fmt.Errorf("server.device_uuid: %w", err)
		}
	}

	seen := make(map[uint16]bool)
	for _, s := range c.Subnets {
		if s.NetIdx > 0x0fff {
			return fmt.Errorf("subnets: net_idx 0x%04x exceeds 12 bits", s.NetIdx)
		}
		if seen[s.NetIdx] {
			return fmt.Errorf("subnets: duplicate net_idx %d", s.NetIdx)
		}
		seen[s.NetIdx] = true
		if _, err := decodeKey(s.NetKey); err != nil {
			return fmt.Errorf("subnets[%d].net_key: %w", s.NetIdx, err)
		}
		if s.NewNetKey != "" {
			if _, err := decodeKey(s.NewNetKey); err != nil {
				return fmt.Errorf("subnets[%d].new_net_key: %w", s.NetIdx, err)
			}
		}
	}

	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix must not be empty when a broker is set")
	}

	return nil
}

// SubnetTable decodes the configured keys and derives their advertising keys.
func (c *Config) SubnetTable() (*proxy.SubnetTable, error) {
	table := proxy.NewSubnetTable()
	for _, s := range c.Subnets {
		key, err := decodeKey(s.NetKey)
		if err != nil {
			return nil, fmt.Errorf("subnet %d: %w", s.NetIdx, err)
		}
		var newKey []byte
		if s.NewNetKey != "" {
			if newKey, err = decodeKey(s.NewNetKey); err != nil {
				return nil, fmt.Errorf("subnet %d: %w", s.NetIdx, err)
			}
		}
		sub, err := proxy.NewSubnet(s.NetIdx, key, newKey)
		if err != nil {
			return nil, fmt.Errorf("subnet %d: %w", s.NetIdx, err)
		}
		table.Put(sub)
	}
	return table, nil
}

// DeviceUUID returns the configured device UUID, or a fresh random one.
func (c *Config) DeviceUUID() uuid.UUID {
	if id, err := uuid.Parse(c.Server.DeviceUUID); err == nil {
		return id
	}
	return uuid.New()
}

// NodeOptions maps the config onto the bearer's options.
func (c *Config) NodeOptions() proxy.Options {
	return proxy.Options{
		MaxConnections: c.Proxy.MaxConnections,
		FilterSize:     c.Proxy.FilterSize,
		MsgLen:         c.Proxy.MsgLen,
		SARTimeout:     c.Proxy.SARTimeout,
		Tick:           c.Proxy.Tick,
		QueueSize:      c.Proxy.QueueSize,
		PBTimeout:      c.PBGATT.Timeout,
		ConnectTimeout: c.Client.ConnectTimeout,
		AllowAny:       c.Client.AllowAny,
		Scheduler: proxy.SchedulerOptions{
			NodeIdentityTimeout: c.Server.NodeIdentityTimeout,
			FastAdvDuration:     c.Server.FastAdvDuration,
			FastInterval:        c.Server.FastInterval,
			SlowInterval:        c.Server.SlowInterval,
			ProxyInterval:       c.Server.ProxyInterval,
			PrimaryAddr:         c.Server.PrimaryAddr,
			DeviceUUID:          c.DeviceUUID(),
			OOBInfo:             c.Server.OOBInfo,
			Private:             c.Server.PrivateProxy,
			GATTProxy:           c.Server.GATTProxy,
			Provisioned:         len(c.Subnets) > 0,
		},
	}
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}
	return key, nil
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
