package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbocsi/lorarelay/proto"
)

const (
	DefaultReachabilityTimeout = 300 * time.Second
	DefaultSessionTTL          = time.Hour
	DefaultCommandTTL          = 24 * time.Hour
	DefaultSweepInterval       = time.Minute
	DefaultStatsWindow         = 1024
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultTTNPort             = 1
	DefaultTTNPriority         = "NORMAL"
	DefaultTCPListen           = "0.0.0.0:8888"
	DefaultTCPMaxClients       = 16
	DefaultWSListen            = "0.0.0.0:8889"
	DefaultWebListen           = "0.0.0.0:8080"
	DefaultLoRaFrequency       = 868000000
	DefaultLoRaBandwidth       = 125000
	DefaultLoRaSpreadingFactor = 7
	DefaultLoRaCodingRate      = 5
	DefaultLoRaTxPower         = 14
	DefaultDiscoveryInstance   = "lorarelay"
)

// Config is the relay process configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Relay       RelayConfig       `yaml:"relay"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	TTN         TTNConfig         `yaml:"ttn"`
	TCP         TCPConfig         `yaml:"tcp"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	LoRa        LoRaConfig        `yaml:"lora"`
	Web         WebConfig         `yaml:"web"`
	MCP         MCPConfig         `yaml:"mcp"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// RelayConfig tunes the roster/command engine.
type RelayConfig struct {
	ReachabilityTimeout time.Duration `yaml:"reachability_timeout"`
	FrameBudget         int           `yaml:"frame_budget"`
	// A negative TTL keeps entries until they are matched.
	SessionTTL    time.Duration `yaml:"session_ttl"`
	CommandTTL    time.Duration `yaml:"command_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DiagnosticsConfig struct {
	CSVPath     string `yaml:"csv_path"` // empty disables the CSV log
	StatsWindow int    `yaml:"stats_window"`
}

// TTNConfig connects to The Things Network MQTT integration.
type TTNConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. tls://nam1.cloud.thethings.network:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	AppID              string `yaml:"app_id"`
	FPort              int    `yaml:"f_port"`
	Priority           string `yaml:"priority"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type TCPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	MaxClients int    `yaml:"max_clients"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoRaConfig drives a locally attached SX1276 radio.
type LoRaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SPIDevice       string `yaml:"spi_device"`
	Frequency       uint32 `yaml:"frequency"`
	Bandwidth       uint32 `yaml:"bandwidth"`
	SpreadingFactor uint8  `yaml:"spreading_factor"`
	CodingRate      uint8  `yaml:"coding_rate"`
	TxPower         uint8  `yaml:"tx_power"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // stdio transport
}

// DiscoveryConfig advertises the gateway listeners over mDNS.
type DiscoveryConfig struct {
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance"`
}

// Default returns a configuration with every default applied and only the TCP
// gateway and web API enabled.
func Default() Config {
	cfg := Config{
		TCP: TCPConfig{Enabled: true},
		Web: WebConfig{Enabled: true},
	}
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file, then applies env overrides and defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv lets secrets live outside the file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("TTN_USERNAME"); v != "" {
		cfg.TTN.Username = v
	}
	if v := os.Getenv("TTN_PASSWORD"); v != "" {
		cfg.TTN.Password = v
	}
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if !cfg.TTN.Enabled && !cfg.TCP.Enabled && !cfg.WebSocket.Enabled && !cfg.LoRa.Enabled {
		return fmt.Errorf("at least one transport (ttn, tcp, websocket, lora) must be enabled")
	}
	if cfg.Relay.FrameBudget < 3 {
		return fmt.Errorf("relay.frame_budget must be at least 3, got %d", cfg.Relay.FrameBudget)
	}
	if cfg.Relay.ReachabilityTimeout <= 0 {
		return fmt.Errorf("relay.reachability_timeout must be positive")
	}
	if cfg.Relay.SweepInterval <= 0 {
		return fmt.Errorf("relay.sweep_interval must be positive")
	}
	if cfg.TTN.Enabled {
		if cfg.TTN.Broker == "" {
			return fmt.Errorf("ttn.broker is required")
		}
		if cfg.TTN.Username == "" {
			return fmt.Errorf("ttn.username is required")
		}
		if cfg.TTN.AppID == "" {
			return fmt.Errorf("ttn.app_id is required")
		}
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Relay.ReachabilityTimeout == 0 {
		cfg.Relay.ReachabilityTimeout = DefaultReachabilityTimeout
	}
	if cfg.Relay.FrameBudget == 0 {
		cfg.Relay.FrameBudget = proto.FrameBudget
	}
	if cfg.Relay.SessionTTL == 0 {
		cfg.Relay.SessionTTL = DefaultSessionTTL
	}
	if cfg.Relay.CommandTTL == 0 {
		cfg.Relay.CommandTTL = DefaultCommandTTL
	}
	if cfg.Relay.SweepInterval == 0 {
		cfg.Relay.SweepInterval = DefaultSweepInterval
	}

	if cfg.Diagnostics.StatsWindow == 0 {
		cfg.Diagnostics.StatsWindow = DefaultStatsWindow
	}

	if cfg.TTN.FPort == 0 {
		cfg.TTN.FPort = DefaultTTNPort
	}
	if cfg.TTN.Priority == "" {
		cfg.TTN.Priority = DefaultTTNPriority
	}

	if cfg.TCP.Listen == "" {
		cfg.TCP.Listen = DefaultTCPListen
	}
	if cfg.TCP.MaxClients == 0 {
		cfg.TCP.MaxClients = DefaultTCPMaxClients
	}
	if cfg.WebSocket.Listen == "" {
		cfg.WebSocket.Listen = DefaultWSListen
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = DefaultWebListen
	}

	if cfg.LoRa.Frequency == 0 {
		cfg.LoRa.Frequency = DefaultLoRaFrequency
	}
	if cfg.LoRa.Bandwidth == 0 {
		cfg.LoRa.Bandwidth = DefaultLoRaBandwidth
	}
	if cfg.LoRa.SpreadingFactor == 0 {
		cfg.LoRa.SpreadingFactor = DefaultLoRaSpreadingFactor
	}
	if cfg.LoRa.CodingRate == 0 {
		cfg.LoRa.CodingRate = DefaultLoRaCodingRate
	}
	if cfg.LoRa.TxPower == 0 {
		cfg.LoRa.TxPower = DefaultLoRaTxPower
	}

	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = DefaultDiscoveryInstance
	}
}
