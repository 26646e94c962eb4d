// Package config loads the service configuration from a YAML file, the
// ZT_ environment and the Home Assistant add-on options file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"zigbee-toolkit/internal/zigbee"
)

// EnvPrefix prefixes environment overrides: ZT_NETWORK_CHANNEL=20 sets
// network.channel.
const EnvPrefix = "ZT"

// DefaultOptionsFile is where Home Assistant mounts add-on options.
const DefaultOptionsFile = "/data/options.json"

type NCPConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Port string `mapstructure:"port" yaml:"port"`
	Baud int    `mapstructure:"baud" yaml:"baud"`
}

type NetworkConfig struct {
	Channel  uint8  `mapstructure:"channel" yaml:"channel"`
	PanID    uint16 `mapstructure:"pan_id" yaml:"pan_id"`
	ExtPanID string `mapstructure:"extended_pan_id" yaml:"extended_pan_id"`
	// NetworkKey is 32 hex digits; empty lets the radio generate one.
	NetworkKey string `mapstructure:"network_key" yaml:"network_key,omitempty"`
}

type WebConfig struct {
	Listen         string   `mapstructure:"listen" yaml:"listen"`
	APIKey         string   `mapstructure:"api_key" yaml:"api_key,omitempty"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	// ExecuteRate limits POST /api/execute per second; 0 disables the limit.
	ExecuteRate  float64 `mapstructure:"execute_rate" yaml:"execute_rate"`
	ExecuteBurst int     `mapstructure:"execute_burst" yaml:"execute_burst"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	Username    string `mapstructure:"username" yaml:"username,omitempty"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`

	// PublishEvents mirrors bus events and device state to the broker.
	PublishEvents bool  `mapstructure:"publish_events" yaml:"publish_events"`
	MaxInFlight   int64 `mapstructure:"max_in_flight" yaml:"max_in_flight"`
}

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`
	Format string        `mapstructure:"format" yaml:"format"`
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// ExecuteConfig tunes command dispatch.
type ExecuteConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Strict       bool          `mapstructure:"strict" yaml:"strict"`
	HistoryLimit int           `mapstructure:"history_limit" yaml:"history_limit"`
	BackupDir    string        `mapstructure:"backup_dir" yaml:"backup_dir"`
	FloodRate    float64       `mapstructure:"flood_rate" yaml:"flood_rate"`
	FloodBurst   int           `mapstructure:"flood_burst" yaml:"flood_burst"`
}

// Schedule runs a command on a cron spec.
type Schedule struct {
	Name    string                 `mapstructure:"name" yaml:"name,omitempty"`
	Spec    string                 `mapstructure:"spec" yaml:"spec"`
	Command string                 `mapstructure:"command" yaml:"command"`
	IEEE    string                 `mapstructure:"ieee" yaml:"ieee,omitempty"`
	Data    string                 `mapstructure:"data" yaml:"data,omitempty"`
	Params  map[string]interface{} `mapstructure:"params" yaml:"params,omitempty"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is host:port of an OTLP/HTTP collector; empty disables
	// tracing.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`
	Insecure     bool    `mapstructure:"insecure" yaml:"insecure"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Config is the full service configuration.
type Config struct {
	NCP         NCPConfig       `mapstructure:"ncp" yaml:"ncp"`
	Network     NetworkConfig   `mapstructure:"network" yaml:"network"`
	Web         WebConfig       `mapstructure:"web" yaml:"web"`
	Store       StoreConfig     `mapstructure:"store" yaml:"store"`
	MQTT        MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Log         LogConfig       `mapstructure:"log" yaml:"log"`
	Execute     ExecuteConfig   `mapstructure:"execute" yaml:"execute"`
	Schedules   []Schedule      `mapstructure:"schedules" yaml:"schedules,omitempty"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics     MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	ScriptsDir  string          `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	ClustersDir string          `mapstructure:"clusters_dir" yaml:"clusters_dir,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ncp.type", "nrf52840")
	v.SetDefault("ncp.baud", 460800)

	v.SetDefault("network.channel", 15)
	v.SetDefault("network.pan_id", 0x1A62)
	v.SetDefault("network.extended_pan_id", "dd:dd:dd:dd:dd:dd:dd:dd")

	v.SetDefault("web.listen", "127.0.0.1:8080")
	v.SetDefault("web.execute_rate", 2)
	v.SetDefault("web.execute_burst", 5)

	v.SetDefault("store.path", "zigbee-toolkit.db")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "zigbee-toolkit")
	v.SetDefault("mqtt.topic_prefix", "zigbee_toolkit")
	v.SetDefault("mqtt.publish_events", false)
	v.SetDefault("mqtt.max_in_flight", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("execute.timeout", "60s")
	v.SetDefault("execute.strict", false)
	v.SetDefault("execute.history_limit", 500)
	v.SetDefault("execute.backup_dir", "backups")
	v.SetDefault("execute.flood_rate", 5)
	v.SetDefault("execute.flood_burst", 1)

	v.SetDefault("telemetry.service_name", "zigbee-toolkit")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("scripts_dir", "scripts")
}

// Load reads path (optional; missing files fall back to defaults), merges
// the add-on options file when it exists and applies ZT_ environment
// overrides.
func Load(path, optionsFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if optionsFile != "" {
		if _, err := os.Stat(optionsFile); err == nil {
			opts := viper.New()
			opts.SetConfigFile(optionsFile)
			opts.SetConfigType("json")
			if err := opts.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read add-on options: %w", err)
			}
			if err := v.MergeConfigMap(opts.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge add-on options: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.NCP.Port == "" {
		errs = append(errs, errors.New("ncp.port is required"))
	}
	if c.NCP.Type != "nrf52840" {
		errs = append(errs, fmt.Errorf("unknown ncp.type %q (supported: nrf52840)", c.NCP.Type))
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		errs = append(errs, fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel))
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		errs = append(errs, errors.New("network.pan_id must not be 0x0000 or 0xFFFF"))
	}
	if _, err := zigbee.ParseIEEE(c.Network.ExtPanID); err != nil {
		errs = append(errs, fmt.Errorf("network.extended_pan_id: %w", err))
	}
	if _, err := c.NetworkKey(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Execute.Timeout <= 0 {
		errs = append(errs, errors.New("execute.timeout must be positive"))
	}
	if c.Execute.HistoryLimit < 0 {
		errs = append(errs, errors.New("execute.history_limit must not be negative"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within 0-1, got %g", c.Telemetry.SampleRatio))
	}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Spec) == "" || strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: spec and command are required", i))
		}
	}
	return errors.Join(errs...)
}

// ExtPanID returns the parsed extended PAN id.
func (c *Config) ExtPanID() (zigbee.IEEE, error) {
	return zigbee.ParseIEEE(c.Network.ExtPanID)
}

// NetworkKey returns the configured network key, or nil when unset.
func (c *Config) NetworkKey() ([]byte, error) {
	s := strings.ReplaceAll(strings.TrimSpace(c.Network.NetworkKey), ":", "")
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != 16 {
		return nil, errors.New("network.network_key must be 32 hex digits")
	}
	return key, nil
}

const redacted = "********"

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	cp := *c
	for _, s := range []*string{&cp.Web.APIKey, &cp.MQTT.Password, &cp.Network.NetworkKey} {
		if *s != "" {
			*s = redacted
		}
	}
	return yaml.Marshal(&cp)
}
