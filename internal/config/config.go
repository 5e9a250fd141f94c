// Package config loads the host configuration from defaults, an optional
// YAML file and INTERLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// Config is the root configuration of a host process.
type Config struct {
	AppName        string `mapstructure:"app_name"`
	ParentWindowID string `mapstructure:"parent_window_id"`
	InstanceID     string `mapstructure:"instance_id"` // empty generates one

	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Preferred PreferredConfig `mapstructure:"preferred"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Log       LogConfig       `mapstructure:"log"`

	// StatsInterval enables the periodic stats line when positive.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// ServerConfig is the websocket endpoint other processes join through.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
	Codec  string `mapstructure:"codec"` // framing used when dialing out: json or cbor
}

type GatewayConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	OutboundBuffer int `mapstructure:"outbound_buffer"`
}

// PreferredConfig selects the preferred transport. An empty URL disables
// discovery.
type PreferredConfig struct {
	URL                   string        `mapstructure:"url"`
	Token                 string        `mapstructure:"token"`
	Username              string        `mapstructure:"username"`
	Password              string        `mapstructure:"password"`
	DiscoveryInterval     time.Duration `mapstructure:"discovery_interval"`
	ForceIncompleteSwitch bool          `mapstructure:"force_incomplete_switch"`
	MinSwitchInterval     time.Duration `mapstructure:"min_switch_interval"`
}

// Auth returns the credentials passed to the preferred endpoint, or nil.
func (p PreferredConfig) Auth() *protocol.Auth {
	if p.Token == "" && p.Username == "" && p.Password == "" {
		return nil
	}
	return &protocol.Auth{Token: p.Token, Username: p.Username, Password: p.Password}
}

type TimeoutConfig struct {
	Switch              time.Duration `mapstructure:"switch"`
	PreferredLogic      time.Duration `mapstructure:"preferred_logic"`
	PreferredConnection time.Duration `mapstructure:"preferred_connection"`
	Handshake           time.Duration `mapstructure:"handshake"`
	Call                time.Duration `mapstructure:"call"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Options converts the section for util.ConfigureLogger.
func (l LogConfig) Options() util.LogOptions {
	return util.LogOptions{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		AppName: "interlink",
		Server:  ServerConfig{Listen: "127.0.0.1:7420", Codec: protocol.CodecJSON},
		Gateway: GatewayConfig{MaxConnections: 0, OutboundBuffer: 64},
		Preferred: PreferredConfig{
			DiscoveryInterval: 30 * time.Second,
			MinSwitchInterval: time.Second,
		},
		Timeouts: TimeoutConfig{
			Switch:              10 * time.Second,
			PreferredLogic:      2 * time.Second,
			PreferredConnection: 5 * time.Second,
			Handshake:           5 * time.Second,
			Call:                30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads configuration from path when set, otherwise from
// INTERLINK_CONFIG or an interlink.yaml in the usual places. A missing file
// is not an error. Environment variables use the prefix INTERLINK with
// dots replaced by underscores, e.g. INTERLINK_PREFERRED_URL.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INTERLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed every key so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("parent_window_id", cfg.ParentWindowID)
	v.SetDefault("instance_id", cfg.InstanceID)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.token", cfg.Server.Token)
	v.SetDefault("server.codec", cfg.Server.Codec)
	v.SetDefault("gateway.max_connections", cfg.Gateway.MaxConnections)
	v.SetDefault("gateway.outbound_buffer", cfg.Gateway.OutboundBuffer)
	v.SetDefault("preferred.url", cfg.Preferred.URL)
	v.SetDefault("preferred.token", cfg.Preferred.Token)
	v.SetDefault("preferred.username", cfg.Preferred.Username)
	v.SetDefault("preferred.password", cfg.Preferred.Password)
	v.SetDefault("preferred.discovery_interval", cfg.Preferred.DiscoveryInterval)
	v.SetDefault("preferred.force_incomplete_switch", cfg.Preferred.ForceIncompleteSwitch)
	v.SetDefault("preferred.min_switch_interval", cfg.Preferred.MinSwitchInterval)
	v.SetDefault("timeouts.switch", cfg.Timeouts.Switch)
	v.SetDefault("timeouts.preferred_logic", cfg.Timeouts.PreferredLogic)
	v.SetDefault("timeouts.preferred_connection", cfg.Timeouts.PreferredConnection)
	v.SetDefault("timeouts.handshake", cfg.Timeouts.Handshake)
	v.SetDefault("timeouts.call", cfg.Timeouts.Call)
	v.SetDefault("rtc.ice_servers", cfg.RTC.ICEServers)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
	v.SetDefault("stats_interval", cfg.StatsInterval)

	if path == "" {
		path = os.Getenv("INTERLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("interlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".interlink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if _, err := protocol.CodecByName(c.Server.Codec); err != nil {
		return fmt.Errorf("invalid server.codec: %w", err)
	}
	if c.Gateway.MaxConnections < 0 {
		return fmt.Errorf("invalid gateway.max_connections: %d", c.Gateway.MaxConnections)
	}

	if c.Preferred.URL != "" {
		u, err := url.Parse(c.Preferred.URL)
		if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid preferred.url: %q", c.Preferred.URL)
		}
		if c.Preferred.DiscoveryInterval <= 0 {
			return fmt.Errorf("invalid preferred.discovery_interval: %s", c.Preferred.DiscoveryInterval)
		}
	}

	for name, d := range map[string]time.Duration{
		"timeouts.switch":               c.Timeouts.Switch,
		"timeouts.preferred_logic":      c.Timeouts.PreferredLogic,
		"timeouts.preferred_connection": c.Timeouts.PreferredConnection,
		"timeouts.handshake":            c.Timeouts.Handshake,
		"timeouts.call":                 c.Timeouts.Call,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}
	return nil
}
