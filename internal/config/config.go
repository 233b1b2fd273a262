// Package config loads duplexd configuration from a file and DUPLEX_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"

	"github.com/Zereker/duplex"
)

// Config is the root configuration of the duplexd binary.
type Config struct {
	Client      ClientConfig      `mapstructure:"client"`
	Server      ServerConfig      `mapstructure:"server"`
	TLS         TLSConfig         `mapstructure:"tls"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Hub         HubConfig         `mapstructure:"hub"`
	Log         LogConfig         `mapstructure:"log"`
}

// ClientConfig configures the dialing side.
type ClientConfig struct {
	Host              string          `mapstructure:"host"`
	Port              uint16          `mapstructure:"port"`
	BufferSize        int             `mapstructure:"buffer_size"`
	Reconnect         bool            `mapstructure:"reconnect"`
	ReconnectDelay    time.Duration   `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration   `mapstructure:"max_reconnect_delay"`
	KeepAlive         KeepAliveConfig `mapstructure:"keepalive"`
}

// ServerConfig configures the listening side.
type ServerConfig struct {
	Port       uint16 `mapstructure:"port"`
	BufferSize int    `mapstructure:"buffer_size"`
	// Encoding is utf8 or utf16le.
	Encoding  string          `mapstructure:"encoding"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
}

// KeepAliveConfig mirrors duplex.KeepAlive for one side of a connection.
type KeepAliveConfig struct {
	Idle     time.Duration `mapstructure:"idle"`
	Interval time.Duration `mapstructure:"interval"`
	Count    int           `mapstructure:"count"`
}

// TLSConfig enables the secure variant when CertFile is set.
type TLSConfig struct {
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ServerName string `mapstructure:"server_name"`
}

// CorrelationConfig configures request/response channels.
type CorrelationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HubConfig configures the gRPC hub.
type HubConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
	// Backend: logrus or zap
	Backend string `mapstructure:"backend"`
	// File, when set, receives log output instead of stderr.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls rotation of the log file.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Enabled reports whether TLS material is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != ""
}

// Value converts the configured timings to a duplex.KeepAlive.
func (c KeepAliveConfig) Value() duplex.KeepAlive {
	return duplex.KeepAlive{Idle: c.Idle, Interval: c.Interval, Count: c.Count}
}

func keepAliveConfig(ka duplex.KeepAlive) KeepAliveConfig {
	return KeepAliveConfig{Idle: ka.Idle, Interval: ka.Interval, Count: ka.Count}
}

// Default returns a Config populated with the library defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Host:              "127.0.0.1",
			Port:              9000,
			BufferSize:        duplex.DefaultBufferSize,
			Reconnect:         true,
			ReconnectDelay:    duplex.DefaultReconnectDelay,
			MaxReconnectDelay: time.Minute,
			KeepAlive:         keepAliveConfig(duplex.DefaultClientKeepAlive),
		},
		Server: ServerConfig{
			Port:       9000,
			BufferSize: duplex.DefaultBufferSize,
			Encoding:   "utf8",
			KeepAlive:  keepAliveConfig(duplex.DefaultServerKeepAlive),
		},
		Correlation: CorrelationConfig{Timeout: 30 * time.Second},
		Hub:         HubConfig{Address: "127.0.0.1:9100"},
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			Backend: "logrus",
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path, or from duplexd.{yaml,toml,json} in
// the usual locations when path is empty. A missing file is not an error.
// Environment variables use the prefix DUPLEX with `.` and `-` replaced by
// `_`, e.g. DUPLEX_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("DUPLEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv("DUPLEX_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("duplexd")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".duplex"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every key with viper so env-only configs work.
func seed(v *viper.Viper, cfg *Config) {
	v.SetDefault("client.host", cfg.Client.Host)
	v.SetDefault("client.port", cfg.Client.Port)
	v.SetDefault("client.buffer_size", cfg.Client.BufferSize)
	v.SetDefault("client.reconnect", cfg.Client.Reconnect)
	v.SetDefault("client.reconnect_delay", cfg.Client.ReconnectDelay)
	v.SetDefault("client.max_reconnect_delay", cfg.Client.MaxReconnectDelay)
	v.SetDefault("client.keepalive.idle", cfg.Client.KeepAlive.Idle)
	v.SetDefault("client.keepalive.interval", cfg.Client.KeepAlive.Interval)
	v.SetDefault("client.keepalive.count", cfg.Client.KeepAlive.Count)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.buffer_size", cfg.Server.BufferSize)
	v.SetDefault("server.encoding", cfg.Server.Encoding)
	v.SetDefault("server.keepalive.idle", cfg.Server.KeepAlive.Idle)
	v.SetDefault("server.keepalive.interval", cfg.Server.KeepAlive.Interval)
	v.SetDefault("server.keepalive.count", cfg.Server.KeepAlive.Count)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.ca_file", cfg.TLS.CAFile)
	v.SetDefault("tls.server_name", cfg.TLS.ServerName)
	v.SetDefault("correlation.timeout", cfg.Correlation.Timeout)
	v.SetDefault("hub.address", cfg.Hub.Address)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.backend", cfg.Log.Backend)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

// Validate normalizes enum-like fields and rejects values the binary cannot use.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	c.Log.Backend = strings.ToLower(strings.TrimSpace(c.Log.Backend))
	switch c.Log.Backend {
	case "":
		c.Log.Backend = "logrus"
	case "logrus", "zap":
	default:
		return fmt.Errorf("invalid log.backend: %q", c.Log.Backend)
	}

	c.Server.Encoding = strings.ToLower(strings.TrimSpace(c.Server.Encoding))
	if _, err := EncodingByName(c.Server.Encoding); err != nil {
		return err
	}

	if c.Client.BufferSize < 0 || c.Server.BufferSize < 0 {
		return duplex.ErrInvalidBufferSize
	}
	if c.TLS.Enabled() && c.TLS.KeyFile == "" {
		return errors.New("tls.key_file is required with tls.cert_file")
	}
	return nil
}

// EncodingByName maps a config encoding name to its text encoding.
func EncodingByName(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf8", "utf-8":
		return duplex.UTF8, nil
	case "utf16le", "utf-16le", "unicode":
		return duplex.UTF16LE, nil
	default:
		return nil, fmt.Errorf("invalid encoding: %q", name)
	}
}
