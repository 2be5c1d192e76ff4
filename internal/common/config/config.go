// Package config provides configuration management for paseod.
// It supports loading configuration from environment variables, a config
// file, and defaults, the way the teacher's internal/common/config does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for paseod.
type Config struct {
	Home        string            `mapstructure:"home"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Terminal    TerminalConfig    `mapstructure:"terminal"`
	HostRuntime HostRuntimeConfig `mapstructure:"hostRuntime"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	NoRelay      bool   `mapstructure:"noRelay"`
	PrimaryLANIP string `mapstructure:"primaryLanIp"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds

	// AuthToken gates the Session Gateway's accept handshake (§4.2
	// "auth via version/key exchange"). Empty disables the check, which
	// is the expected posture for a daemon reachable only over loopback
	// or an already-authenticated relay tunnel.
	AuthToken string `mapstructure:"authToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TerminalConfig holds Terminal Multiplexer tuning knobs.
type TerminalConfig struct {
	ScrollbackCapBytes int `mapstructure:"scrollbackCapBytes"`
	DefaultCols        int `mapstructure:"defaultCols"`
	DefaultRows        int `mapstructure:"defaultRows"`
}

// HostRuntimeConfig holds Host Runtime Controller tuning knobs (§4.4).
type HostRuntimeConfig struct {
	ProbeIntervalMs       int `mapstructure:"probeIntervalMs"`
	SwitchLatencyMarginMs int `mapstructure:"switchLatencyMarginMs"`
	SwitchConsecutiveWins int `mapstructure:"switchConsecutiveWins"`
	ProbeTimeoutMs        int `mapstructure:"probeTimeoutMs"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat mirrors the teacher's terminal-vs-production heuristic.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PASEO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	if home := os.Getenv("PASEO_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".paseo")
	}
	return ".paseo"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	v.SetDefault("server.listen", "0.0.0.0:7777")
	v.SetDefault("server.noRelay", false)
	v.SetDefault("server.primaryLanIp", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.authToken", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("terminal.scrollbackCapBytes", 200*1024)
	v.SetDefault("terminal.defaultCols", 80)
	v.SetDefault("terminal.defaultRows", 24)

	v.SetDefault("hostRuntime.probeIntervalMs", 5000)
	v.SetDefault("hostRuntime.switchLatencyMarginMs", 40)
	v.SetDefault("hostRuntime.switchConsecutiveWins", 3)
	v.SetDefault("hostRuntime.probeTimeoutMs", 2000)

	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "paseod")
}

// Load reads configuration from environment variables, a config file, and
// defaults. Environment variables use the PASEO_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory, falling back
// to the current directory and /etc/paseo/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("home", "PASEO_HOME")
	_ = v.BindEnv("server.listen", "PASEO_LISTEN")
	_ = v.BindEnv("server.primaryLanIp", "PASEO_PRIMARY_LAN_IP")
	_ = v.BindEnv("server.authToken", "PASEO_AUTH_TOKEN")
	_ = v.BindEnv("logging.level", "PASEO_LOG_LEVEL")
	_ = v.BindEnv("tracing.otlpEndpoint", "PASEO_OTEL_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/paseo/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Terminal.ScrollbackCapBytes <= 0 {
		errs = append(errs, "terminal.scrollbackCapBytes must be positive")
	}
	if cfg.HostRuntime.SwitchConsecutiveWins <= 0 {
		errs = append(errs, "hostRuntime.switchConsecutiveWins must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
