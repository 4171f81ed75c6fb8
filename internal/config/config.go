// Package config loads broker configuration from a YAML file, with
// environment variable overrides, using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// TCPConfig configures the binary protocol front-end.
type TCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// HTTPConfig configures the REST+SSE front-end.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// WebSocketConfig configures the WebSocket front-end.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Config is the broker's full runtime configuration.
type Config struct {
	ServerName string `mapstructure:"server_name"`
	LogLevel   string `mapstructure:"log_level"`
	DataDir    string `mapstructure:"data_directory"`

	TCP       TCPConfig       `mapstructure:"tcp_server"`
	HTTP      HTTPConfig      `mapstructure:"http_server"`
	WebSocket WebSocketConfig `mapstructure:"websocket_server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_name", "eventlog-broker")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_directory", "./data")

	v.SetDefault("tcp_server.enabled", true)
	v.SetDefault("tcp_server.host", "0.0.0.0")
	v.SetDefault("tcp_server.port", 12345)

	v.SetDefault("http_server.enabled", true)
	v.SetDefault("http_server.host", "0.0.0.0")
	v.SetDefault("http_server.port", 8080)

	v.SetDefault("websocket_server.enabled", true)
	v.SetDefault("websocket_server.host", "0.0.0.0")
	v.SetDefault("websocket_server.port", 9090)
}

// Load reads configPath (a YAML file) if present, applies defaults for
// anything it doesn't set, and lets EVENTLOG_-prefixed environment
// variables override any key (e.g. EVENTLOG_TCP_SERVER_PORT).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("eventlog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %q: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
