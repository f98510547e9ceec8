package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	SendBufferSize      int           `mapstructure:"send_buffer_size"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ReadLimitBytes      int64         `mapstructure:"read_limit_bytes"`
}

const (
	defaultListenAddress       = "0.0.0.0:8765"
	defaultAdminAddress        = "127.0.0.1:9100"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultSendBufferSize      = 32
	defaultWriteTimeout        = 5 * time.Second
	defaultReadLimitBytes      = 1 << 20
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with UNSPOKEN_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UNSPOKEN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("send_buffer_size", defaultSendBufferSize)
	v.SetDefault("write_timeout", defaultWriteTimeout.String())
	v.SetDefault("read_limit_bytes", defaultReadLimitBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	var err error
	if cfg.ShutdownGracePeriod, err = duration(v, "shutdown_grace_period", defaultShutdownGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = duration(v, "write_timeout", defaultWriteTimeout); err != nil {
		return Config{}, err
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = defaultReadLimitBytes
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	if !v.IsSet(key) {
		return fallback, nil
	}
	dur, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}
