package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Agent configuration keys. Each is also read from OLT_<KEY> with dashes
// replaced by underscores.
const (
	KeyBackendURL     = "backend-url"
	KeyStoreDriver    = "store-driver"
	KeyStorePath      = "store-path"
	KeyRequestTimeout = "request-timeout"
	KeyProbeInterval  = "probe-interval"
	KeyLogLevel       = "log-level"
	KeyLogFormat      = "log-format"
	KeyLogFile        = "log-file"
	KeyMetricsAddress = "metrics-address"
)

// AgentConfig configures the device agent.
type AgentConfig struct {
	BackendURL     string
	StoreDriver    string
	StorePath      string
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
	LogLevel       string
	LogFormat      string
	LogFile        string
	MetricsAddress string
}

// NewAgentViper returns a viper instance with defaults and environment binding.
func NewAgentViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("OLT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyBackendURL, "http://localhost:4000")
	v.SetDefault(KeyStoreDriver, "file")
	v.SetDefault(KeyStorePath, defaultStorePath())
	v.SetDefault(KeyRequestTimeout, 10*time.Second)
	v.SetDefault(KeyProbeInterval, 5*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyMetricsAddress, "")
	return v
}

// ReadAgentFile merges an optional config file into v. A missing path is not an error.
func ReadAgentFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// LoadAgent resolves the agent configuration from v.
func LoadAgent(v *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		BackendURL:     strings.TrimRight(strings.TrimSpace(v.GetString(KeyBackendURL)), "/"),
		StoreDriver:    strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		StorePath:      strings.TrimSpace(v.GetString(KeyStorePath)),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		ProbeInterval:  v.GetDuration(KeyProbeInterval),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		LogFile:        strings.TrimSpace(v.GetString(KeyLogFile)),
		MetricsAddress: strings.TrimSpace(v.GetString(KeyMetricsAddress)),
	}

	if cfg.BackendURL == "" {
		return AgentConfig{}, errors.New("backend-url is required")
	}
	switch cfg.StoreDriver {
	case "file", "sqlite", "memory":
	default:
		return AgentConfig{}, fmt.Errorf("unsupported store-driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver != "memory" && cfg.StorePath == "" {
		return AgentConfig{}, errors.New("store-path is required")
	}
	if cfg.RequestTimeout <= 0 {
		return AgentConfig{}, errors.New("request-timeout must be positive")
	}
	if cfg.ProbeInterval <= 0 {
		return AgentConfig{}, errors.New("probe-interval must be positive")
	}
	return cfg, nil
}

func defaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "activitysync")
	}
	return ".activitysync"
}
