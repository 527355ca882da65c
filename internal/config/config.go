// Package config loads the test driver's configuration.
//
// Configuration is loaded with the following precedence:
//  1. Command-line flags (highest priority, applied by the caller)
//  2. Environment variables (NIXL_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
//
// The engine-facing output is a backend.InitParams value: the agent name,
// worker settings, and the engine-specific string parameters of spec'd
// keys (endpoint_override, scheme, bucket, ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// Config holds the driver configuration.
type Config struct {
	// Agent is the local agent name.
	Agent string `mapstructure:"agent"`

	// Backend selects the engine: "ucx" or "obj".
	Backend string `mapstructure:"backend"`

	// LogLevel is the zerolog level name.
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr, when set, serves /metrics and /healthz.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// UCX configures the network engine.
	UCX UCXConfig `mapstructure:"ucx"`

	// Obj configures the object-storage engine.
	Obj ObjConfig `mapstructure:"obj"`
}

// UCXConfig holds the network engine settings.
type UCXConfig struct {
	// NumWorkers is the transport worker count.
	NumWorkers int `mapstructure:"num_workers"`

	// EnableProgTh starts the background progress thread.
	EnableProgTh bool `mapstructure:"enable_progress_thread"`

	// PthrDelayMs is the progress thread's idle poll timeout.
	PthrDelayMs int `mapstructure:"progress_thread_delay_ms"`

	// DeviceList is a comma or space separated transport device filter.
	DeviceList string `mapstructure:"device_list"`
}

// ObjConfig holds the object engine settings.
type ObjConfig struct {
	Endpoint          string `mapstructure:"endpoint"`
	Scheme            string `mapstructure:"scheme"`
	Region            string `mapstructure:"region"`
	AccessKey         string `mapstructure:"access_key"`
	SecretKey         string `mapstructure:"secret_key"`
	SessionToken      string `mapstructure:"session_token"`
	Bucket            string `mapstructure:"bucket"`
	VirtualAddressing bool   `mapstructure:"use_virtual_addressing"`
	ClientType        string `mapstructure:"client_type"`
}

// Load reads the configuration file (optional) and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("agent", "nixl-agent")
	v.SetDefault("backend", "ucx")
	v.SetDefault("log_level", "info")
	v.SetDefault("ucx.num_workers", 1)
	v.SetDefault("ucx.enable_progress_thread", false)
	v.SetDefault("ucx.progress_thread_delay_ms", 100)
	v.SetDefault("obj.scheme", "https")
	v.SetDefault("obj.client_type", "aws")

	v.SetEnvPrefix("NIXL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// InitParams renders the configuration as engine init parameters.
func (c *Config) InitParams() *backend.InitParams {
	custom := nixl.Params{}

	switch c.Backend {
	case "ucx":
		if c.UCX.DeviceList != "" {
			custom["device_list"] = c.UCX.DeviceList
		}
	case "obj":
		if c.Obj.Endpoint != "" {
			custom["endpoint_override"] = c.Obj.Endpoint
		}

		if c.Obj.Scheme != "" {
			custom["scheme"] = c.Obj.Scheme
		}

		if c.Obj.Region != "" {
			custom["region"] = c.Obj.Region
		}

		if c.Obj.AccessKey != "" {
			custom["access_key"] = c.Obj.AccessKey
		}

		if c.Obj.SecretKey != "" {
			custom["secret_key"] = c.Obj.SecretKey
		}

		if c.Obj.SessionToken != "" {
			custom["session_token"] = c.Obj.SessionToken
		}

		if c.Obj.Bucket != "" {
			custom["bucket"] = c.Obj.Bucket
		}

		if c.Obj.VirtualAddressing {
			custom["use_virtual_addressing"] = "true"
		}

		if c.Obj.ClientType != "" {
			custom["client_type"] = c.Obj.ClientType
		}
	}

	return &backend.InitParams{
		LocalAgent:   c.Agent,
		NumWorkers:   c.UCX.NumWorkers,
		EnableProgTh: c.UCX.EnableProgTh,
		PthrDelay:    time.Duration(c.UCX.PthrDelayMs) * time.Millisecond,
		Custom:       custom,
	}
}
