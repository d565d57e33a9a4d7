// Package config loads FW-Lite's configuration from defaults, an optional
// YAML file, environment variables, and CLI flag overrides: viper defaults
// plus an FWLITE_-prefixed environment layer plus an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	// BasePort is the first listener port; ProfileCount listeners are
	// bound at BasePort..BasePort+ProfileCount-1, one per policy level.
	BasePort     int
	ProfileCount int

	PoolDepth     int
	RetryCeiling  int // bytes, the replay/staging buffer ceiling
	BaseTimeout   time.Duration
	MaxTimeout    time.Duration
	IdleTimeout   time.Duration
	ConnectStage0 time.Duration // multiplier applied to BaseTimeout
	MaxRetries    int

	AdminEnabled   bool
	AdminRemoteAPI bool // serve admin API to non-loopback clients

	RuleListPath string
	RuleListURL  string

	LogLevel  string
	LogFormat string
}

// Load builds a Config from defaults, optionally overlaid by a YAML file at
// path (ignored if empty), and by FWLITE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("base_port", 8123)
	v.SetDefault("profile_count", 4)
	v.SetDefault("pool.depth", 4)
	v.SetDefault("retry.ceiling_bytes", 100*1024)
	v.SetDefault("retry.base_timeout", "5s")
	v.SetDefault("retry.max_timeout", "10s")
	v.SetDefault("retry.idle_timeout", "60s")
	v.SetDefault("retry.connect_stage0_multiplier", 2)
	v.SetDefault("retry.max_iterations", 10)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.remote_api", false)
	v.SetDefault("ruleset.path", "")
	v.SetDefault("ruleset.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("FWLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	base, err := time.ParseDuration(v.GetString("retry.base_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: retry.base_timeout: %w", err)
	}
	maxT, err := time.ParseDuration(v.GetString("retry.max_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: retry.max_timeout: %w", err)
	}
	idle, err := time.ParseDuration(v.GetString("retry.idle_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: retry.idle_timeout: %w", err)
	}

	cfg := &Config{
		BasePort:       v.GetInt("base_port"),
		ProfileCount:   v.GetInt("profile_count"),
		PoolDepth:      v.GetInt("pool.depth"),
		RetryCeiling:   v.GetInt("retry.ceiling_bytes"),
		BaseTimeout:    base,
		MaxTimeout:     maxT,
		IdleTimeout:    idle,
		ConnectStage0:  time.Duration(v.GetInt("retry.connect_stage0_multiplier")),
		MaxRetries:     v.GetInt("retry.max_iterations"),
		AdminEnabled:   v.GetBool("admin.enabled"),
		AdminRemoteAPI: v.GetBool("admin.remote_api"),
		RuleListPath:   v.GetString("ruleset.path"),
		RuleListURL:    v.GetString("ruleset.url"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
	}
	return cfg, nil
}

// ApplyFlagOverrides overlays non-zero CLI flag values onto cfg: flags win
// over file/env when set.
func ApplyFlagOverrides(cfg *Config, basePort, profileCount int, jsonLogs bool, debug bool) {
	if basePort != 0 {
		cfg.BasePort = basePort
	}
	if profileCount != 0 {
		cfg.ProfileCount = profileCount
	}
	if jsonLogs {
		cfg.LogFormat = "json"
	}
	if debug {
		cfg.LogLevel = "debug"
	}
}
