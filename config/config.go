// Package config loads taskguard configuration via Viper.
//
// Policy values default to the behavior observed in production; they are
// configurable because scheduling granularity differs between environments,
// but the grace-window intent behind each default must be preserved.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level taskguard configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Policy   PolicyConfig   `mapstructure:"policy"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MonitorConfig contains settings for the polling loop
type MonitorConfig struct {
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	JSONLogs            bool `mapstructure:"json_logs"`
}

// PolicyConfig contains the detection policy windows.
//
// MinConfirmDelaySeconds gives the real execution time to appear before an
// expected occurrence is declared missing. EarlyWindowSeconds and
// LateWindowSeconds bound how far off-schedule an execution may start and
// still count as the expected occurrence.
type PolicyConfig struct {
	MinConfirmDelaySeconds     int `mapstructure:"min_confirm_delay_seconds"`
	EarlyWindowSeconds         int `mapstructure:"early_window_seconds"`
	LateWindowSeconds          int `mapstructure:"late_window_seconds"`
	MaxStoppingDurationSeconds int `mapstructure:"max_stopping_duration_seconds"`
	ServiceLookbackSeconds     int `mapstructure:"service_lookback_seconds"`
}

// PollInterval returns the polling cadence as a duration
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MinConfirmDelay returns the confirm-absence grace window as a duration
func (p PolicyConfig) MinConfirmDelay() time.Duration {
	return time.Duration(p.MinConfirmDelaySeconds) * time.Second
}

// EarlyWindow returns the early execution-matching window as a duration
func (p PolicyConfig) EarlyWindow() time.Duration {
	return time.Duration(p.EarlyWindowSeconds) * time.Second
}

// LateWindow returns the late execution-matching window as a duration
func (p PolicyConfig) LateWindow() time.Duration {
	return time.Duration(p.LateWindowSeconds) * time.Second
}

// MaxStoppingDuration returns how long an execution may remain in stopping
func (p PolicyConfig) MaxStoppingDuration() time.Duration {
	return time.Duration(p.MaxStoppingDurationSeconds) * time.Second
}

// ServiceLookback returns the trailing window for service instance counting
func (p PolicyConfig) ServiceLookback() time.Duration {
	return time.Duration(p.ServiceLookbackSeconds) * time.Second
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "taskguard.db")

	v.SetDefault("monitor.poll_interval_seconds", 60)
	v.SetDefault("monitor.json_logs", false)

	v.SetDefault("policy.min_confirm_delay_seconds", 300)
	v.SetDefault("policy.early_window_seconds", 60)
	v.SetDefault("policy.late_window_seconds", 600)
	v.SetDefault("policy.max_stopping_duration_seconds", 1800)
	v.SetDefault("policy.service_lookback_seconds", 600)
}

// Load reads configuration from the given file path (optional) plus
// TASKGUARD_* environment variables, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("TASKGUARD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Default returns the configuration with every value at its default
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := LoadWithViper(v)
	return cfg
}
