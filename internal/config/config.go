// Package config loads daemon and CLI configuration via spf13/viper,
// mirroring the teacher's cmd/root.go discovery order and defaulting
// idiom (SetDefault before ReadInConfig, Unmarshal into a typed struct).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/tracing"
)

// Config holds every tunable the daemon and CLI need at startup.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	EventBus EventBusConfig `mapstructure:"event_bus"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Tracing  tracing.Config `mapstructure:"tracing"`

	// Flags holds feature flag overrides (see internal/flags), keyed by
	// flag name. Unlisted flags default to disabled.
	Flags map[string]bool `mapstructure:"flags"`

	// SharedSecret authenticates cross-process registrations via HMAC.
	// Sourced from MNEMOSYNE_SHARED_SECRET, never written to the config
	// file.
	SharedSecret string `mapstructure:"-"`

	// DisableEvents suppresses event emission from CLI command paths,
	// sourced from MNEMOSYNE_DISABLE_EVENTS.
	DisableEvents bool `mapstructure:"-"`
}

// EventBusConfig tunes the in-process broadcast bus.
type EventBusConfig struct {
	SubscriberCapacity int `mapstructure:"subscriber_capacity"`
}

// AgentConfig tunes agent actor timing.
type AgentConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
}

// BranchConfig carries the branch assignment TTL base. branch.Registry
// does not read it; assignment lifetimes use the constant branch.BaseTTL.
type BranchConfig struct {
	BaseTTLMinutes int `mapstructure:"base_ttl_minutes"`
}

// Defaults returns the configuration used when no file or flag overrides
// a value.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:7777",
		EventBus: EventBusConfig{
			SubscriberCapacity: 1000,
		},
		Agent: AgentConfig{
			HeartbeatIntervalSeconds: 30,
		},
		Branch: BranchConfig{
			BaseTTLMinutes: int(branch.BaseTTL / time.Minute),
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load resolves configuration from, in priority order: an explicit file
// path, then ./.mnemosyne/config.yaml, then ~/.config/mnemosyne/config.yaml,
// falling back to Defaults() if none is found. Environment variables
// MNEMOSYNE_SHARED_SECRET and MNEMOSYNE_DISABLE_EVENTS are layered on
// top regardless of file presence.
func Load(explicitPath string) (Config, error) {
	v := viper.New()
	defaults := Defaults()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("event_bus.subscriber_capacity", defaults.EventBus.SubscriberCapacity)
	v.SetDefault("agent.heartbeat_interval_seconds", defaults.Agent.HeartbeatIntervalSeconds)
	v.SetDefault("branch.base_ttl_minutes", defaults.Branch.BaseTTLMinutes)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	switch {
	case explicitPath != "":
		v.SetConfigFile(explicitPath)
	default:
		if _, err := os.Stat(".mnemosyne/config.yaml"); err == nil {
			v.SetConfigFile(".mnemosyne/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "mnemosyne"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
		log.Debug(log.CatConfig, "no config file found, using defaults")
	} else {
		log.Info(log.CatConfig, "config loaded", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.SharedSecret = os.Getenv("MNEMOSYNE_SHARED_SECRET")
	cfg.DisableEvents = os.Getenv("MNEMOSYNE_DISABLE_EVENTS") != ""

	return cfg, nil
}

// HeartbeatInterval converts the configured seconds into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Agent.HeartbeatIntervalSeconds) * time.Second
}

// BaseTTL converts the configured minutes into a duration.
func (c Config) BaseTTL() time.Duration {
	return time.Duration(c.Branch.BaseTTLMinutes) * time.Minute
}
