package config

// Package config provides a reusable loader for hive node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"hivecore/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a hive node. It mirrors
// the structure of the YAML files under cmd/config. Bounds are validated at
// load; an invalid config fails startup.
type Config struct {
	Network struct {
		PeerID         string   `mapstructure:"peer_id" json:"peer_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
	} `mapstructure:"network" json:"network"`

	Intent struct {
		HoldSeconds        int64 `mapstructure:"intent_hold_seconds" json:"intent_hold_seconds"`
		ClockSkewTolerance int64 `mapstructure:"clock_skew_tolerance" json:"clock_skew_tolerance"`
		MaxRemoteIntents   int   `mapstructure:"max_remote_intents" json:"max_remote_intents"`
	} `mapstructure:"intent" json:"intent"`

	StateSync struct {
		HeartbeatSeconds        int64   `mapstructure:"state_heartbeat_seconds" json:"state_heartbeat_seconds"`
		AntiEntropySeconds      int64   `mapstructure:"anti_entropy_seconds" json:"anti_entropy_seconds"`
		CapacityChangeThreshold float64 `mapstructure:"gossip_capacity_change_threshold" json:"gossip_capacity_change_threshold"`
		FullSyncCooldownSeconds int64   `mapstructure:"full_sync_cooldown_seconds" json:"full_sync_cooldown_seconds"`
	} `mapstructure:"state_sync" json:"state_sync"`

	Contribution struct {
		WindowDays            int     `mapstructure:"contribution_window_days" json:"contribution_window_days"`
		LeechWarnRatio        float64 `mapstructure:"leech_warn_ratio" json:"leech_warn_ratio"`
		LeechBanRatio         float64 `mapstructure:"leech_ban_ratio" json:"leech_ban_ratio"`
		LeechWindowDays       int     `mapstructure:"leech_window_days" json:"leech_window_days"`
		BanAutotriggerEnabled bool    `mapstructure:"ban_autotrigger_enabled" json:"ban_autotrigger_enabled"`
	} `mapstructure:"contribution" json:"contribution"`

	Settlement struct {
		QuorumFraction     float64 `mapstructure:"settlement_quorum_fraction" json:"settlement_quorum_fraction"`
		RebroadcastSeconds int64   `mapstructure:"settlement_rebroadcast_seconds" json:"settlement_rebroadcast_seconds"`
		MinPaymentSats     uint64  `mapstructure:"min_payment_sats" json:"min_payment_sats"`
		Weights            struct {
			Capacity float64 `mapstructure:"capacity" json:"capacity"`
			Forwards float64 `mapstructure:"forwards" json:"forwards"`
			Uptime   float64 `mapstructure:"uptime" json:"uptime"`
		} `mapstructure:"settlement_weights" json:"settlement_weights"`
	} `mapstructure:"settlement" json:"settlement"`

	Governance struct {
		Mode string `mapstructure:"governance_mode" json:"governance_mode"` // advisor | autonomous | oracle
	} `mapstructure:"governance" json:"governance"`

	Outbox struct {
		BaseRetrySeconds   int64 `mapstructure:"base_retry" json:"base_retry"`
		MaxRetrySeconds    int64 `mapstructure:"max_retry" json:"max_retry"`
		MaxRetries         int   `mapstructure:"max_retries" json:"max_retries"`
		TTLSeconds         int64 `mapstructure:"ttl" json:"ttl"`
		MaxInflightPerPeer int   `mapstructure:"max_inflight_per_peer" json:"max_inflight_per_peer"`
	} `mapstructure:"outbox" json:"outbox"`

	Channels struct {
		MinChannelSizeSats uint64 `mapstructure:"min_channel_size_sats" json:"min_channel_size_sats"`
		MaxChannelSizeSats uint64 `mapstructure:"max_channel_size_sats" json:"max_channel_size_sats"`
	} `mapstructure:"channels" json:"channels"`

	Storage struct {
		WALPath string `mapstructure:"wal_path" json:"wal_path"`
	} `mapstructure:"storage" json:"storage"`

	Operator struct {
		BindAddr    string `mapstructure:"bind_addr" json:"bind_addr"`
		MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"operator" json:"operator"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// setDefaults seeds viper with the protocol's default constants so a
// minimal config file still produces a fully populated Config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/9735")
	v.SetDefault("network.discovery_tag", "hive-coordination")
	v.SetDefault("network.max_peers", 64)

	v.SetDefault("intent.intent_hold_seconds", 60)
	v.SetDefault("intent.clock_skew_tolerance", 300)
	v.SetDefault("intent.max_remote_intents", 200)

	v.SetDefault("state_sync.state_heartbeat_seconds", 1800)
	v.SetDefault("state_sync.anti_entropy_seconds", 120)
	v.SetDefault("state_sync.gossip_capacity_change_threshold", 0.10)
	v.SetDefault("state_sync.full_sync_cooldown_seconds", 60)

	v.SetDefault("contribution.contribution_window_days", 30)
	v.SetDefault("contribution.leech_warn_ratio", 0.5)
	v.SetDefault("contribution.leech_ban_ratio", 0.4)
	v.SetDefault("contribution.leech_window_days", 7)
	v.SetDefault("contribution.ban_autotrigger_enabled", false)

	v.SetDefault("settlement.settlement_quorum_fraction", 0.51)
	v.SetDefault("settlement.settlement_rebroadcast_seconds", 21600)
	v.SetDefault("settlement.min_payment_sats", 0)
	v.SetDefault("settlement.settlement_weights.capacity", 0.30)
	v.SetDefault("settlement.settlement_weights.forwards", 0.60)
	v.SetDefault("settlement.settlement_weights.uptime", 0.10)

	v.SetDefault("governance.governance_mode", "advisor")

	v.SetDefault("outbox.base_retry", 30)
	v.SetDefault("outbox.max_retry", 3600)
	v.SetDefault("outbox.max_retries", 20)
	v.SetDefault("outbox.ttl", 86400)
	v.SetDefault("outbox.max_inflight_per_peer", 10)

	v.SetDefault("channels.min_channel_size_sats", 1_000_000)
	v.SetDefault("channels.max_channel_size_sats", 100_000_000)

	v.SetDefault("storage.wal_path", "./hive.wal")
	v.SetDefault("operator.bind_addr", ":8350")
	v.SetDefault("operator.metrics_addr", ":8351")
	v.SetDefault("logging.level", "info")
}

// Validate checks every bounded option; any violation fails startup.
func (c *Config) Validate() error {
	if c.Intent.HoldSeconds <= 0 {
		return fmt.Errorf("config: intent_hold_seconds must be positive, got %d", c.Intent.HoldSeconds)
	}
	if c.StateSync.CapacityChangeThreshold <= 0 || c.StateSync.CapacityChangeThreshold >= 1 {
		return fmt.Errorf("config: gossip_capacity_change_threshold must be in (0,1), got %f", c.StateSync.CapacityChangeThreshold)
	}
	if c.Contribution.LeechBanRatio > c.Contribution.LeechWarnRatio {
		return fmt.Errorf("config: leech_ban_ratio %f must not exceed leech_warn_ratio %f",
			c.Contribution.LeechBanRatio, c.Contribution.LeechWarnRatio)
	}
	if q := c.Settlement.QuorumFraction; q <= 0 || q > 1 {
		return fmt.Errorf("config: settlement_quorum_fraction must be in (0,1], got %f", q)
	}
	w := c.Settlement.Weights
	if sum := w.Capacity + w.Forwards + w.Uptime; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: settlement_weights must sum to 1.0, got %f", sum)
	}
	switch c.Governance.Mode {
	case "advisor", "autonomous", "oracle":
	default:
		return fmt.Errorf("config: governance_mode must be advisor, autonomous or oracle, got %q", c.Governance.Mode)
	}
	if c.Outbox.MaxRetries <= 0 || c.Outbox.MaxInflightPerPeer <= 0 {
		return fmt.Errorf("config: outbox max_retries and max_inflight_per_peer must be positive")
	}
	if c.Outbox.BaseRetrySeconds <= 0 || c.Outbox.MaxRetrySeconds < c.Outbox.BaseRetrySeconds {
		return fmt.Errorf("config: outbox retry bounds invalid: base %d max %d",
			c.Outbox.BaseRetrySeconds, c.Outbox.MaxRetrySeconds)
	}
	if c.Channels.MinChannelSizeSats > c.Channels.MaxChannelSizeSats {
		return fmt.Errorf("config: min_channel_size_sats %d exceeds max_channel_size_sats %d",
			c.Channels.MinChannelSizeSats, c.Channels.MaxChannelSizeSats)
	}
	if c.Storage.WALPath == "" {
		return fmt.Errorf("config: storage wal_path required")
	}
	return nil
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is validated, stored in AppConfig
// and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("default")
	v.AddConfigPath("cmd/config")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// missing config file is tolerated: defaults plus env cover it
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.AutomaticEnv() // picks up from .env

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the HIVE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("HIVE_ENV", ""))
}
