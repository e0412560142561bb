package config

import "testing"

func validConfig() Config {
	var c Config
	c.Intent.HoldSeconds = 60
	c.Intent.ClockSkewTolerance = 300
	c.Intent.MaxRemoteIntents = 200
	c.StateSync.HeartbeatSeconds = 1800
	c.StateSync.AntiEntropySeconds = 120
	c.StateSync.CapacityChangeThreshold = 0.10
	c.StateSync.FullSyncCooldownSeconds = 60
	c.Contribution.WindowDays = 30
	c.Contribution.LeechWarnRatio = 0.5
	c.Contribution.LeechBanRatio = 0.4
	c.Contribution.LeechWindowDays = 7
	c.Settlement.QuorumFraction = 0.51
	c.Settlement.RebroadcastSeconds = 21600
	c.Settlement.Weights.Capacity = 0.30
	c.Settlement.Weights.Forwards = 0.60
	c.Settlement.Weights.Uptime = 0.10
	c.Governance.Mode = "advisor"
	c.Outbox.BaseRetrySeconds = 30
	c.Outbox.MaxRetrySeconds = 3600
	c.Outbox.MaxRetries = 20
	c.Outbox.TTLSeconds = 86400
	c.Outbox.MaxInflightPerPeer = 10
	c.Channels.MinChannelSizeSats = 1_000_000
	c.Channels.MaxChannelSizeSats = 100_000_000
	c.Storage.WALPath = "./hive.wal"
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights not summing to 1", func(c *Config) { c.Settlement.Weights.Capacity = 0.5 }},
		{"quorum above 1", func(c *Config) { c.Settlement.QuorumFraction = 1.5 }},
		{"unknown governance mode", func(c *Config) { c.Governance.Mode = "anarchy" }},
		{"min channel above max", func(c *Config) { c.Channels.MinChannelSizeSats = c.Channels.MaxChannelSizeSats + 1 }},
		{"ban ratio above warn ratio", func(c *Config) { c.Contribution.LeechBanRatio = 0.9 }},
		{"zero hold seconds", func(c *Config) { c.Intent.HoldSeconds = 0 }},
		{"retry cap below base", func(c *Config) { c.Outbox.MaxRetrySeconds = 1 }},
		{"zero inflight cap", func(c *Config) { c.Outbox.MaxInflightPerPeer = 0 }},
		{"capacity threshold out of range", func(c *Config) { c.StateSync.CapacityChangeThreshold = 1.0 }},
		{"missing wal path", func(c *Config) { c.Storage.WALPath = "" }},
	}
	for _, tc := range cases {
		c := validConfig()
		tc.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
