package wire

// Intelligence-class payloads: fee, liquidity, routing, reputation and
// health snapshots members share with the fleet. These are overwrite-based
// (latest snapshot per peer wins) and therefore not tracked by the
// idempotency log.

// FeeIntelligenceEntry is one observed external peer's fee posture.
type FeeIntelligenceEntry struct {
	PeerID        string `json:"peer_id"`
	BaseFeeMsat   uint64 `json:"base_fee_msat"`
	FeeRatePPM    uint64 `json:"fee_rate_ppm"`
	ObservedAt    int64  `json:"observed_at"`
	SampleForward uint64 `json:"sample_forwards,omitempty"`
}

// FeeIntelligenceSnapshotPayload shares a member's fee observations.
type FeeIntelligenceSnapshotPayload struct {
	ReporterID string                 `json:"reporter_id"`
	Entries    []FeeIntelligenceEntry `json:"entries"`
	CreatedAt  int64                  `json:"created_at"`
}

func ValidateFeeIntelligenceSnapshotPayload(p FeeIntelligenceSnapshotPayload) bool {
	if !validPubkey(p.ReporterID) || len(p.Entries) > MaxPeersInSnapshot {
		return false
	}
	for _, e := range p.Entries {
		if !validPubkey(e.PeerID) {
			return false
		}
	}
	return true
}

// LiquidityNeedPayload advertises a member's need for inbound or outbound
// liquidity toward a target. Rate-limited per sender.
type LiquidityNeedPayload struct {
	ReporterID string `json:"reporter_id"`
	Target     string `json:"target"`
	Direction  string `json:"direction"` // inbound | outbound
	AmountSats uint64 `json:"amount_sats"`
	CreatedAt  int64  `json:"created_at"`
}

func ValidateLiquidityNeedPayload(p LiquidityNeedPayload) bool {
	if !validPubkey(p.ReporterID) || !validPubkey(p.Target) {
		return false
	}
	if p.Direction != "inbound" && p.Direction != "outbound" {
		return false
	}
	return p.AmountSats > 0
}

// LiquiditySnapshotPayload shares a member's per-channel liquidity split.
type LiquiditySnapshotPayload struct {
	ReporterID string             `json:"reporter_id"`
	Channels   []LiquidityChannel `json:"channels"`
	CreatedAt  int64              `json:"created_at"`
}

// LiquidityChannel is one channel's local/remote balance split.
type LiquidityChannel struct {
	PeerID     string `json:"peer_id"`
	LocalSats  uint64 `json:"local_sats"`
	RemoteSats uint64 `json:"remote_sats"`
}

func ValidateLiquiditySnapshotPayload(p LiquiditySnapshotPayload) bool {
	if !validPubkey(p.ReporterID) || len(p.Channels) > MaxPeersInSnapshot {
		return false
	}
	for _, c := range p.Channels {
		if !validPubkey(c.PeerID) {
			return false
		}
	}
	return true
}

// RouteProbePayload reports one route probe's outcome.
type RouteProbePayload struct {
	ReporterID  string `json:"reporter_id"`
	Destination string `json:"destination"`
	AmountSats  uint64 `json:"amount_sats"`
	Success     bool   `json:"success"`
	LatencyMs   uint64 `json:"latency_ms"`
	ProbedAt    int64  `json:"probed_at"`
}

func ValidateRouteProbePayload(p RouteProbePayload) bool {
	return validPubkey(p.ReporterID) && validPubkey(p.Destination) && p.ProbedAt > 0
}

// RouteProbeBatchPayload bundles several probes into one frame.
type RouteProbeBatchPayload struct {
	ReporterID string              `json:"reporter_id"`
	Probes     []RouteProbePayload `json:"probes"`
}

func ValidateRouteProbeBatchPayload(p RouteProbeBatchPayload) bool {
	if !validPubkey(p.ReporterID) || len(p.Probes) == 0 || len(p.Probes) > MaxPeersInSnapshot {
		return false
	}
	for _, probe := range p.Probes {
		if !ValidateRouteProbePayload(probe) {
			return false
		}
	}
	return true
}

// PeerReputationEntry is one external peer's observed behaviour score.
type PeerReputationEntry struct {
	PeerID       string  `json:"peer_id"`
	Score        float64 `json:"score"` // [0,1]
	FailureRate  float64 `json:"failure_rate"`
	LastActivity int64   `json:"last_activity"`
}

// PeerReputationSnapshotPayload shares a member's reputation observations.
type PeerReputationSnapshotPayload struct {
	ReporterID string                `json:"reporter_id"`
	Entries    []PeerReputationEntry `json:"entries"`
	CreatedAt  int64                 `json:"created_at"`
}

func ValidatePeerReputationSnapshotPayload(p PeerReputationSnapshotPayload) bool {
	if !validPubkey(p.ReporterID) || len(p.Entries) > MaxPeersInSnapshot {
		return false
	}
	for _, e := range p.Entries {
		if !validPubkey(e.PeerID) || e.Score < 0 || e.Score > 1 {
			return false
		}
	}
	return true
}

// HealthReportPayload shares a member's node health for uptime accounting.
type HealthReportPayload struct {
	ReporterID   string  `json:"reporter_id"`
	UptimePct    float64 `json:"uptime_pct"` // [0,1]
	PeerCount    int     `json:"peer_count"`
	ChannelCount int     `json:"channel_count"`
	ReportedAt   int64   `json:"reported_at"`
}

func ValidateHealthReportPayload(p HealthReportPayload) bool {
	if !validPubkey(p.ReporterID) {
		return false
	}
	return p.UptimePct >= 0 && p.UptimePct <= 1 && p.ReportedAt > 0
}
