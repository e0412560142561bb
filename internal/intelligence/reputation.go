package intelligence

// Collective reputation aggregation for external peers. No single
// reporter can swing an aggregated score: entries more than the outlier
// threshold away from the median are discarded, our own observations are
// weighted double, and stale snapshots fall out of the window entirely.

import (
	"encoding/json"
	"sort"

	"hivecore/internal/wire"
)

// Aggregation thresholds.
const (
	MinReportersForConfidence = 3       // reporters needed for high confidence
	OutlierDeviation          = 0.2     // deviation from median that marks an outlier
	ReputationStalenessSecs   = 7 * 24 * 60 * 60
	OwnDataWeight             = 2 // weight our own observations double
)

// AggregatedReputation is the fleet-wide view of one external peer.
type AggregatedReputation struct {
	PeerID        string  `json:"peer_id"`
	Score         float64 `json:"score"`
	FailureRate   float64 `json:"failure_rate"`
	ReportCount   int     `json:"report_count"`
	ReporterCount int     `json:"reporter_count"`
	Confidence    string  `json:"confidence"` // low | medium | high
	LastUpdate    int64   `json:"last_update"`
}

// median returns the middle value of a sorted copy of vals.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// AggregateReputation folds every reporter's latest snapshot into one
// score per requested external peer. selfID's entries count double.
func (e *Engine) AggregateReputation(peerID, selfID string, now int64) (AggregatedReputation, bool) {
	type observation struct {
		reporter string
		entry    wire.PeerReputationEntry
	}
	var observations []observation
	var lastUpdate int64

	for _, snap := range e.st.ListReputationSnapshots() {
		if now-snap.ReceivedAt > ReputationStalenessSecs {
			continue
		}
		var entries []wire.PeerReputationEntry
		if err := json.Unmarshal([]byte(snap.EntriesJSON), &entries); err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.PeerID != peerID {
				continue
			}
			observations = append(observations, observation{reporter: snap.ReporterID, entry: entry})
			if snap.ReceivedAt > lastUpdate {
				lastUpdate = snap.ReceivedAt
			}
		}
	}
	if len(observations) == 0 {
		return AggregatedReputation{}, false
	}

	scores := make([]float64, 0, len(observations))
	for _, o := range observations {
		scores = append(scores, o.entry.Score)
	}
	med := median(scores)

	var scoreSum, failSum float64
	var weightTotal int
	reporters := make(map[string]bool)
	kept := 0
	for _, o := range observations {
		dev := o.entry.Score - med
		if dev < 0 {
			dev = -dev
		}
		if dev > OutlierDeviation {
			continue // outlier rejection: one skewed reporter cannot move the score
		}
		weight := 1
		if o.reporter == selfID {
			weight = OwnDataWeight
		}
		scoreSum += o.entry.Score * float64(weight)
		failSum += o.entry.FailureRate * float64(weight)
		weightTotal += weight
		reporters[o.reporter] = true
		kept++
	}
	if weightTotal == 0 {
		return AggregatedReputation{}, false
	}

	confidence := "low"
	switch {
	case len(reporters) >= MinReportersForConfidence:
		confidence = "high"
	case len(reporters) >= 2:
		confidence = "medium"
	}

	return AggregatedReputation{
		PeerID:        peerID,
		Score:         scoreSum / float64(weightTotal),
		FailureRate:   failSum / float64(weightTotal),
		ReportCount:   kept,
		ReporterCount: len(reporters),
		Confidence:    confidence,
		LastUpdate:    lastUpdate,
	}, true
}

// HealthTier classifies a member's self-reported health, steering how
// aggressively that node should manage its own channels: struggling
// nodes accept higher rebalance costs to recover, thriving nodes can be
// selective and save on routing fees.
type HealthTier string

const (
	TierStruggling HealthTier = "struggling"
	TierVulnerable HealthTier = "vulnerable"
	TierStable     HealthTier = "stable"
	TierThriving   HealthTier = "thriving"
)

// TierFor classifies a reporter's latest health row. A member with no
// channels is struggling regardless of uptime.
func TierFor(uptimePct float64, channelCount int) HealthTier {
	if channelCount == 0 {
		return TierStruggling
	}
	switch {
	case uptimePct < 0.5:
		return TierStruggling
	case uptimePct < 0.8:
		return TierVulnerable
	case uptimePct < 0.95:
		return TierStable
	default:
		return TierThriving
	}
}
