// Package intelligence ingests the fleet's shared routing, fee, liquidity,
// reputation and health observations. Snapshots are overwrite-based (latest
// per reporter wins) and naturally idempotent, so none of them touch the
// idempotency log; the only gate is the per-sender rate limit on
// LIQUIDITY_NEED, which is the one intelligence message members can spam to
// steer fleet liquidity toward themselves.
package intelligence

import (
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Config bounds the intelligence caches and rate limits.
type Config struct {
	LiquidityNeedRateLimit int   // per sender per window, default 5
	RateWindowSeconds      int64 // default 3600
	MaxLiquidityNeeds      int   // bounded in-memory need cache, default 500
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		LiquidityNeedRateLimit: 5,
		RateWindowSeconds:      3600,
		MaxLiquidityNeeds:      500,
	}
}

// rateWindow counts events within one fixed window per sender.
type rateWindow struct {
	windowStart int64
	count       int
}

// Engine stores inbound intelligence and answers operator queries over it.
type Engine struct {
	st  *store.Store
	cfg Config
	log *logrus.Logger

	mu        sync.Mutex
	needRates map[string]*rateWindow

	// needs is a bounded LRU of live liquidity needs keyed by
	// (reporter, target); stale needs fall out under pressure rather
	// than accumulating.
	needs *lru.Cache[string, wire.LiquidityNeedPayload]
}

// New wires an Engine to its Store.
func New(st *store.Store, cfg Config, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	needs, err := lru.New[string, wire.LiquidityNeedPayload](cfg.MaxLiquidityNeeds)
	if err != nil {
		return nil, fmt.Errorf("intelligence: new LRU: %w", err)
	}
	return &Engine{st: st, cfg: cfg, log: log, needRates: make(map[string]*rateWindow), needs: needs}, nil
}

// allowNeed applies the per-sender LIQUIDITY_NEED rate limit.
func (e *Engine) allowNeed(senderID string, now int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.needRates[senderID]
	if !ok || now-w.windowStart >= e.cfg.RateWindowSeconds {
		w = &rateWindow{windowStart: now}
		e.needRates[senderID] = w
	}
	if w.count >= e.cfg.LiquidityNeedRateLimit {
		return false
	}
	w.count++
	return true
}

// HandleFeeIntelligence stores a reporter's fee-observation snapshot,
// overwriting any earlier one.
func (e *Engine) HandleFeeIntelligence(p wire.FeeIntelligenceSnapshotPayload, now int64) error {
	entries, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("intelligence: marshal fee entries: %w", err)
	}
	return e.st.PutFeeIntelligence(store.FeeIntelligence{
		ReporterID:  p.ReporterID,
		EntriesJSON: string(entries),
		CreatedAt:   p.CreatedAt,
		ReceivedAt:  now,
	})
}

// HandleLiquidityNeed records an advertised need, subject to the
// per-sender rate limit. Returns whether the need was accepted.
func (e *Engine) HandleLiquidityNeed(p wire.LiquidityNeedPayload, now int64) bool {
	if !e.allowNeed(p.ReporterID, now) {
		e.log.WithField("reporter_id", p.ReporterID).Debug("intelligence: liquidity need rate-limited")
		return false
	}
	e.needs.Add(p.ReporterID+"|"+p.Target, p)
	return true
}

// LiveNeeds snapshots the current liquidity-need cache.
func (e *Engine) LiveNeeds() []wire.LiquidityNeedPayload {
	keys := e.needs.Keys()
	out := make([]wire.LiquidityNeedPayload, 0, len(keys))
	for _, k := range keys {
		if v, ok := e.needs.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// HandleLiquiditySnapshot stores a reporter's per-channel liquidity split.
func (e *Engine) HandleLiquiditySnapshot(p wire.LiquiditySnapshotPayload, now int64) error {
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("intelligence: marshal channels: %w", err)
	}
	return e.st.PutLiquiditySnapshot(store.LiquiditySnapshot{
		ReporterID:   p.ReporterID,
		ChannelsJSON: string(channels),
		CreatedAt:    p.CreatedAt,
		ReceivedAt:   now,
	})
}

// HandleRouteProbe folds one probe outcome into the per-destination
// aggregate.
func (e *Engine) HandleRouteProbe(p wire.RouteProbePayload) error {
	return e.st.RecordRouteProbe(p.Destination, p.Success, p.LatencyMs, p.ProbedAt)
}

// HandleRouteProbeBatch folds a batch of probes.
func (e *Engine) HandleRouteProbeBatch(p wire.RouteProbeBatchPayload) error {
	for _, probe := range p.Probes {
		if err := e.st.RecordRouteProbe(probe.Destination, probe.Success, probe.LatencyMs, probe.ProbedAt); err != nil {
			return err
		}
	}
	return nil
}

// HandleReputationSnapshot stores a reporter's reputation observations.
func (e *Engine) HandleReputationSnapshot(p wire.PeerReputationSnapshotPayload, now int64) error {
	entries, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("intelligence: marshal reputation entries: %w", err)
	}
	return e.st.PutReputationSnapshot(store.ReputationSnapshot{
		ReporterID:  p.ReporterID,
		EntriesJSON: string(entries),
		CreatedAt:   p.CreatedAt,
		ReceivedAt:  now,
	})
}

// HandleHealthReport stores a reporter's health row and refreshes the
// member's uptime, which feeds promotion eligibility and settlement
// weighting.
func (e *Engine) HandleHealthReport(p wire.HealthReportPayload, now int64) error {
	if err := e.st.PutHealthReport(store.HealthReportRow{
		ReporterID:   p.ReporterID,
		UptimePct:    p.UptimePct,
		PeerCount:    p.PeerCount,
		ChannelCount: p.ChannelCount,
		ReportedAt:   p.ReportedAt,
		ReceivedAt:   now,
	}); err != nil {
		return err
	}
	member, ok := e.st.GetMember(p.ReporterID)
	if !ok {
		return nil
	}
	member.UptimePct = p.UptimePct
	member.LastSeen = now
	return e.st.PutMember(member)
}

// DropReporter clears everything a departed or banned peer contributed.
func (e *Engine) DropReporter(reporterID string) error {
	for _, k := range e.needs.Keys() {
		if v, ok := e.needs.Peek(k); ok && v.ReporterID == reporterID {
			e.needs.Remove(k)
		}
	}
	return e.st.DeleteIntelligenceFor(reporterID)
}
