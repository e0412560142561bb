// Package contribution implements forward-event ingestion, rolling
// contribution-ratio accounting, and leech detection. Rate counters are
// held in memory only and are not written to the store; a restart resets
// them.
package contribution

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
)

// Config holds the ledger's rate limits and leech thresholds.
type Config struct {
	PerPeerHourlyLimit int     // default 120
	GlobalDailyLimit   int     // default 10000
	WindowDays         int     // default 30, for contribution_ratio
	LeechWarnRatio     float64 // default 0.5; recovery threshold
	LeechBanRatio      float64 // default 0.4
	LeechWindowDays    int     // default 7
	ChannelMapTTL      time.Duration
}

// DefaultConfig returns the standard limits and thresholds.
func DefaultConfig() Config {
	return Config{
		PerPeerHourlyLimit: 120,
		GlobalDailyLimit:   10000,
		WindowDays:         30,
		LeechWarnRatio:     0.5,
		LeechBanRatio:      0.4,
		LeechWindowDays:    7,
		ChannelMapTTL:      5 * time.Minute,
	}
}

// ChannelMap resolves a settled forward's in_channel/out_channel to peer
// pubkeys, refreshed periodically from the host. The host
// integration is external; this is the narrow capability the ledger
// needs from it.
type ChannelMap interface {
	PeerForChannel(channelID string) (peerPubkey string, ok bool)
}

// rateCounter tracks a sliding count of events within a fixed window. It
// lives only in the Ledger's memory; nothing persists it, so a restart
// starts every window from zero.
type rateCounter struct {
	windowStart int64
	count       int
}

// Ledger owns contribution-event ingestion and leech evaluation.
type Ledger struct {
	st  *store.Store
	cfg Config
	log *logrus.Logger

	mu           sync.Mutex
	perPeerHour  map[string]*rateCounter
	globalDaily  *rateCounter
	channelCache ChannelMap
	cacheLoaded  time.Time
}

// New wires a Ledger to its Store and channel-map source.
func New(st *store.Store, cfg Config, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		st:          st,
		cfg:         cfg,
		log:         log,
		perPeerHour: make(map[string]*rateCounter),
		globalDaily: &rateCounter{},
	}
}

// SetChannelMap installs (or refreshes) the channel-map resolver.
func (l *Ledger) SetChannelMap(cm ChannelMap, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channelCache = cm
	l.cacheLoaded = now
}

// ChannelMapStale reports whether the cached channel map is older than
// ChannelMapTTL and should be refreshed by the caller.
func (l *Ledger) ChannelMapStale(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelCache == nil || now.Sub(l.cacheLoaded) >= l.cfg.ChannelMapTTL
}

func (l *Ledger) allowPeerHourly(peerID string, now int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.perPeerHour[peerID]
	if !ok || now-c.windowStart >= 3600 {
		c = &rateCounter{windowStart: now}
		l.perPeerHour[peerID] = c
	}
	if c.count >= l.cfg.PerPeerHourlyLimit {
		return false
	}
	c.count++
	return true
}

func (l *Ledger) allowGlobalDaily(now int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now-l.globalDaily.windowStart >= 86400 {
		l.globalDaily.windowStart = now
		l.globalDaily.count = 0
	}
	if l.globalDaily.count >= l.cfg.GlobalDailyLimit {
		return false
	}
	l.globalDaily.count++
	return true
}

// ForwardEvent is one settled-forward notification from the host
// Lightning node.
type ForwardEvent struct {
	InChannel  string
	OutChannel string
	AmountSats uint64
	Timestamp  int64
}

// RecordForward resolves a settled forward to hive members via the
// channel map and records contribution events for any side that is a
// hive member, subject to the per-peer-hourly, global-daily, and
// ledger-row-cap limits. Returns the number of events
// recorded (0, 1, or 2).
func (l *Ledger) RecordForward(ev ForwardEvent, idPrefix string) (int, error) {
	l.mu.Lock()
	cm := l.channelCache
	l.mu.Unlock()
	if cm == nil {
		return 0, fmt.Errorf("contribution: channel map not loaded")
	}

	recorded := 0
	type leg struct {
		channel   string
		direction store.Direction
	}
	for i, lg := range []leg{
		{ev.InChannel, store.DirReceived},
		{ev.OutChannel, store.DirForwarded},
	} {
		peerID, ok := cm.PeerForChannel(lg.channel)
		if !ok {
			continue
		}
		member, ok := l.st.GetMember(peerID)
		if !ok || (member.Tier != store.TierMember && member.Tier != store.TierNeophyte) {
			continue
		}
		if !l.allowGlobalDaily(ev.Timestamp) {
			l.log.Warn("contribution: global daily limit reached, dropping event")
			break
		}
		if !l.allowPeerHourly(peerID, ev.Timestamp) {
			l.log.WithField("peer_id", peerID).Warn("contribution: per-peer hourly limit reached")
			continue
		}
		eventID := fmt.Sprintf("%s-%d-%d", idPrefix, ev.Timestamp, i)
		if err := l.st.InsertContributionEvent(store.ContributionEvent{
			ID:        eventID,
			PeerID:    peerID,
			Direction: lg.direction,
			AmountSat: ev.AmountSats,
			Timestamp: ev.Timestamp,
		}); err != nil {
			return recorded, fmt.Errorf("contribution: insert event: %w", err)
		}
		recorded++
	}
	return recorded, nil
}

// ComputeRatio computes forwarded/received over the configured rolling
// window ending at now. A member with no received volume in the window
// gets ratio 1.0.
func (l *Ledger) ComputeRatio(peerID string, now int64) float64 {
	since := now - int64(l.cfg.WindowDays)*86400
	events := l.st.ContributionEventsSince(peerID, since)
	var forwarded, received float64
	for _, e := range events {
		switch e.Direction {
		case store.DirForwarded:
			forwarded += float64(e.AmountSat)
		case store.DirReceived:
			received += float64(e.AmountSat)
		}
	}
	if received == 0 {
		return 1.0
	}
	return forwarded / received
}

// EvaluateLeech recomputes a member's ratio and leech flag, raising or
// clearing the flag per the warn/ban thresholds. Returns
// whether the member newly crossed into leech-ban territory (the caller
// is responsible for raising a standard ban proposal if
// ban_autotrigger_enabled, or flagging for review otherwise).
func (l *Ledger) EvaluateLeech(peerID string, now int64) (ratio float64, newlyBanWorthy bool, err error) {
	member, ok := l.st.GetMember(peerID)
	if !ok {
		return 0, false, fmt.Errorf("contribution: member %s not found", peerID)
	}
	ratio = l.ComputeRatio(peerID, now)

	switch {
	case ratio >= l.cfg.LeechWarnRatio:
		if member.LeechFlagged {
			if err := l.st.UpdateMemberContribution(peerID, ratio, false, 0); err != nil {
				return ratio, false, err
			}
		} else if err := l.st.UpdateMemberContribution(peerID, ratio, false, member.LeechSince); err != nil {
			return ratio, false, err
		}
		return ratio, false, nil

	case ratio < l.cfg.LeechBanRatio:
		leechSince := member.LeechSince
		if !member.LeechFlagged || leechSince == 0 {
			leechSince = now
		}
		if err := l.st.UpdateMemberContribution(peerID, ratio, true, leechSince); err != nil {
			return ratio, false, err
		}
		windowSeconds := int64(l.cfg.LeechWindowDays) * 86400
		banWorthy := now-leechSince >= windowSeconds
		return ratio, banWorthy, nil

	default:
		// between ban and warn ratio: leave existing flag state untouched,
		// only refresh the ratio.
		if err := l.st.UpdateMemberContribution(peerID, ratio, member.LeechFlagged, member.LeechSince); err != nil {
			return ratio, false, err
		}
		return ratio, false, nil
	}
}
