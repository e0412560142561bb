package coordinator

// Background loops: outbox retry, outbox expiry/cleanup,
// intent commit/expiry sweep, anti-entropy, settlement tick, channel-map
// refresh, session sweep and daily pruning. Every loop logs and
// continues on any caught error — a single bad entry never kills a loop.

import (
	"context"
	"math/rand"
	"time"

	"hivecore/internal/contribution"
	"hivecore/internal/host"
	"hivecore/internal/idempotency"
	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Loop cadences.
const (
	outboxRetryInterval    = 30 * time.Second
	outboxCleanupInterval  = time.Hour
	intentSweepInterval    = 10 * time.Second
	antiEntropyMinInterval = time.Second // floor; actual cadence comes from config
	settlementTickInterval = time.Hour
	pruneInterval          = 24 * time.Hour
	channelMapInterval     = 5 * time.Minute
	sessionSweepInterval   = time.Minute
	heartbeatCheckInterval = time.Minute
	leechCheckInterval     = time.Hour
)

// Start launches every background loop. Calling Start twice has no
// effect; Stop cancels all loops.
func (c *Coordinator) Start(ctx context.Context) {
	c.stateMu.Lock()
	if c.cancel != nil {
		c.stateMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = ctx, cancel
	c.stateMu.Unlock()

	antiEntropy := time.Duration(c.cfg.StateSync.AntiEntropyInterval) * time.Second
	if antiEntropy < antiEntropyMinInterval {
		antiEntropy = antiEntropyMinInterval
	}

	c.runLoop("outbox-retry", outboxRetryInterval, func(now int64) error {
		c.Outbox.RetryOnce(c.ctx, now)
		return nil
	})
	c.runLoop("outbox-cleanup", outboxCleanupInterval, func(now int64) error {
		return c.Outbox.ExpireAndCleanup(now)
	})
	c.runLoop("intent-sweep", intentSweepInterval, c.intentTick)
	c.runLoop("anti-entropy", antiEntropy, c.antiEntropyTick)
	c.runLoop("settlement", settlementTickInterval, c.settlementTick)
	c.runLoop("prune", pruneInterval, c.pruneTick)
	c.runLoop("channel-map", channelMapInterval, c.channelMapTick)
	c.runLoop("session-sweep", sessionSweepInterval, func(now int64) error {
		if _, err := c.Sessions.SweepExpired(now); err != nil {
			return err
		}
		_, err := c.st.ExpireBudgetHolds(now)
		return err
	})
	c.runLoop("gossip-heartbeat", heartbeatCheckInterval, c.heartbeatTick)
	c.runLoop("leech-check", leechCheckInterval, c.EvaluateLeeches)

	c.log.Info("coordinator started")
}

// Stop cancels the background loops and waits for them to exit.
func (c *Coordinator) Stop() {
	c.stateMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.Info("coordinator stopped")
}

// runLoop drives one ticker-based loop, isolating its errors.
func (c *Coordinator) runLoop(name string, interval time.Duration, fn func(now int64) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := fn(c.st.Now()); err != nil {
					c.log.WithError(err).WithField("loop", name).Warn("coordinator: loop error")
					c.countErr()
				}
			}
		}
	}()
}

// intentTick runs the Commit phase for local intents whose hold window
// has elapsed, then the stuck-committed and expiry sweeps.
func (c *Coordinator) intentTick(now int64) error {
	resolved := make(map[string]bool)
	for _, it := range c.st.ListIntentsByStatus(store.IntentPending) {
		if !it.Local || it.ExpiresAt > now {
			continue
		}
		key := it.IntentType + "|" + it.Target
		if resolved[key] {
			continue
		}
		resolved[key] = true
		winner, losers, err := c.Intents.Resolve(it.IntentType, it.Target, now)
		if err != nil {
			return err
		}
		for _, loser := range losers {
			if loser.Initiator != c.cfg.SelfPeerID {
				continue
			}
			if _, err := c.broadcastReliable(wire.TypeIntentAbort, wire.IntentAbortPayload{
				ID:     loser.ID,
				Reason: "lost_tiebreaker",
			}); err != nil {
				c.log.WithError(err).Warn("coordinator: broadcast intent abort")
			}
		}
		if winner != nil && winner.Initiator == c.cfg.SelfPeerID {
			c.log.WithFields(map[string]any{
				"intent_id": winner.ID, "type": winner.IntentType, "target": winner.Target,
			}).Info("coordinator: intent committed, handing to host")
		}
	}
	if _, err := c.Intents.SweepStuckCommitted(now); err != nil {
		return err
	}
	_, err := c.Intents.SweepExpiredPending(now)
	return err
}

// antiEntropyTick picks one random member and exchanges state hashes.
func (c *Coordinator) antiEntropyTick(_ int64) error {
	peers := c.memberPeerIDs()
	if len(peers) == 0 {
		return nil
	}
	peer := peers[rand.Intn(len(peers))]

	stateHash, err := c.Sync.ComputeStateHash()
	if err != nil {
		return err
	}
	membershipHash, err := c.Sync.ComputeMembershipHash()
	if err != nil {
		return err
	}
	return c.sendDirect(peer, wire.TypeStateHash, wire.StateHashPayload{
		PeerID:         c.cfg.SelfPeerID,
		StateHash:      stateHash,
		MembershipHash: membershipHash,
	})
}

// pruneTick runs the daily retention sweeps.
func (c *Coordinator) pruneTick(now int64) error {
	pruned := idempotency.Prune(c.st, now)
	expired := c.Relay.PruneExpired(c.st.NowTime())
	purged, err := c.Intents.PurgeOldTerminal(now)
	if err != nil {
		return err
	}
	c.log.WithFields(map[string]any{
		"events": pruned, "relay": expired, "intents": purged,
	}).Debug("coordinator: prune pass complete")
	return nil
}

// channelMapTick refreshes the channel→peer resolver and our own state
// entry from the host.
func (c *Coordinator) channelMapTick(_ int64) error {
	if c.ln == nil {
		return nil
	}
	nowT := c.st.NowTime()
	if !c.Ledger.ChannelMapStale(nowT) {
		return nil
	}
	channels, err := c.ln.ListPeerChannels(c.ctx)
	if err != nil {
		return err
	}
	c.Ledger.SetChannelMap(host.BuildChannelMap(channels), nowT)

	var capacity, available uint64
	topology := make([]string, 0, len(channels))
	for _, ch := range channels {
		capacity += ch.LocalSats + ch.RemoteSats
		available += ch.LocalSats
		topology = append(topology, ch.PeerID)
	}
	c.stateMu.Lock()
	feePolicy := c.ownState.FeePolicy
	c.stateMu.Unlock()
	return c.ReportOwnState(capacity, available, feePolicy, topology)
}

// heartbeatTick re-broadcasts our own state if the heartbeat interval
// elapsed without a threshold trigger.
func (c *Coordinator) heartbeatTick(now int64) error {
	c.stateMu.Lock()
	state := c.ownState
	lastAt := c.lastGossipAt
	banChanged := c.banStateChanged
	c.stateMu.Unlock()
	if state.PeerID == "" {
		return nil // no state reported yet
	}
	if !banChanged && now-lastAt < c.cfg.StateSync.HeartbeatInterval {
		return nil
	}
	return c.gossipOwnState(state, now)
}

// RecordForward feeds one settled forward from the host's notification
// stream into the contribution ledger.
func (c *Coordinator) RecordForward(ev contribution.ForwardEvent) error {
	_, err := c.Ledger.RecordForward(ev, c.cfg.SelfPeerID[:8])
	return err
}

// EvaluateLeeches sweeps every member's contribution ratio, raising ban
// proposals (autonomous + autotrigger) or review flags (otherwise) for
// sustained leeches.
func (c *Coordinator) EvaluateLeeches(now int64) error {
	for _, m := range c.st.ListMembers() {
		if m.PeerID == c.cfg.SelfPeerID {
			continue
		}
		_, banWorthy, err := c.Ledger.EvaluateLeech(m.PeerID, now)
		if err != nil {
			return err
		}
		if !banWorthy {
			continue
		}
		if c.cfg.BanAutotriggerEnabled && c.cfg.Mode == ModeAutonomous {
			if _, err := c.ProposeBan(m.PeerID, "sustained leech ratio", store.ProposalStandard); err != nil {
				c.log.WithError(err).Warn("coordinator: propose leech ban")
			}
			continue
		}
		if err := c.queueAction("ban_proposal", m.PeerID, map[string]string{
			"reason": "sustained leech ratio",
			"type":   string(store.ProposalStandard),
		}, now); err != nil {
			c.log.WithError(err).Warn("coordinator: queue leech review")
		}
	}
	return nil
}
