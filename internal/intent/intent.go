// Package intent implements the Intent Lock: announce-wait-commit
// conflict resolution for external actions with a deterministic
// tie-break on the lexicographically smallest initiator pubkey. Remote
// announcements live in a bounded LRU cache.
package intent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
)

// Config holds the Intent Lock's timing constants.
type Config struct {
	HoldSeconds        int64 // default 60
	ClockSkewTolerance int64 // default 300 (5 min)
	MaxRemoteIntents   int   // default 200
	StuckCommittedAge  int64 // default 300 (5 min)
	TerminalPurgeAge   int64 // default 86400 (24h)
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		HoldSeconds:        60,
		ClockSkewTolerance: 300,
		MaxRemoteIntents:   200,
		StuckCommittedAge:  300,
		TerminalPurgeAge:   86400,
	}
}

// Sentinel errors for announce/receive rejection paths.
var (
	ErrAlreadyPending = errors.New("intent: a pending intent already exists for this (type, target, initiator)")
	ErrClockSkew      = errors.New("intent: remote timestamp outside clock-skew tolerance")
)

// Engine owns the Intent Lock state machine for one node.
type Engine struct {
	st          *store.Store
	cfg         Config
	log         *logrus.Logger
	remoteCache *lru.Cache[string, store.Intent]
}

// New constructs an Engine with its bounded remote-intent cache.
func New(st *store.Store, cfg Config, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := lru.New[string, store.Intent](cfg.MaxRemoteIntents)
	if err != nil {
		return nil, fmt.Errorf("intent: new LRU: %w", err)
	}
	return &Engine{st: st, cfg: cfg, log: log, remoteCache: cache}, nil
}

func newIntentID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Announce creates and persists a local intent, ready for reliable
// broadcast.
func (e *Engine) Announce(intentType, target, initiatorPubkey string, now int64) (store.Intent, error) {
	if e.st.PendingIntentExists(intentType, target, initiatorPubkey) {
		return store.Intent{}, ErrAlreadyPending
	}
	it := store.Intent{
		ID:         newIntentID(),
		IntentType: intentType,
		Target:     target,
		Initiator:  initiatorPubkey,
		Timestamp:  now,
		ExpiresAt:  now + e.cfg.HoldSeconds,
		Status:     store.IntentPending,
		Local:      true,
	}
	if err := e.st.PutIntent(it); err != nil {
		return store.Intent{}, fmt.Errorf("intent: announce: %w", err)
	}
	return it, nil
}

// ReceiveRemote validates and records another member's INTENT
// announcement, subject to the clock-skew guard and the bounded LRU
// remote cache.
func (e *Engine) ReceiveRemote(it store.Intent, now int64) error {
	if it.Timestamp > now+e.cfg.ClockSkewTolerance || it.Timestamp < now-e.cfg.ClockSkewTolerance {
		return ErrClockSkew
	}
	it.Local = false
	e.remoteCache.Add(it.ID, it)
	if err := e.st.PutIntent(it); err != nil {
		return fmt.Errorf("intent: receive remote: %w", err)
	}
	return nil
}

// betterInitiator reports whether candidate should replace currentBest as
// the tie-break winner: lexicographically smaller wins; empty strings
// always lose.
func betterInitiator(candidate, currentBest string) bool {
	if candidate == "" {
		return false
	}
	if currentBest == "" {
		return true
	}
	return candidate < currentBest
}

// Resolve runs the Commit phase for (intentType, target): if exactly one
// pending intent exists, it commits; if more than one, the tie-breaker
// picks a winner and aborts the rest. Returns the winner (nil if none
// pending) and the losers.
func (e *Engine) Resolve(intentType, target string, now int64) (winner *store.Intent, losers []store.Intent, err error) {
	candidates := e.st.ListIntentsByTarget(intentType, target)
	var pending []store.Intent
	for _, c := range candidates {
		if c.Status == store.IntentPending {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	best := pending[0]
	for _, c := range pending[1:] {
		if betterInitiator(c.Initiator, best.Initiator) {
			best = c
		}
	}

	for _, c := range pending {
		if c.ID == best.ID {
			continue
		}
		c.Status = store.IntentAborted
		c.Reason = "lost_tiebreaker"
		if err := e.st.PutIntent(c); err != nil {
			return nil, nil, fmt.Errorf("intent: abort loser %s: %w", c.ID, err)
		}
		losers = append(losers, c)
	}

	best.Status = store.IntentCommitted
	if err := e.st.PutIntent(best); err != nil {
		return nil, nil, fmt.Errorf("intent: commit winner %s: %w", best.ID, err)
	}
	return &best, losers, nil
}

// SweepStuckCommitted marks intents committed longer than
// StuckCommittedAge as failed(reason=stuck_recovery) — the host never
// confirmed execution.
func (e *Engine) SweepStuckCommitted(now int64) (int, error) {
	n := 0
	for _, it := range e.st.ListIntentsByStatus(store.IntentCommitted) {
		if now-it.Timestamp < e.cfg.StuckCommittedAge {
			continue
		}
		it.Status = store.IntentFailed
		it.Reason = "stuck_recovery"
		if err := e.st.PutIntent(it); err != nil {
			return n, fmt.Errorf("intent: stuck-recovery sweep: %w", err)
		}
		n++
	}
	return n, nil
}

// SweepExpiredPending soft-deletes pending intents whose hold window has
// elapsed without resolution.
func (e *Engine) SweepExpiredPending(now int64) (int, error) {
	n := 0
	for _, it := range e.st.ListIntentsByStatus(store.IntentPending) {
		if it.ExpiresAt > now {
			continue
		}
		it.Status = store.IntentExpired
		if err := e.st.PutIntent(it); err != nil {
			return n, fmt.Errorf("intent: expiry sweep: %w", err)
		}
		n++
	}
	return n, nil
}

// PurgeOldTerminal deletes terminal intents older than TerminalPurgeAge.
func (e *Engine) PurgeOldTerminal(now int64) (int, error) {
	n := 0
	for _, it := range e.st.ListTerminalIntentsOlderThan(now - e.cfg.TerminalPurgeAge) {
		if err := e.st.DeleteIntent(it.ID); err != nil {
			return n, fmt.Errorf("intent: purge: %w", err)
		}
		n++
	}
	return n, nil
}

// CancelIntentsForTarget implements membership.IntentCanceller: once a
// peer is banned, any pending intent naming it as target is aborted.
func (e *Engine) CancelIntentsForTarget(target string, now int64) error {
	for _, it := range e.st.ListIntentsByStatus(store.IntentPending) {
		if it.Target != target {
			continue
		}
		it.Status = store.IntentAborted
		it.Reason = "target_banned"
		if err := e.st.PutIntent(it); err != nil {
			return fmt.Errorf("intent: cancel for banned target: %w", err)
		}
	}
	return nil
}
