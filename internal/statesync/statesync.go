// Package statesync implements the HiveMap state synchronization layer:
// deterministic state hashing, threshold gossip triggers, and
// anti-entropy FULL_SYNC exchange over per-peer state-hash inventories.
package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Config holds the state-sync timing/threshold constants.
type Config struct {
	CapacityDeltaFraction float64 // default 0.1
	HeartbeatInterval     int64   // default 1800 (30 min)
	AntiEntropyInterval   int64   // default 120 (2 min)
	FullSyncCooldown      int64   // default 60
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		CapacityDeltaFraction: 0.1,
		HeartbeatInterval:     1800,
		AntiEntropyInterval:   120,
		FullSyncCooldown:      60,
	}
}

// stateEntry is the identity/version tuple compute_state_hash hashes,
// deliberately excluding the full payload so drift detection stays cheap.
type stateEntry struct {
	PeerID    string `json:"peer_id"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// membershipEntry is the identity tuple membership_hash hashes.
type membershipEntry struct {
	PeerID string     `json:"peer_id"`
	Tier   store.Tier `json:"tier"`
}

// Engine owns HiveMap state hashing and anti-entropy scheduling.
type Engine struct {
	st  *store.Store
	cfg Config
	log *logrus.Logger

	mu           sync.Mutex
	lastFullSync map[string]int64 // peerID -> last FULL_SYNC_REQUEST sent
}

// New wires an Engine to its Store.
func New(st *store.Store, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{st: st, cfg: cfg, log: log, lastFullSync: make(map[string]int64)}
}

func hashEntries(v any) (string, error) {
	canon, err := wire.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeStateHash hashes the identity/version tuple of every peer state
// entry currently cached locally, sorted by peer_id.
func (e *Engine) ComputeStateHash() (string, error) {
	states := e.st.ListPeerStates()
	entries := make([]stateEntry, 0, len(states))
	for _, s := range states {
		entries = append(entries, stateEntry{PeerID: s.PeerID, Version: s.Version, Timestamp: s.LastGossip})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PeerID < entries[j].PeerID })
	return hashEntries(entries)
}

// ComputeMembershipHash hashes sorted (peer_id, tier) across every known
// member, used to detect membership-list divergence independent of state
// hash.
func (e *Engine) ComputeMembershipHash() (string, error) {
	members := e.st.ListMembers()
	entries := make([]membershipEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, membershipEntry{PeerID: m.PeerID, Tier: m.Tier})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PeerID < entries[j].PeerID })
	return hashEntries(entries)
}

// ShouldGossip decides whether a node must broadcast its own state via
// GOSSIP: capacity delta beyond
// CapacityDeltaFraction, any fee_policy change, a local ban/unban, or the
// heartbeat interval having elapsed.
func (e *Engine) ShouldGossip(old, current store.PeerState, lastBroadcastAt, now int64, banOrUnbanExecuted bool) bool {
	if old.CapacitySats > 0 {
		delta := float64(current.CapacitySats) - float64(old.CapacitySats)
		if delta < 0 {
			delta = -delta
		}
		if delta/float64(old.CapacitySats) > e.cfg.CapacityDeltaFraction {
			return true
		}
	}
	if !reflect.DeepEqual(old.FeePolicy, current.FeePolicy) {
		return true
	}
	if banOrUnbanExecuted {
		return true
	}
	if now-lastBroadcastAt >= e.cfg.HeartbeatInterval {
		return true
	}
	return false
}

// MergeIncoming applies a GOSSIP or FULL_SYNC_RESPONSE entry under the
// Store's version guard, taking defensive copies as required.
func (e *Engine) MergeIncoming(entry store.PeerState) (applied bool, err error) {
	return e.st.MergePeerState(entry)
}

// ShouldRequestFullSync decides whether a state-hash (or membership-hash)
// mismatch with peerID should trigger a FULL_SYNC_REQUEST, honoring the
// per-peer cooldown that prevents sync storms.
func (e *Engine) ShouldRequestFullSync(peerID string, now int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastFullSync[peerID]; ok && now-last < e.cfg.FullSyncCooldown {
		return false
	}
	e.lastFullSync[peerID] = now
	return true
}

// EvaluatePeer runs one anti-entropy round against a peer's advertised
// state hash and membership hash, returning whether a FULL_SYNC_REQUEST
// should be sent.
func (e *Engine) EvaluatePeer(peerID, remoteStateHash, remoteMembershipHash string, now int64) (needsFullSync bool, err error) {
	localState, err := e.ComputeStateHash()
	if err != nil {
		return false, err
	}
	localMembership, err := e.ComputeMembershipHash()
	if err != nil {
		return false, err
	}
	diverges := localState != remoteStateHash || localMembership != remoteMembershipHash
	if !diverges {
		return false, nil
	}
	return e.ShouldRequestFullSync(peerID, now), nil
}

// BuildFullSyncResponse snapshots every locally known peer state, for
// replying to a FULL_SYNC_REQUEST.
func (e *Engine) BuildFullSyncResponse() []store.PeerState {
	return e.st.ListPeerStates()
}

// ApplyFullSyncResponse merges every entry of a FULL_SYNC_RESPONSE,
// counting how many actually advanced the local view.
func (e *Engine) ApplyFullSyncResponse(entries []store.PeerState) (applied int, err error) {
	for _, entry := range entries {
		ok, err := e.st.MergePeerState(entry)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
